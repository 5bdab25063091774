package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

var (
	// ErrNotFound matches any 404 from the worker. On the status endpoint it
	// means the worker lost the job; on the queue endpoint it means the
	// async API is not deployed.
	ErrNotFound = errors.New("worker: not found")
	// ErrUnauthorized means the shared secret was rejected. Never retried.
	ErrUnauthorized = errors.New("worker: unauthorized, check the worker secret")
)

// UnreachableMessage is the stable text shown to users when the worker
// cannot be contacted.
const UnreachableMessage = "media worker is unreachable, please try again in a moment"

// StatusError is a non-2xx response from the worker.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := e.Body
	if msg == "" {
		msg = "no body"
	}
	return fmt.Sprintf("worker %s %s failed: HTTP %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// IsRetryable returns true for server errors and rate limiting.
// Other client errors are permanent.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrUnauthorized:
		return e.StatusCode == 401
	}
	return false
}

// UnreachableError wraps connection-refused, DNS and timeout failures.
type UnreachableError struct {
	Cause error
}

func (e *UnreachableError) Error() string {
	return UnreachableMessage
}

func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// IsUnreachable reports whether err is a worker connectivity failure.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// classify turns transport errors into UnreachableError where they mean the
// worker could not be reached. Everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return &UnreachableError{Cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &UnreachableError{Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UnreachableError{Cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &UnreachableError{Cause: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &UnreachableError{Cause: err}
	}
	return err
}

// timedOut reports whether err is a deadline or network timeout.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return IsUnreachable(err)
}

package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrWorkerUnavailable is returned for operations that need the media
	// worker when none is configured.
	ErrWorkerUnavailable = errors.New("no media worker is configured")
)

// InputError is a client mistake. It is never retried.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputErrorf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError means the session is not in a state that allows the
// operation.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// EmptyResultError reports a stage that ran but produced nothing usable.
// Raw carries a capped copy of the upstream payload when one exists.
type EmptyResultError struct {
	Stage string
	Msg   string
	Raw   string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

// StageFailedError reports an upstream job that finished in error.
type StageFailedError struct {
	Stage string
	Msg   string
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Msg)
}

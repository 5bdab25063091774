// Package worker is the typed HTTP client for the external media worker.
// All retry and error classification for worker calls lives here.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout       = 25 * time.Second
	DefaultRenderTimeout = 15 * time.Minute
	maxErrorBody         = 4096
)

// RetryPolicy bounds retries of retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Client talks to the worker over HTTP with a static bearer secret.
type Client struct {
	baseURL       string
	secret        string
	timeout       time.Duration
	renderTimeout time.Duration
	retry         RetryPolicy
	httpClient    *http.Client
	logger        *slog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithRenderTimeout(d time.Duration) Option {
	return func(c *Client) { c.renderTimeout = d }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, secret string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		secret:        secret,
		timeout:       DefaultTimeout,
		renderTimeout: DefaultRenderTimeout,
		retry:         DefaultRetryPolicy,
		httpClient:    &http.Client{},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// BaseURL returns the configured worker URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one logical worker call. body is rebuilt per attempt.
// A long request that times out is not retried: the worker may still be
// working on it.
type request struct {
	method  string
	path    string
	timeout time.Duration
	body    func() (io.Reader, string, error)
	out     any
	noRetry bool
	long    bool
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("marshal request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func (c *Client) do(ctx context.Context, r request) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.retry.delay(attempt - 1)
			c.logger.Warn("retrying worker request",
				"method", r.method,
				"path", r.path,
				"attempt", attempt+1,
				"wait_ms", wait.Milliseconds(),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return classify(ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = c.attempt(ctx, r)
		if lastErr == nil {
			return nil
		}
		if r.noRetry || !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if r.long && timedOut(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, r request) error {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	if r.body != nil {
		var err error
		body, contentType, err = r.body()
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("worker request",
		"method", r.method,
		"path", r.path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Method: r.method, Path: r.path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Error("worker rejected credentials", "path", r.path)
			return fmt.Errorf("%w: %s", ErrUnauthorized, se.Error())
		}
		return se
	}

	if r.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return classify(fmt.Errorf("decode %s response: %w", r.path, err))
	}
	return nil
}

// Health checks that the worker is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, request{method: http.MethodGet, path: "/health", out: &out, timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile streams a local video to the worker as multipart form data.
func (c *Client) UploadFile(ctx context.Context, sessionID, path string) (*MediaInfo, error) {
	body := func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open upload: %w", err)
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			err := func() error {
				if err := mw.WriteField("sessionId", sessionID); err != nil {
					return err
				}
				part, err := mw.CreateFormFile("file", filepath.Base(path))
				if err != nil {
					return err
				}
				if _, err := io.Copy(part, f); err != nil {
					return err
				}
				return mw.Close()
			}()
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}

	var out MediaInfo
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/upload",
		body:    body,
		out:     &out,
		timeout: c.renderTimeout,
		long:    true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchYouTube asks the worker to download a video by URL.
func (c *Client) FetchYouTube(ctx context.Context, sessionID, url string) (*MediaInfo, error) {
	var out MediaInfo
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/youtube",
		body:    jsonBody(YouTubeRequest{SessionID: sessionID, URL: url}),
		out:     &out,
		timeout: c.renderTimeout,
		long:    true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Metadata probes duration and dimensions of a stored video.
func (c *Client) Metadata(ctx context.Context, sessionID, videoKey string) (*MediaInfo, error) {
	var out MediaInfo
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/metadata",
		body:   jsonBody(MetadataRequest{SessionID: sessionID, VideoKey: videoKey}),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueTranscription queues an async transcription job. Workers without
// the async API answer 404, in which case the synchronous legacy endpoint
// is used and the returned status is already complete.
func (c *Client) QueueTranscription(ctx context.Context, req TranscribeRequest) (*JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/transcribe/queue",
		body:   jsonBody(req),
		out:    &out,
	})
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c.logger.Info("async transcription unavailable, using legacy endpoint", "session_id", req.SessionID)
	return c.transcribeLegacy(ctx, req)
}

func (c *Client) transcribeLegacy(ctx context.Context, req TranscribeRequest) (*JobStatus, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/transcribe",
		body:    jsonBody(req),
		out:     &raw,
		timeout: c.renderTimeout,
		long:    true,
	})
	if err != nil {
		return nil, err
	}

	var probe JobStatus
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Status != "" {
		probe.Legacy = true
		return &probe, nil
	}
	return &JobStatus{Status: JobComplete, Result: raw, Legacy: true}, nil
}

// TranscriptionStatus polls a queued job. A 404 is returned as an error
// matching ErrNotFound: the worker restarted and lost the job.
func (c *Client) TranscriptionStatus(ctx context.Context, workerSessionID string) (*JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/transcribe/status/" + workerSessionID,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Render submits a batch of clips in a single call.
func (c *Client) Render(ctx context.Context, req RenderRequest) (*RenderResponse, error) {
	var out RenderResponse
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/render",
		body:    jsonBody(req),
		out:     &out,
		timeout: c.renderTimeout,
		long:    true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/preview",
		body:    jsonBody(req),
		out:     &out,
		timeout: c.renderTimeout,
		long:    true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadURL asks the worker to sign a URL for one of its stored objects.
func (c *Client) DownloadURL(ctx context.Context, sessionID, key string, ttl time.Duration) (string, error) {
	var out DownloadURLResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/download-url",
		body:   jsonBody(DownloadURLRequest{SessionID: sessionID, Key: key, TTLSeconds: int(ttl.Seconds())}),
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("worker returned empty download url for %s", key)
	}
	return out.URL, nil
}

// Cleanup drops worker-side temp data for a session.
func (c *Client) Cleanup(ctx context.Context, workerSessionID string) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/cleanup",
		body:    jsonBody(CleanupRequest{SessionID: workerSessionID}),
		noRetry: true,
	})
}

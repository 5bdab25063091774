// Package render turns approved highlights into vertical subtitled clips,
// either locally with ffmpeg or through the media worker.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

var (
	// ErrNothingToRender is returned when neither the request nor the
	// session names any highlight to render.
	ErrNothingToRender = errors.New("no approved highlights to render")
	// ErrNoOutputs is returned when a render produced zero usable clips.
	ErrNoOutputs = errors.New("render produced no outputs")
)

// NotApprovedError lists requested indexes missing from the approved set.
type NotApprovedError struct {
	Indexes []int
}

func (e *NotApprovedError) Error() string {
	return fmt.Sprintf("highlights %v are not approved", e.Indexes)
}

// Clip is one highlight window to render.
type Clip struct {
	HighlightIndex int
	Start          float64
	End            float64
	Title          string
}

// Job is a self-contained snapshot of everything a renderer needs, taken
// from the session before rendering starts.
type Job struct {
	SessionID       string
	WorkerSessionID string
	SourcePath      string
	SourceKey       string
	Options         session.Options
	Language        string
	Segments        []session.Segment
	Clips           []Clip
}

// ClipFailure records a clip that did not render.
type ClipFailure struct {
	HighlightIndex int
	Err            string
}

type Result struct {
	Outputs  []session.Output
	Failures []ClipFailure
}

// Renderer executes a Job. Per-clip failures go in Result.Failures; an
// error means the whole batch failed.
type Renderer interface {
	Render(ctx context.Context, job Job) (*Result, error)
}

// PreviewJob asks for a quick low-resolution cut of one window.
type PreviewJob struct {
	SessionID       string
	WorkerSessionID string
	SourcePath      string
	SourceKey       string
	HighlightIndex  int
	Start           float64
	End             float64
}

type Previewer interface {
	Preview(ctx context.Context, job PreviewJob) (string, error)
}

// Plan builds a Job for the given indexes, defaulting to the approved set.
// Every requested index must be approved.
func Plan(s *session.Session, indexes []int) (*Job, error) {
	if len(indexes) == 0 {
		indexes = s.ApprovedHighlightIndexes
	}
	indexes = dedupe(indexes)
	if len(indexes) == 0 {
		return nil, ErrNothingToRender
	}

	var missing []int
	for _, i := range indexes {
		if i < 0 || i >= len(s.Highlights) || !s.IsApproved(i) {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &NotApprovedError{Indexes: missing}
	}

	job := &Job{
		SessionID:       s.ID,
		WorkerSessionID: s.WorkerSessionID,
		Options:         s.Options.WithDefaults(),
	}
	if s.Input != nil {
		job.SourcePath = s.Input.LocalPath
		job.SourceKey = s.Input.StorageKey
	}
	if s.Transcript != nil {
		job.Segments = s.Transcript.Segments
		job.Language = s.Transcript.Language
	}
	for _, i := range indexes {
		h := s.Highlights[i]
		job.Clips = append(job.Clips, Clip{HighlightIndex: i, Start: h.Start, End: h.End, Title: h.Title})
	}
	return job, nil
}

// Orchestrator runs a renderer and normalizes its result.
type Orchestrator struct {
	renderer Renderer
	logger   *slog.Logger
}

func NewOrchestrator(renderer Renderer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{renderer: renderer, logger: logger}
}

// Render executes the job and returns outputs in requested clip order,
// one per highlight index. Zero outputs is an error.
func (o *Orchestrator) Render(ctx context.Context, job Job) (*Result, error) {
	o.logger.Info("render started", "session_id", job.SessionID, "clips", len(job.Clips))

	res, err := o.renderer.Render(ctx, job)
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int]session.Output, len(res.Outputs))
	for _, out := range res.Outputs {
		if _, dup := byIndex[out.HighlightIndex]; !dup {
			byIndex[out.HighlightIndex] = out
		}
	}
	ordered := &Result{Failures: res.Failures}
	for _, c := range job.Clips {
		if out, ok := byIndex[c.HighlightIndex]; ok {
			ordered.Outputs = append(ordered.Outputs, out)
		}
	}

	if len(ordered.Outputs) == 0 {
		if len(res.Failures) > 0 {
			return ordered, fmt.Errorf("%w: %s", ErrNoOutputs, res.Failures[0].Err)
		}
		return ordered, ErrNoOutputs
	}

	o.logger.Info("render finished",
		"session_id", job.SessionID,
		"outputs", len(ordered.Outputs),
		"failures", len(ordered.Failures),
	)
	return ordered, nil
}

func dedupe(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, i := range in {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

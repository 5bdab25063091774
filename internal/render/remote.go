package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

// WorkerAPI is the part of the worker client the remote pipeline uses.
type WorkerAPI interface {
	Render(ctx context.Context, req worker.RenderRequest) (*worker.RenderResponse, error)
	Preview(ctx context.Context, req worker.PreviewRequest) (*worker.PreviewResponse, error)
}

// RemoteRenderer ships the whole batch to the worker's /render endpoint.
type RemoteRenderer struct {
	client WorkerAPI
	font   string
	logger *slog.Logger
}

func NewRemoteRenderer(client WorkerAPI, font string, logger *slog.Logger) *RemoteRenderer {
	return &RemoteRenderer{client: client, font: font, logger: logger}
}

func (r *RemoteRenderer) Render(ctx context.Context, job Job) (*Result, error) {
	if job.WorkerSessionID == "" || job.SourceKey == "" {
		return nil, errors.New("session input is not stored on the worker")
	}

	font := job.Options.Font
	if font == "" {
		font = r.font
	}
	req := worker.RenderRequest{
		SessionID:        job.WorkerSessionID,
		VideoKey:         job.SourceKey,
		Quality:          string(job.Options.Quality),
		CropMode:         string(job.Options.CropMode),
		SubtitlesEnabled: job.Options.SubtitlesEnabled,
		Font:             font,
		Language:         job.Language,
	}
	for _, c := range job.Clips {
		req.Clips = append(req.Clips, worker.RenderClip{
			Start:          c.Start,
			End:            c.End,
			HighlightIndex: c.HighlightIndex,
			Title:          c.Title,
		})
	}

	resp, err := r.client.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.remap(job, resp.Outputs), nil
}

// remap attaches each worker output to its requested highlight using the
// explicit highlightIndex, or clipIndex into the request. Outputs that
// carry neither, or point outside the request, are dropped.
func (r *RemoteRenderer) remap(job Job, outputs []worker.RenderOutput) *Result {
	clips := make(map[int]Clip, len(job.Clips))
	for _, c := range job.Clips {
		clips[c.HighlightIndex] = c
	}

	res := &Result{}
	seen := make(map[int]bool, len(outputs))
	for i, out := range outputs {
		index, ok := resolveIndex(out, job.Clips, clips)
		if !ok {
			r.logger.Warn("dropping worker output without a valid index",
				"session_id", job.SessionID,
				"position", i,
			)
			continue
		}
		if out.Error != "" {
			res.Failures = append(res.Failures, ClipFailure{HighlightIndex: index, Err: out.Error})
			continue
		}
		if out.Key == "" && out.URL == "" && out.Path == "" {
			res.Failures = append(res.Failures, ClipFailure{HighlightIndex: index, Err: "worker returned no location"})
			continue
		}
		if seen[index] {
			continue
		}
		seen[index] = true

		clip := clips[index]
		filename := out.Filename
		if filename == "" {
			filename = OutputFilename(clip.Title, job.SessionID, index, extOf(out))
		}
		duration := out.DurationSeconds
		if duration <= 0 {
			duration = clip.End - clip.Start
		}
		res.Outputs = append(res.Outputs, session.Output{
			HighlightIndex:  index,
			StorageKey:      out.Key,
			Path:            out.Path,
			Filename:        filename,
			PublicURL:       out.URL,
			DurationSeconds: duration,
		})
	}

	for _, c := range job.Clips {
		if !seen[c.HighlightIndex] && !hasFailure(res.Failures, c.HighlightIndex) {
			res.Failures = append(res.Failures, ClipFailure{HighlightIndex: c.HighlightIndex, Err: "missing from worker response"})
		}
	}
	return res
}

func (r *RemoteRenderer) Preview(ctx context.Context, job PreviewJob) (string, error) {
	if job.WorkerSessionID == "" || job.SourceKey == "" {
		return "", errors.New("session input is not stored on the worker")
	}
	resp, err := r.client.Preview(ctx, worker.PreviewRequest{
		SessionID: job.WorkerSessionID,
		VideoKey:  job.SourceKey,
		Start:     job.Start,
		End:       job.End,
	})
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("worker returned empty preview url")
	}
	return resp.URL, nil
}

func resolveIndex(out worker.RenderOutput, ordered []Clip, clips map[int]Clip) (int, bool) {
	if out.HighlightIndex != nil {
		_, ok := clips[*out.HighlightIndex]
		return *out.HighlightIndex, ok
	}
	if out.ClipIndex != nil {
		ci := *out.ClipIndex
		if ci >= 0 && ci < len(ordered) {
			return ordered[ci].HighlightIndex, true
		}
	}
	return 0, false
}

func hasFailure(failures []ClipFailure, index int) bool {
	for _, f := range failures {
		if f.HighlightIndex == index {
			return true
		}
	}
	return false
}

func extOf(out worker.RenderOutput) string {
	for _, p := range []string{out.Key, out.Path} {
		if ext := path.Ext(p); ext != "" {
			return ext
		}
	}
	return "mp4"
}

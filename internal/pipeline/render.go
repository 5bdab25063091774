package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/render"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// Render produces clips for indexes, or for every approved highlight when
// indexes is empty. Outputs of highlights not in this batch are kept.
func (s *Service) Render(ctx context.Context, id string, indexes []int) (*session.Session, error) {
	var (
		job          *render.Job
		transcriptAt time.Time
	)
	_, err := s.update(ctx, id, func(sess *session.Session) error {
		switch {
		case sess.Status == session.StatusRendering:
			return conflictf("render already in progress")
		case sess.Status == session.StatusTranscribing:
			return conflictf("transcription in progress")
		case sess.Input == nil:
			return conflictf("session has no input")
		}
		planned, err := render.Plan(sess, indexes)
		if err != nil {
			var na *render.NotApprovedError
			if errors.As(err, &na) || errors.Is(err, render.ErrNothingToRender) {
				return &InputError{Msg: err.Error()}
			}
			return err
		}
		job = planned
		if sess.Transcript != nil {
			transcriptAt = sess.Transcript.CreatedAt
		}
		sess.Logf("render started for highlights %v", clipIndexes(planned.Clips))
		return sess.Transition(session.StatusRendering)
	})
	if err != nil {
		return nil, err
	}

	// Rendering continues if the client disconnects.
	rctx := context.WithoutCancel(ctx)
	res, err := s.renderer.Render(rctx, *job)
	if err != nil {
		s.fail(rctx, id, "render", err)
		if errors.Is(err, render.ErrNoOutputs) {
			return nil, &EmptyResultError{Stage: "render", Msg: err.Error()}
		}
		return nil, err
	}

	rendered := make(map[int]bool, len(job.Clips))
	for _, c := range job.Clips {
		rendered[c.HighlightIndex] = true
	}
	sess, err := s.update(rctx, id, func(sess *session.Session) error {
		if err := checkPlanned(sess, job, transcriptAt); err != nil {
			return err
		}
		kept := make([]session.Output, 0, len(sess.Outputs))
		for _, o := range sess.Outputs {
			if !rendered[o.HighlightIndex] && o.HighlightIndex < len(sess.Highlights) {
				kept = append(kept, o)
			}
		}
		sess.Outputs = append(kept, res.Outputs...)
		for _, f := range res.Failures {
			sess.Logf("highlight %d failed to render: %s", f.HighlightIndex, f.Err)
		}
		sess.Logf("render finished with %d outputs", len(res.Outputs))
		return sess.Transition(session.StatusComplete)
	})
	if err != nil {
		s.discardRender(rctx, id, err)
		return nil, err
	}

	s.pruneOutputs(rctx, sess)
	s.logger.Info("render complete",
		"session_id", id,
		"outputs", len(res.Outputs),
		"failures", len(res.Failures),
	)
	return sess, nil
}

// checkPlanned reports a conflict when the highlights a render was planned
// from are no longer the approved ones.
func checkPlanned(sess *session.Session, job *render.Job, transcriptAt time.Time) error {
	if sess.Status != session.StatusRendering {
		return conflictf("session left rendering (now %s) before the render finished", sess.Status)
	}
	if sess.Transcript == nil || !sess.Transcript.CreatedAt.Equal(transcriptAt) {
		return conflictf("transcript changed during render")
	}
	for _, c := range job.Clips {
		i := c.HighlightIndex
		if i >= len(sess.Highlights) || !sess.IsApproved(i) {
			return conflictf("highlight %d is no longer approved", i)
		}
		if h := sess.Highlights[i]; h.Start != c.Start || h.End != c.End {
			return conflictf("highlight %d changed during render", i)
		}
	}
	return nil
}

// discardRender drops the clips of a render whose result could not be
// saved. A session still marked rendering is failed so it can be retried.
func (s *Service) discardRender(ctx context.Context, id string, cause error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load session after discarded render", "session_id", id, "error", err)
		return
	}
	if sess.Status == session.StatusRendering {
		s.fail(ctx, id, "render", cause)
		if sess, err = s.get(ctx, id); err != nil {
			return
		}
	}
	s.pruneOutputs(ctx, sess)
	s.logger.Warn("render result discarded", "session_id", id, "error", cause)
}

// pruneOutputs removes stored clips no output references any more.
func (s *Service) pruneOutputs(ctx context.Context, sess *session.Session) {
	if s.store == nil {
		return
	}
	keys, err := s.store.List(ctx, render.OutputKey(sess.ID, "")+"/")
	if err != nil {
		s.logger.Warn("failed to list outputs", "session_id", sess.ID, "error", err)
		return
	}
	live := make(map[string]bool, len(sess.Outputs))
	for _, o := range sess.Outputs {
		live[o.StorageKey] = true
	}
	var stale []string
	for _, k := range keys {
		if !live[k] {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := s.store.Remove(ctx, stale); err != nil {
		s.logger.Warn("failed to prune outputs", "session_id", sess.ID, "error", err)
	}
}

// GetOutputs resolves outputs to signed URLs. Empty indexes means all.
func (s *Service) GetOutputs(ctx context.Context, id string, indexes []int) ([]delivery.Item, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(sess.Outputs) == 0 {
		return nil, conflictf("session has no outputs")
	}
	return s.packager.Resolve(ctx, sess, indexes)
}

// ExportEDL renders the approved highlights as a CMX3600 edit list.
func (s *Service) ExportEDL(ctx context.Context, id string, frameRate float64) (string, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	events := delivery.HighlightEvents(sess)
	if len(events) == 0 {
		return "", conflictf("no approved highlights")
	}
	title := sess.ID
	if sess.Input != nil && sess.Input.Title != "" {
		title = sess.Input.Title
	}
	return delivery.GenerateEDL(events, delivery.SanitizeName(title, 80), frameRate), nil
}

func clipIndexes(clips []render.Clip) []int {
	out := make([]int, len(clips))
	for i, c := range clips {
		out[i] = c.HighlightIndex
	}
	return out
}


package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/render"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// SelectHighlights replaces the candidate list with a fresh selection.
// The selector runs on a snapshot; the result is written only if the
// transcript did not change meanwhile.
func (s *Service) SelectHighlights(ctx context.Context, id string, opts highlight.SelectOptions) (*session.Session, error) {
	snap, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status == session.StatusRendering {
		return nil, conflictf("session is rendering")
	}
	if !snap.HasTranscript() {
		return nil, conflictf("transcript is not ready")
	}

	if err := s.engine.Select(ctx, snap, opts); err != nil {
		s.fail(ctx, id, "highlight selection", err)
		if errors.Is(err, highlight.ErrNoCandidates) || errors.Is(err, highlight.ErrNoSegments) {
			return nil, &EmptyResultError{Stage: "highlight selection", Msg: err.Error()}
		}
		return nil, err
	}

	transcriptAt := snap.Transcript.CreatedAt
	sess, err := s.update(ctx, id, func(sess *session.Session) error {
		if sess.Transcript == nil || !sess.Transcript.CreatedAt.Equal(transcriptAt) {
			return conflictf("transcript changed during selection")
		}
		sess.Highlights = snap.Highlights
		sess.ApprovedHighlightIndexes = snap.ApprovedHighlightIndexes
		sess.RemovedHighlightIndexes = snap.RemovedHighlightIndexes
		sess.Outputs = []session.Output{}
		sess.Logf("selected %d highlights", len(snap.Highlights))
		return sess.Transition(session.StatusAwaitingApproval)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("highlights selected",
		"session_id", id,
		"count", len(sess.Highlights),
		"auto_approved", len(sess.ApprovedHighlightIndexes),
	)
	return sess, nil
}

// UpdateHighlight moves one highlight. It must be approved again.
func (s *Service) UpdateHighlight(ctx context.Context, id string, index int, start, end float64, title *string) (*session.Session, error) {
	return s.update(ctx, id, func(sess *session.Session) error {
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering")
		}
		if err := highlight.Update(sess, index, start, end, title); err != nil {
			return asInputError(err)
		}
		sess.Outputs = withoutOutput(sess.Outputs, index)
		return sess.Transition(session.StatusAwaitingApproval)
	})
}

// RegenerateHighlight asks the selector for a replacement window. A
// regeneration that finds nothing leaves the session untouched.
func (s *Service) RegenerateHighlight(ctx context.Context, id string, index int, opts highlight.SelectOptions) (*session.Session, error) {
	snap, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status == session.StatusRendering {
		return nil, conflictf("session is rendering")
	}
	if !snap.HasTranscript() {
		return nil, conflictf("transcript is not ready")
	}
	before := append([]session.Highlight(nil), snap.Highlights...)

	if err := s.engine.Regenerate(ctx, snap, index, opts); err != nil {
		var ie *highlight.IndexError
		switch {
		case errors.As(err, &ie):
			return nil, &InputError{Msg: ie.Error()}
		case errors.Is(err, highlight.ErrNoCandidates):
			return nil, &EmptyResultError{Stage: "highlight regeneration", Msg: err.Error()}
		}
		return nil, err
	}

	replacement := snap.Highlights[index]
	sess, err := s.update(ctx, id, func(sess *session.Session) error {
		if len(sess.Highlights) != len(before) || sess.Highlights[index] != before[index] {
			return conflictf("highlights changed during regeneration")
		}
		sess.Highlights[index] = replacement
		drop := []int{index}
		sess.ApprovedHighlightIndexes = session.WithoutIndexes(sess.ApprovedHighlightIndexes, drop)
		sess.RemovedHighlightIndexes = session.WithoutIndexes(sess.RemovedHighlightIndexes, drop)
		sess.Outputs = withoutOutput(sess.Outputs, index)
		sess.Logf("regenerated highlight %d", index)
		return sess.Transition(session.StatusAwaitingApproval)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("highlight regenerated", "session_id", id, "index", index)
	return sess, nil
}

// Approve makes indexes the approved set.
func (s *Service) Approve(ctx context.Context, id string, indexes []int) (*session.Session, error) {
	return s.update(ctx, id, func(sess *session.Session) error {
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering")
		}
		if err := highlight.Approve(sess, indexes); err != nil {
			return asInputError(err)
		}
		if sess.Status == session.StatusComplete || sess.Status == session.StatusError {
			return sess.Transition(session.StatusAwaitingApproval)
		}
		return nil
	})
}

// Remove marks indexes as rejected.
func (s *Service) Remove(ctx context.Context, id string, indexes []int) (*session.Session, error) {
	return s.update(ctx, id, func(sess *session.Session) error {
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering")
		}
		if err := highlight.Remove(sess, indexes); err != nil {
			return asInputError(err)
		}
		return nil
	})
}

// Preview returns a quick low-resolution URL for one highlight.
func (s *Service) Preview(ctx context.Context, id string, index int) (string, error) {
	if s.previewer == nil {
		return "", ErrWorkerUnavailable
	}
	sess, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(sess.Highlights) {
		return "", inputErrorf("highlight index %d out of range", index)
	}
	h := sess.Highlights[index]
	job := render.PreviewJob{
		SessionID:       sess.ID,
		WorkerSessionID: sess.WorkerSessionID,
		HighlightIndex:  index,
		Start:           h.Start,
		End:             h.End,
	}
	if sess.Input != nil {
		job.SourcePath = sess.Input.LocalPath
		job.SourceKey = sess.Input.StorageKey
	}
	url, err := s.previewer.Preview(ctx, job)
	if err != nil {
		s.logger.Warn("preview failed", "session_id", id, "index", index, "error", err)
		return "", err
	}
	return url, nil
}

func asInputError(err error) error {
	var ie *highlight.IndexError
	if errors.As(err, &ie) {
		return &InputError{Msg: ie.Error()}
	}
	if errors.Is(err, highlight.ErrNoSegments) {
		return conflictf("transcript is not ready")
	}
	var te *session.TransitionError
	if errors.As(err, &te) {
		return err
	}
	return &InputError{Msg: fmt.Sprint(err)}
}

func withoutOutput(outputs []session.Output, index int) []session.Output {
	out := make([]session.Output, 0, len(outputs))
	for _, o := range outputs {
		if o.HighlightIndex != index {
			out = append(out, o)
		}
	}
	return out
}

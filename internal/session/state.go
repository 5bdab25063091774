package session

import (
	"fmt"
	"time"
)

// TransitionError is returned when a target status's prerequisites are
// missing from the session.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move session from %s to %s: %s", e.From, e.To, e.Reason)
}

// Transition moves the session to status `to`. Stages may be re-entered
// from any status, so the check is on prerequisite fields rather than on
// the current status. Entering any non-error status clears Error.
func (s *Session) Transition(to Status) error {
	if reason := s.missingFor(to); reason != "" {
		return &TransitionError{From: s.Status, To: to, Reason: reason}
	}
	if to != StatusError {
		s.Error = ""
	}
	if s.Status != to {
		s.Logf("status %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Session) missingFor(to Status) string {
	switch to {
	case StatusError:
		return ""
	case StatusCreated:
		return "a session cannot return to created"
	case StatusInputReady, StatusTranscribing:
		if s.Input == nil {
			return "no input"
		}
	case StatusTranscribed:
		if !s.HasTranscript() {
			return "no transcript"
		}
	case StatusAwaitingApproval:
		if !s.HasTranscript() {
			return "no transcript"
		}
		if len(s.Highlights) == 0 {
			return "no highlights"
		}
	case StatusRendering:
		if len(s.ApprovedHighlightIndexes) == 0 {
			return "no approved highlights"
		}
	case StatusComplete:
		if len(s.Outputs) == 0 {
			return "no outputs"
		}
	default:
		return fmt.Sprintf("unknown status %q", to)
	}
	return ""
}

// Terminal reports whether no stage is in flight.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Package highlight selects candidate clip windows from a transcript and
// manages their approval state on a session.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/transcript"
)

// MinSpanSeconds is the shortest window an edited highlight may have.
const MinSpanSeconds = 1.0

var (
	ErrNoSegments   = errors.New("transcript has no segments")
	ErrNoCandidates = errors.New("no highlight candidates found")
)

// IndexError reports an index outside the highlight list.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("highlight index %d out of range (have %d)", e.Index, e.Len)
}

// SelectOptions are the caller-supplied hints for a selection.
type SelectOptions struct {
	Instructions  string
	Description   string
	Language      string
	TargetSeconds float64
	Count         int
}

// Request is what a Selector receives.
type Request struct {
	SelectOptions
	Segments []session.Segment
	Duration float64
	Exclude  []session.Highlight
}

// Selector proposes highlight windows. Implementations may return
// out-of-range values; the Engine clamps them.
type Selector interface {
	Select(ctx context.Context, req Request) ([]session.Highlight, error)
}

type Engine struct {
	selector Selector
	logger   *slog.Logger
}

func NewEngine(selector Selector, logger *slog.Logger) *Engine {
	return &Engine{selector: selector, logger: logger}
}

// Select replaces the session's highlights with a fresh selection and
// clears both index sets. With AutoApprove every candidate is approved.
func (e *Engine) Select(ctx context.Context, s *session.Session, opts SelectOptions) error {
	if !s.HasTranscript() {
		return ErrNoSegments
	}
	if opts.Language == "" {
		opts.Language = s.Transcript.Language
	}

	dur := effectiveDuration(s)
	raw, err := e.selector.Select(ctx, Request{
		SelectOptions: opts,
		Segments:      s.Transcript.Segments,
		Duration:      dur,
	})
	if err != nil {
		return fmt.Errorf("highlight selection failed: %w", err)
	}

	picked := make([]session.Highlight, 0, len(raw))
	for _, h := range raw {
		c, ok := Clamp(h, dur)
		if !ok {
			e.logger.Debug("dropping out-of-range highlight", "start", h.Start, "end", h.End)
			continue
		}
		c = fillContent(c, s.Transcript.Segments, len(picked))
		picked = append(picked, c)
	}
	if len(picked) == 0 {
		return ErrNoCandidates
	}

	s.Highlights = picked
	s.ApprovedHighlightIndexes = []int{}
	s.RemovedHighlightIndexes = []int{}
	if s.Options.AutoApprove {
		for i := range picked {
			s.ApprovedHighlightIndexes = append(s.ApprovedHighlightIndexes, i)
		}
	}
	s.Logf("selected %d highlights", len(picked))
	return nil
}

// Update moves one highlight to a new window, re-slices its content from
// the transcript and drops it from both index sets.
func Update(s *session.Session, index int, start, end float64, title *string) error {
	if err := checkIndex(s, index); err != nil {
		return err
	}
	if !finite(start) || !finite(end) {
		return fmt.Errorf("highlight bounds must be finite numbers")
	}

	dur := effectiveDuration(s)
	start, end = clampSpan(start, end, dur)

	h := s.Highlights[index]
	h.Start, h.End = start, end
	if title != nil {
		h.Title = strings.TrimSpace(*title)
	}
	if s.Transcript != nil {
		h.Content = transcript.SliceText(s.Transcript.Segments, start, end)
	}
	s.Highlights[index] = h

	drop := []int{index}
	s.ApprovedHighlightIndexes = session.WithoutIndexes(s.ApprovedHighlightIndexes, drop)
	s.RemovedHighlightIndexes = session.WithoutIndexes(s.RemovedHighlightIndexes, drop)
	s.Logf("updated highlight %d to [%.2f, %.2f]", index, start, end)
	return nil
}

// Regenerate replaces one highlight with a new candidate that does not
// overlap the others.
func (e *Engine) Regenerate(ctx context.Context, s *session.Session, index int, opts SelectOptions) error {
	if err := checkIndex(s, index); err != nil {
		return err
	}
	if !s.HasTranscript() {
		return ErrNoSegments
	}

	others := make([]session.Highlight, 0, len(s.Highlights))
	for i, h := range s.Highlights {
		if i != index {
			others = append(others, h)
		}
	}
	excluded := append(append([]session.Highlight(nil), others...), s.Highlights[index])

	dur := effectiveDuration(s)
	if opts.Language == "" {
		opts.Language = s.Transcript.Language
	}
	if opts.TargetSeconds <= 0 {
		cur := s.Highlights[index]
		opts.TargetSeconds = cur.End - cur.Start
	}
	opts.Count = 1

	raw, err := e.selector.Select(ctx, Request{
		SelectOptions: opts,
		Segments:      s.Transcript.Segments,
		Duration:      dur,
		Exclude:       excluded,
	})
	if err != nil {
		return fmt.Errorf("highlight regeneration failed: %w", err)
	}

	for _, h := range raw {
		c, ok := Clamp(h, dur)
		if !ok || overlapsAny(c, others) || sameWindow(c, s.Highlights[index]) {
			continue
		}
		s.Highlights[index] = fillContent(c, s.Transcript.Segments, index)
		drop := []int{index}
		s.ApprovedHighlightIndexes = session.WithoutIndexes(s.ApprovedHighlightIndexes, drop)
		s.RemovedHighlightIndexes = session.WithoutIndexes(s.RemovedHighlightIndexes, drop)
		s.Logf("regenerated highlight %d", index)
		return nil
	}
	return ErrNoCandidates
}

// Approve makes indexes the approved set and takes them out of the
// removed set.
func Approve(s *session.Session, indexes []int) error {
	idx := session.NormalizeIndexes(indexes)
	for _, i := range idx {
		if err := checkIndex(s, i); err != nil {
			return err
		}
	}
	s.ApprovedHighlightIndexes = idx
	s.RemovedHighlightIndexes = session.WithoutIndexes(s.RemovedHighlightIndexes, idx)
	s.Logf("approved highlights %v", idx)
	return nil
}

// Remove adds indexes to the removed set and takes them out of the
// approved set.
func Remove(s *session.Session, indexes []int) error {
	idx := session.NormalizeIndexes(indexes)
	for _, i := range idx {
		if err := checkIndex(s, i); err != nil {
			return err
		}
	}
	s.RemovedHighlightIndexes = session.NormalizeIndexes(append(s.RemovedHighlightIndexes, idx...))
	s.ApprovedHighlightIndexes = session.WithoutIndexes(s.ApprovedHighlightIndexes, idx)
	s.Logf("removed highlights %v", idx)
	return nil
}

// Clamp fits h into [0, duration]. A zero duration means unknown and only
// the lower bound is enforced. ok is false when nothing usable remains.
func Clamp(h session.Highlight, duration float64) (session.Highlight, bool) {
	if !finite(h.Start) || !finite(h.End) {
		return h, false
	}
	h.Start = math.Max(0, h.Start)
	if duration > 0 {
		h.End = math.Min(h.End, duration)
	}
	return h, h.End > h.Start
}

// clampSpan enforces [0, duration] and MinSpanSeconds for edits.
func clampSpan(start, end, duration float64) (float64, float64) {
	start = math.Max(0, start)
	if duration > 0 {
		start = math.Min(start, duration)
		end = math.Min(end, duration)
	}
	if end-start < MinSpanSeconds {
		end = start + MinSpanSeconds
		if duration > 0 && end > duration {
			end = duration
			start = math.Max(0, end-MinSpanSeconds)
		}
	}
	return start, end
}

// effectiveDuration prefers the probed duration and falls back to the end
// of the last transcript segment.
func effectiveDuration(s *session.Session) float64 {
	if d := s.Duration(); d > 0 {
		return d
	}
	var last float64
	if s.Transcript != nil {
		for _, seg := range s.Transcript.Segments {
			last = math.Max(last, seg.End)
		}
	}
	return last
}

func fillContent(h session.Highlight, segs []session.Segment, i int) session.Highlight {
	if strings.TrimSpace(h.Content) == "" {
		h.Content = transcript.SliceText(segs, h.Start, h.End)
	}
	h.Title = strings.TrimSpace(h.Title)
	if h.Title == "" {
		h.Title = fmt.Sprintf("Highlight %d", i+1)
	}
	return h
}

func checkIndex(s *session.Session, index int) error {
	if index < 0 || index >= len(s.Highlights) {
		return &IndexError{Index: index, Len: len(s.Highlights)}
	}
	return nil
}

func overlapsAny(h session.Highlight, others []session.Highlight) bool {
	for _, o := range others {
		if h.Start < o.End && o.Start < h.End {
			return true
		}
	}
	return false
}

func sameWindow(a, b session.Highlight) bool {
	return math.Abs(a.Start-b.Start) < 0.01 && math.Abs(a.End-b.End) < 0.01
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

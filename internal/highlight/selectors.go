package highlight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/llm"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/transcript"
)

const (
	DefaultTargetSeconds = 30.0
	DefaultCount         = 3
	maxPromptSegments    = 800
)

func (r Request) target() float64 {
	if r.TargetSeconds > 0 {
		return r.TargetSeconds
	}
	return DefaultTargetSeconds
}

func (r Request) count() int {
	if r.Count > 0 {
		return r.Count
	}
	return DefaultCount
}

// LLMSelector asks a language model to pick highlight windows.
type LLMSelector struct {
	client llm.Client
	logger *slog.Logger
}

func NewLLMSelector(client llm.Client, logger *slog.Logger) *LLMSelector {
	return &LLMSelector{client: client, logger: logger}
}

type llmResponse struct {
	Highlights []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
	} `json:"highlights"`
}

func (s *LLMSelector) Select(ctx context.Context, req Request) ([]session.Highlight, error) {
	if len(req.Segments) == 0 {
		return nil, ErrNoSegments
	}
	prompt := buildPrompt(req)

	text, err := s.client.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse highlight response: %w", err)
	}
	out := make([]session.Highlight, 0, len(resp.Highlights))
	for _, h := range resp.Highlights {
		out = append(out, session.Highlight{Start: h.Start, End: h.End, Title: h.Title, Content: h.Content})
	}
	s.logger.Info("llm highlight selection", "model", s.client.Model(), "candidates", len(out))
	return out, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You pick the most engaging moments of a video for short vertical clips.\n")
	fmt.Fprintf(&b, "Return JSON {\"highlights\":[{\"start\":seconds,\"end\":seconds,\"title\":string,\"content\":string}]} with at most %d entries.\n", req.count())
	fmt.Fprintf(&b, "Each clip should last about %.0f seconds and must lie within 0 and %.1f seconds.\n", req.target(), req.Duration)
	b.WriteString("Start and end on sentence boundaries taken from the transcript timestamps. Clips must not overlap.\n")
	if req.Language != "" {
		fmt.Fprintf(&b, "Write titles in language %q.\n", req.Language)
	}
	if req.Description != "" {
		fmt.Fprintf(&b, "Video description: %s\n", req.Description)
	}
	if req.Instructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", req.Instructions)
	}
	if len(req.Exclude) > 0 {
		b.WriteString("Do not return any window overlapping these existing clips:\n")
		for _, h := range req.Exclude {
			fmt.Fprintf(&b, "- [%.2f-%.2f] %s\n", h.Start, h.End, h.Title)
		}
	}
	b.WriteString("Transcript:\n")
	for i, seg := range req.Segments {
		if i >= maxPromptSegments {
			break
		}
		fmt.Fprintf(&b, "[%.2f-%.2f] %s\n", seg.Start, seg.End, seg.Text)
	}
	return b.String()
}

// HeuristicSelector ranks fixed-length windows, anchored at segment
// starts, by spoken word density. It needs no external service.
type HeuristicSelector struct{}

func (HeuristicSelector) Select(_ context.Context, req Request) ([]session.Highlight, error) {
	if len(req.Segments) == 0 {
		return nil, ErrNoSegments
	}
	target := req.target()

	type window struct {
		h     session.Highlight
		score float64
	}
	var windows []window
	for _, seg := range req.Segments {
		start := seg.Start
		end := start + target
		if req.Duration > 0 && end > req.Duration {
			end = req.Duration
			start = math.Max(0, end-target)
		}
		if end <= start {
			continue
		}
		segs := transcript.Overlapping(req.Segments, start, end)
		words := transcript.Words(segs)
		if words == 0 {
			continue
		}
		windows = append(windows, window{
			h:     session.Highlight{Start: start, End: end},
			score: float64(words) / (end - start),
		})
	}

	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].score != windows[j].score {
			return windows[i].score > windows[j].score
		}
		return windows[i].h.Start < windows[j].h.Start
	})

	var picked []session.Highlight
	for _, w := range windows {
		if len(picked) == req.count() {
			break
		}
		if overlapsAny(w.h, picked) || overlapsAny(w.h, req.Exclude) {
			continue
		}
		picked = append(picked, w.h)
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].Start < picked[j].Start })
	for i := range picked {
		picked[i].Content = transcript.SliceText(req.Segments, picked[i].Start, picked[i].End)
		picked[i].Title = titleFrom(picked[i].Content, i)
	}
	return picked, nil
}

func titleFrom(content string, i int) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return fmt.Sprintf("Highlight %d", i+1)
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// FallbackSelector uses Primary and falls back to Secondary when Primary
// fails or returns nothing.
type FallbackSelector struct {
	Primary   Selector
	Secondary Selector
	Logger    *slog.Logger
}

func (f *FallbackSelector) Select(ctx context.Context, req Request) ([]session.Highlight, error) {
	out, err := f.Primary.Select(ctx, req)
	if err == nil && len(out) > 0 {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.Logger.Warn("primary highlight selector failed, using fallback", "error", err, "candidates", len(out))
	return f.Secondary.Select(ctx, req)
}

package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// WordGroupSeconds is the span at which consecutive words are split into
// a new segment.
const WordGroupSeconds = 10.0

// MaxRawBytes caps raw payloads carried on errors.
const MaxRawBytes = 2048

// EmptyTranscriptError means no usable segment survived reconciliation.
type EmptyTranscriptError struct {
	Kind Kind
	Raw  string
}

func (e *EmptyTranscriptError) Error() string {
	return fmt.Sprintf("transcription produced no usable segments (payload shape: %s)", e.Kind)
}

const truncatedMarker = "...(truncated)"

// NewEmptyTranscriptError keeps at most MaxRawBytes of the raw payload.
func NewEmptyTranscriptError(kind Kind, raw json.RawMessage) *EmptyTranscriptError {
	s := string(raw)
	if len(s) > MaxRawBytes {
		s = s[:MaxRawBytes] + truncatedMarker
	}
	return &EmptyTranscriptError{Kind: kind, Raw: s}
}

// CapRaw returns raw unchanged when it fits in limit bytes. A larger
// payload is cut and stored as a JSON string so the result stays valid
// JSON and never exceeds limit.
func CapRaw(raw json.RawMessage, limit int) json.RawMessage {
	if len(raw) <= limit {
		return raw
	}
	for n := limit; n > 0; n /= 2 {
		cut := strings.ToValidUTF8(string(raw[:n]), "")
		data, err := json.Marshal(cut + truncatedMarker)
		if err == nil && len(data) <= limit {
			return data
		}
	}
	return nil
}

// Reconcile converts a payload into sorted, valid segments. It is pure:
// the same payload and duration always give the same result.
func Reconcile(p *Payload, durationSeconds float64) ([]session.Segment, error) {
	var segs []session.Segment
	kind := p.Kind()

	switch kind {
	case KindSegments:
		segs = make([]session.Segment, 0, len(p.Segments))
		for _, s := range p.Segments {
			segs = append(segs, session.Segment{
				Start: bound(s.Start),
				End:   bound(s.End),
				Text:  strings.TrimSpace(s.Text),
			})
		}
	case KindWords:
		segs = coalesceWords(p.Words)
	case KindText:
		segs = []session.Segment{{Start: 0, End: durationSeconds, Text: strings.TrimSpace(p.Text)}}
	}

	out := make([]session.Segment, 0, len(segs))
	for _, s := range segs {
		if s.Valid() {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, &EmptyTranscriptError{Kind: kind}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out, nil
}

// ReconcileRaw decodes and reconciles in one step. Empty results carry the
// capped raw payload for diagnostics.
func ReconcileRaw(raw json.RawMessage, durationSeconds float64) ([]session.Segment, string, error) {
	p, err := Decode(raw)
	if err != nil {
		return nil, "", err
	}
	segs, err := Reconcile(p, durationSeconds)
	if err != nil {
		return nil, p.Language, NewEmptyTranscriptError(p.Kind(), raw)
	}
	return segs, p.Language, nil
}

// coalesceWords groups words greedily. A word starting WordGroupSeconds or
// more after the current group's first word opens a new group.
func coalesceWords(words []Word) []session.Segment {
	var (
		out    []session.Segment
		tokens []string
		cur    session.Segment
	)
	flush := func() {
		if len(tokens) > 0 {
			cur.Text = strings.Join(tokens, " ")
			out = append(out, cur)
		}
		tokens = tokens[:0]
	}

	for _, w := range words {
		start, end, tok := bound(w.Start), bound(w.End), w.token()
		probe := session.Segment{Start: start, End: end, Text: tok}
		if !probe.Valid() {
			continue
		}
		if len(tokens) > 0 && start-cur.Start >= WordGroupSeconds {
			flush()
		}
		if len(tokens) == 0 {
			cur = session.Segment{Start: start, End: end}
		}
		tokens = append(tokens, tok)
		if end > cur.End {
			cur.End = end
		}
	}
	flush()
	return out
}

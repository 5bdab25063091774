package transcript

import (
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// Overlapping returns the segments that intersect [start, end).
func Overlapping(segs []session.Segment, start, end float64) []session.Segment {
	var out []session.Segment
	for _, s := range segs {
		if s.End > start && s.Start < end {
			out = append(out, s)
		}
	}
	return out
}

// SliceText joins the text of every segment overlapping [start, end).
func SliceText(segs []session.Segment, start, end float64) string {
	parts := make([]string, 0)
	for _, s := range Overlapping(segs, start, end) {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Rebase clips segments to [start, end) and shifts them so start is zero.
func Rebase(segs []session.Segment, start, end float64) []session.Segment {
	var out []session.Segment
	for _, s := range Overlapping(segs, start, end) {
		r := session.Segment{
			Start: max(s.Start, start) - start,
			End:   min(s.End, end) - start,
			Text:  strings.TrimSpace(s.Text),
		}
		if r.End > r.Start && r.Text != "" {
			out = append(out, r)
		}
	}
	return out
}

// Words counts whitespace separated tokens in the segments.
func Words(segs []session.Segment) int {
	n := 0
	for _, s := range segs {
		n += len(strings.Fields(s.Text))
	}
	return n
}

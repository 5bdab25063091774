package render

import (
	"fmt"
	"math"
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/transcript"
)

// ClipSubtitles returns the SRT document for [start, end) rebased to zero,
// or "" when no transcript text falls inside the window.
func ClipSubtitles(segs []session.Segment, start, end float64) string {
	return FormatSRT(transcript.Rebase(segs, start, end))
}

// FormatSRT renders segments as a SubRip document.
func FormatSRT(segs []session.Segment) string {
	var b strings.Builder
	n := 0
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" || !(s.End > s.Start) {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTimestamp(s.Start), srtTimestamp(s.End), text)
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// subtitleFilter builds the ffmpeg subtitles filter for an SRT file.
func subtitleFilter(srtPath, font string) string {
	filter := "subtitles=" + escapeFilterValue(srtPath)
	if font = sanitizeFont(font); font != "" {
		filter += ":force_style='FontName=" + font + "'"
	}
	return filter
}

// escapeFilterValue escapes characters significant to the filtergraph
// parser inside a single option value.
func escapeFilterValue(v string) string {
	r := strings.NewReplacer(
		`\`, `/`,
		`:`, `\:`,
		`'`, `\'`,
		`,`, `\,`,
		`[`, `\[`,
		`]`, `\]`,
		`;`, `\;`,
	)
	return r.Replace(v)
}

func sanitizeFont(font string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\'', ',', ':', '=', ';', '[', ']', '\\':
			return -1
		}
		return r
	}, strings.TrimSpace(font))
}

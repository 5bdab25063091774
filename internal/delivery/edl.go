package delivery

import (
	"fmt"
	"math"
	"strings"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

const DefaultFrameRate = 30.0

// EDLEvent is one source window placed on the record timeline.
type EDLEvent struct {
	ClipName  string
	MediaPath string
	StartMs   int
	EndMs     int
}

// HighlightEvents lists approved highlights in approval order.
func HighlightEvents(s *session.Session) []EDLEvent {
	media := ""
	if s.Input != nil {
		media = s.Input.Filename
		if media == "" {
			media = s.Input.SourceURL
		}
	}
	var events []EDLEvent
	for _, i := range s.ApprovedHighlightIndexes {
		if i < 0 || i >= len(s.Highlights) {
			continue
		}
		h := s.Highlights[i]
		name := SanitizeName(h.Title, 60)
		if name == "" {
			name = fmt.Sprintf("Highlight %d", i+1)
		}
		events = append(events, EDLEvent{
			ClipName:  name,
			MediaPath: media,
			StartMs:   int(math.Round(h.Start * 1000)),
			EndMs:     int(math.Round(h.End * 1000)),
		})
	}
	return events
}

// GenerateEDL writes a CMX3600 edit list.
func GenerateEDL(events []EDLEvent, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = int(DefaultFrameRate)
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	recordOffsetMs := 0
	for i, ev := range events {
		durationMs := ev.EndMs - ev.StartMs
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V",
				msToTimecode(ev.StartMs, fps),
				msToTimecode(ev.EndMs, fps),
				msToTimecode(recordOffsetMs, fps),
				msToTimecode(recordOffsetMs+durationMs, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", ev.ClipName),
		)
		if ev.MediaPath != "" {
			lines = append(lines, fmt.Sprintf("* MEDIA PATH:  %s", ev.MediaPath))
		}
		recordOffsetMs += durationMs
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func msToTimecode(ms int, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}

package render

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

const maxSlugRunes = 60

// Slugify lowercases a title and joins its letter and digit runs with
// hyphens. Non-Latin letters are kept. Empty results become "clip".
func Slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	n := 0
	for _, r := range strings.ToLower(title) {
		if n >= maxSlugRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteRune('-')
				n++
			}
			pendingDash = false
			b.WriteRune(r)
			n++
			continue
		}
		pendingDash = true
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "clip"
	}
	return slug
}

// OutputFilename names a final clip {slug}_{sessionId}_short_{index+1}.{ext}.
func OutputFilename(title, sessionID string, index int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s_%s_short_%d.%s", Slugify(title), sessionID, index+1, ext)
}

// OutputKey is the blob key of a final clip.
func OutputKey(sessionID, filename string) string {
	return path.Join("sessions", sessionID, "outputs", filename)
}

// PreviewKey is the blob key of a highlight preview.
func PreviewKey(sessionID string, index int) string {
	return path.Join("sessions", sessionID, "previews", fmt.Sprintf("highlight_%d.mp4", index+1))
}

// SessionPrefix is the blob prefix holding everything for a session.
func SessionPrefix(sessionID string) string {
	return path.Join("sessions", sessionID) + "/"
}

// Dimensions returns the vertical output size for a quality tier.
// ok is false for auto, which keeps the cropped size.
func Dimensions(q session.Quality) (width, height int, ok bool) {
	switch q {
	case session.Quality1080:
		return 1080, 1920, true
	case session.Quality720:
		return 720, 1280, true
	case session.Quality480:
		return 480, 854, true
	default:
		return 0, 0, false
	}
}

// CenterCrop returns the largest even 9:16 window of a frame and its
// offset. Frames narrower than 9:16 keep their width and lose height.
func CenterCrop(width, height int) (cw, ch, x, y int) {
	cw, ch = height*9/16, height
	if cw > width {
		cw, ch = width, width*16/9
	}
	cw -= cw % 2
	ch -= ch % 2
	x = (width - cw) / 2
	y = (height - ch) / 2
	return cw, ch, x, y
}

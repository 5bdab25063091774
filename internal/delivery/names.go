package delivery

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"unicode"
)

const maxFilenameRunes = 120

// SanitizeName strips control characters and replaces anything outside a
// conservative filename alphabet with '_'.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// SafeFilename sanitizes a download name, keeping its extension and
// falling back to fallback when nothing usable remains.
func SafeFilename(name, fallback string) string {
	name = SanitizeName(path.Base(strings.ReplaceAll(name, "\\", "/")), maxFilenameRunes)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return fallback
	}
	return name
}

// ContentDisposition formats an attachment header for filename.
func ContentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// UniqueNames renames repeats as name_2.ext, name_3.ext and so on,
// keeping the first occurrence untouched.
func UniqueNames(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		candidate := name
		if used[strings.ToLower(candidate)] {
			ext := path.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for n := 2; ; n++ {
				candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
				if !used[strings.ToLower(candidate)] {
					break
				}
			}
		}
		used[strings.ToLower(candidate)] = true
		out[i] = candidate
	}
	return out
}

package logger

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPathLength is the maximum length for URL paths in logs
	MaxPathLength = 500
	// MaxKeyLength is the maximum length for rate limit keys in logs
	MaxKeyLength = 256
	// MaxGeneralStringLength is the maximum length for general strings in logs
	MaxGeneralStringLength = 2000
)

// SanitizePath makes a URL path safe to log on one line.
func SanitizePath(path string) string {
	return truncate(filterRunes(path, false), MaxPathLength)
}

// SanitizeKey makes a rate limit key safe to log. Keys embed client-supplied
// headers, so every control character is dropped to keep entries on one line.
func SanitizeKey(key string) string {
	return truncate(filterRunes(key, false), MaxKeyLength)
}

// SanitizeString removes control characters other than whitespace and truncates
// to maxLength (MaxGeneralStringLength when not positive).
func SanitizeString(s string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = MaxGeneralStringLength
	}
	return truncate(filterRunes(s, true), maxLength)
}

func filterRunes(s string, keepWhitespace bool) string {
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsPrint(r):
			b.WriteRune(r)
		case keepWhitespace && (r == '\t' || r == '\n' || r == '\r'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

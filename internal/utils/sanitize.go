package utils

import (
	"strings"
)

// SanitizeFilename replaces every character outside [A-Za-z0-9._-] with an
// underscore so the result is safe as a filesystem name and URL segment.
// An empty input yields "attachment".
func SanitizeFilename(name string) string {
	if name == "" {
		return "attachment"
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

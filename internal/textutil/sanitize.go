package textutil

import "strings"

// SanitizeToken converts a string to a lowercase filesystem-safe token.
// ASCII letters are lowercased, digits and hyphens/underscores are kept,
// everything else becomes an underscore. Names with nothing printable left
// (for example, entirely non-Latin) return "ch"; callers that need
// uniqueness append a digest.
func SanitizeToken(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "ch"
	}
	return out
}

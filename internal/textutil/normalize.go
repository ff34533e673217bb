package textutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the canonical form of a user-supplied identifier:
// surrounding whitespace trimmed and the remainder in Unicode NFC, so that
// canonically equivalent spellings (a precomposed "e with acute" and "e" plus a
// combining accent) compare equal.
// Case is preserved.
func NormalizeName(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// Truncate shortens value to at most limit bytes without splitting a UTF-8
// sequence.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

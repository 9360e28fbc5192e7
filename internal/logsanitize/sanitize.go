// Package logsanitize cleans untrusted values (request paths, remote
// addresses, identity provider error bodies) before they reach structured
// log output.
package logsanitize

import "strings"

// MaxFieldLen caps sanitized log field values. Provider error bodies can
// run to kilobytes; anything past this length adds noise, not signal.
const MaxFieldLen = 256

// Sanitize replaces control characters in a log field value so injected
// newlines or escape sequences cannot forge log records (CWE-117).
//
// Replaced ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Field sanitizes a value and truncates it to MaxFieldLen, marking the
// cut with an ellipsis.
func Field(s string) string {
	s = Sanitize(s)
	if len(s) <= MaxFieldLen {
		return s
	}
	// Do not cut a multi-byte rune in half.
	cut := MaxFieldLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

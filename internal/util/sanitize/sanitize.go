package sanitize

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var stripHTML = bluemonday.StrictPolicy()

// Title sanitizes a session or thread title by removing control
// characters and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Preview condenses message content into a single-line preview safe to
// embed in dashboard payloads: HTML is stripped, entities are decoded,
// whitespace runs collapse to one space, and the result is truncated
// on a rune boundary with a trailing ellipsis.
func Preview(s string, maxLen int) string {
	s = html.UnescapeString(stripHTML.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxLen])) + "…"
}

package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "fix-auth", 100, "fix-auth"},
		{"with control chars", "fix\x00-au\x07th", 100, "fix-auth"},
		{"truncate", "very long session", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語タイトル", 100, "日本語タイトル"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Title(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Title(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 80, ""},
		{"plain", "done with the refactor", 80, "done with the refactor"},
		{"strips html", "<b>done</b> <script>x()</script>now", 80, "done now"},
		{"collapses whitespace", "a\n\n  b\tc", 80, "a b c"},
		{"truncates with ellipsis", "abcdefghij", 5, "abcde…"},
		{"multibyte boundary", "ありがとうございます", 3, "ありが…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.input, tt.maxLen))
		})
	}
}

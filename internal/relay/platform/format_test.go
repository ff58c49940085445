package platform_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/aily-sh/aily/internal/relay/platform"
)

func TestThreadNameRoundTrip(t *testing.T) {
	name := platform.ThreadName("fix-auth")
	assert.Equal(t, "[agent] fix-auth", name)

	session, ok := platform.SessionFromThread(name)
	assert.True(t, ok)
	assert.Equal(t, "fix-auth", session)
}

func TestSessionFromThread_StrictPrefix(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"[agent] s1", true},
		{"[agent]  spaced", true}, // second space belongs to the name
		{"[Agent] s1", false},     // case sensitive
		{"[agent]s1", false},      // missing space
		{"[agent] ", false},       // empty name
		{"general", false},
	}
	for _, tc := range cases {
		_, ok := platform.SessionFromThread(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestSessionFromThread_NameVerbatim(t *testing.T) {
	session, ok := platform.SessionFromThread("[agent]  spaced")
	assert.True(t, ok)
	assert.Equal(t, " spaced", session)
}

func TestTruncate(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, platform.Truncate(short, platform.DiscordCeiling))

	long := strings.Repeat("x", 3000)
	got := platform.Truncate(long, platform.DiscordCeiling)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), platform.DiscordCeiling)
	assert.True(t, strings.HasSuffix(got, "…(truncated)"))
}

func TestTruncate_RuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 3000)
	got := platform.Truncate(long, platform.DiscordCeiling)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), platform.DiscordCeiling)
}

func TestNotifyAndNotices(t *testing.T) {
	assert.Equal(t, "✅ done", platform.Notify("done"))
	assert.Contains(t, platform.WelcomeText("s1"), "`!kill s1`")
	assert.Contains(t, platform.StarterText("s1"), "[agent] s1")
	assert.Contains(t, platform.ClosingText("s1"), "`s1` closed")
	assert.Contains(t, platform.AnnounceText([]string{"h1", "h2"}), "`h1`, `h2`")
	assert.Equal(t,
		"Could not deliver message to s1 on h1: unreachable",
		platform.FailureNotice("s1", "h1", "unreachable"))
}

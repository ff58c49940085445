package platform

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ThreadPrefix marks relay-managed threads. The prefix is matched
// case-sensitively with exactly one trailing space.
const ThreadPrefix = "[agent] "

// Message size ceilings per platform, in characters.
const (
	DiscordCeiling = 2000
	SlackCeiling   = 4000
)

// ThreadName returns the canonical thread name for a session.
func ThreadName(session string) string {
	return ThreadPrefix + session
}

// SessionFromThread extracts the session name from a canonical thread
// name. Everything after the prefix is the name, verbatim.
func SessionFromThread(threadName string) (string, bool) {
	if !strings.HasPrefix(threadName, ThreadPrefix) {
		return "", false
	}
	name := threadName[len(ThreadPrefix):]
	if name == "" {
		return "", false
	}
	return name, true
}

// Truncate fits text into the platform ceiling, cutting on a rune
// boundary and appending an ellipsis marker when anything was dropped.
func Truncate(text string, ceiling int) string {
	if utf8.RuneCountInString(text) <= ceiling {
		return text
	}
	marker := "\n…(truncated)"
	budget := ceiling - utf8.RuneCountInString(marker)
	runes := []rune(text)
	return string(runes[:budget]) + marker
}

// Notify wraps an agent notification in the standard task-complete
// format. Raw posts skip it.
func Notify(text string) string {
	return "✅ " + text
}

// StarterText is the message a new thread is attached to.
func StarterText(session string) string {
	return fmt.Sprintf("tmux session: **%s**", ThreadName(session))
}

// WelcomeText is posted into a freshly created thread.
func WelcomeText(session string) string {
	return fmt.Sprintf(
		"**Welcome to %s** \U0001f44b\n\n"+
			"Type a message here to forward it to the tmux session.\n\n"+
			"**Commands:**\n"+
			"`!sessions` — list all sessions\n"+
			"`!kill %s` — kill this session + archive thread",
		ThreadName(session), session)
}

// ClosingText is posted before a thread is archived.
func ClosingText(session string) string {
	return fmt.Sprintf("Session `%s` closed. Archiving thread.", session)
}

// AnnounceText is posted to the root channel once per connect.
func AnnounceText(hosts []string) string {
	return "**aily relay connected**\n" +
		"Available commands:\n" +
		"- `!new <name> [host]` — create tmux session\n" +
		"- `!kill <name>` — kill tmux session\n" +
		"- `!sessions` — list active sessions\n" +
		"Hosts: `" + strings.Join(hosts, "`, `") + "`"
}

// FailureNotice is posted back to a thread when delivery to the tmux
// session failed.
func FailureNotice(session, host, reason string) string {
	return fmt.Sprintf("Could not deliver message to %s on %s: %s", session, host, reason)
}

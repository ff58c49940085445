package sshexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/fault"
)

// submitDelay separates the text keystrokes from the submit keystroke.
// Some agent front-ends treat a trailing newline in the same batch as a
// soft newline instead of submit, so the two must be distinct sends.
var submitDelay = 300 * time.Millisecond

// Control keystrokes sent as single key events, bypassing the two-step
// inject rule.
var ControlKeys = map[string]string{
	"interrupt": "C-c",
	"eof":       "C-d",
	"suspend":   "C-z",
	"quit":      "q",
	"submit":    "Enter",
	"escape":    "Escape",
}

// ListSessions returns the live tmux session names on the host. A host
// with no tmux server returns an empty set.
func (e *Executor) ListSessions(ctx context.Context, host string) ([]string, error) {
	out, err := e.run(ctx, host, "tmux list-sessions -F '#{session_name}'")
	if err != nil {
		if code, ok := exitStatus(err); ok && code == 1 {
			// No server running yet.
			return nil, nil
		}
		return nil, classify(err, "list sessions")
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasSession reports whether the named session exists on the host.
func (e *Executor) HasSession(ctx context.Context, host, name string) (bool, error) {
	_, err := e.run(ctx, host, "tmux has-session -t "+quote("="+name)+" 2>/dev/null")
	if err != nil {
		if code, ok := exitStatus(err); ok && code == 1 {
			return false, nil
		}
		return false, classify(err, "has session")
	}
	return true, nil
}

// CreateSession starts a detached session, optionally in dir and
// running command. An existing session of the same name fails with
// fault.ErrDuplicate.
func (e *Executor) CreateSession(ctx context.Context, host, name, dir, command string) error {
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("session %s on %s: %w", name, host, fault.ErrDuplicate)
	}

	cmd := "tmux new-session -d -s " + quote(name)
	if dir != "" {
		cmd += " -c " + quote(dir)
	}
	if command != "" {
		cmd += " " + quote(command)
	}
	if _, err := e.run(ctx, host, cmd); err != nil {
		return classify(err, "create session")
	}
	return nil
}

// KillSession terminates the named session. A missing session fails
// with fault.ErrNotFound.
func (e *Executor) KillSession(ctx context.Context, host, name string) error {
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s on %s: %w", name, host, fault.ErrNotFound)
	}
	if _, err := e.run(ctx, host, "tmux kill-session -t "+quote("="+name)); err != nil {
		return classify(err, "kill session")
	}
	return nil
}

// Inject types payload into the session. With submit, the submit
// keystroke follows as a second send after a short delay.
func (e *Executor) Inject(ctx context.Context, host, name, payload string, submit bool) error {
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s on %s: %w", name, host, fault.ErrNotFound)
	}

	target := quote("=" + name)
	if _, err := e.run(ctx, host, "tmux send-keys -t "+target+" -l -- "+quote(payload)); err != nil {
		return classify(err, "inject")
	}
	metrics.KeystrokesInjected.Inc()
	if !submit {
		return nil
	}

	select {
	case <-time.After(submitDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := e.run(ctx, host, "tmux send-keys -t "+target+" Enter"); err != nil {
		return classify(err, "submit")
	}
	return nil
}

// SendControl sends one named control keystroke (see ControlKeys).
func (e *Executor) SendControl(ctx context.Context, host, name, key string) error {
	stroke, ok := ControlKeys[key]
	if !ok {
		return fmt.Errorf("control key %q: %w", key, fault.ErrInvalidArgument)
	}
	if _, err := e.run(ctx, host, "tmux send-keys -t "+quote("="+name)+" "+stroke); err != nil {
		return classify(err, "send control")
	}
	metrics.KeystrokesInjected.Inc()
	return nil
}

// Capture returns the last lines of the session's pane scrollback.
// Zero lines returns empty output without a remote call.
func (e *Executor) Capture(ctx context.Context, host, name string, lines int) (string, error) {
	if lines <= 0 {
		return "", nil
	}
	out, err := e.run(ctx, host,
		fmt.Sprintf("tmux capture-pane -p -t %s -S -%d", quote("="+name), lines))
	if err != nil {
		return "", classify(err, "capture")
	}
	return out, nil
}

// WorkingDir returns the session's current pane working directory.
func (e *Executor) WorkingDir(ctx context.Context, host, name string) (string, error) {
	out, err := e.run(ctx, host,
		"tmux display-message -p -t "+quote("="+name)+" '#{pane_current_path}'")
	if err != nil {
		return "", classify(err, "working dir")
	}
	return strings.TrimSpace(out), nil
}

// TailFile returns up to maxBytes from the end of a file on the host.
// Used by the transcript scraper to read agent session logs.
func (e *Executor) TailFile(ctx context.Context, host, path string, maxBytes int) (string, error) {
	out, err := e.run(ctx, host, fmt.Sprintf("tail -c %d %s", maxBytes, quote(path)))
	if err != nil {
		if code, ok := exitStatus(err); ok && code == 1 {
			return "", fmt.Errorf("file %s on %s: %w", path, host, fault.ErrNotFound)
		}
		return "", classify(err, "tail file")
	}
	return out, nil
}

// LatestFile returns the most recently modified file matching the
// shell glob on the host, or empty when nothing matches. The pattern
// is passed to the remote shell unquoted so globbing works.
func (e *Executor) LatestFile(ctx context.Context, host, glob string) (string, error) {
	out, err := e.run(ctx, host, "ls -t "+glob+" 2>/dev/null | head -1")
	if err != nil {
		return "", classify(err, "latest file")
	}
	return strings.TrimSpace(out), nil
}

// classify maps a run error to a fault kind: transport errors stay
// unreachable, unexpected exits become protocol errors.
func classify(err error, op string) error {
	if code, ok := exitStatus(err); ok {
		return fmt.Errorf("%s: exit %d: %w", op, code, fault.ErrProtocol)
	}
	return err
}

// quote wraps s in single quotes for the remote shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

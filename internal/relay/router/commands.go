package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aily-sh/aily/internal/relay/config"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/store"
)

// controlCommands maps thread shortcuts to executor control keys.
var controlCommands = map[string]string{
	"!c":     "interrupt",
	"!d":     "eof",
	"!z":     "suspend",
	"!q":     "quit",
	"!enter": "submit",
	"!esc":   "escape",
}

// runCommand dispatches one !command from a thread. Unrecognised
// commands fall through to plain text injection.
func (r *Router) runCommand(ctx context.Context, ev platform.Inbound, session, cmd string, args []string) {
	if key, ok := controlCommands[cmd]; ok {
		r.sendControl(ctx, ev, session, key)
		return
	}

	switch cmd {
	case "!new":
		r.cmdNew(ctx, ev, args)
	case "!kill":
		r.cmdKill(ctx, ev, session, args)
	case "!sessions":
		r.cmdSessions(ctx, ev)
	default:
		r.injectText(ctx, ev, session, ev.Text)
	}
}

func (r *Router) sendControl(ctx context.Context, ev platform.Inbound, session, key string) {
	sess, err := r.registry.Get(ctx, session)
	if err != nil {
		r.postNotice(ctx, ev, platform.FailureNotice(session, "?", "session unknown"))
		return
	}
	host := r.sessionHost(sess)
	if err := r.exec.SendControl(ctx, host, session, key); err != nil {
		r.postNotice(ctx, ev, platform.FailureNotice(session, host, reason(err)))
		r.transitionOnInjectFailure(ctx, session, err)
	}
}

// CreateSession creates a tmux session, registers it, and binds a
// thread on every platform. Re-issuing for an existing session reuses
// the binding. Shared by !new and the dashboard create endpoint.
func (r *Router) CreateSession(ctx context.Context, name, host, dir, agentType string) (store.Session, error) {
	if !registry.ValidName(name) {
		return store.Session{}, fmt.Errorf("session name %q: %w", name, fault.ErrInvalidArgument)
	}
	if host == "" {
		host = r.defaultHost()
	}

	command := ""
	if r.cfg.NewSessionAgent != "" {
		command = r.cfg.NewSessionAgent
	}
	err := r.exec.CreateSession(ctx, host, name, dir, command)
	if err != nil && !errors.Is(err, fault.ErrDuplicate) {
		return store.Session{}, err
	}

	agent := agentType
	if agent == "" && command != "" {
		agent = strings.Fields(command)[0]
	}
	sess, uerr := r.registry.Upsert(ctx, registry.Observation{
		Name:       name,
		Host:       host,
		AgentType:  agent,
		WorkingDir: dir,
		OverSSH:    true,
	})
	if uerr != nil {
		return store.Session{}, uerr
	}

	for _, a := range r.adapters {
		if _, terr := r.threadFor(ctx, a, name); terr != nil {
			r.log.Warn("thread bind failed", "platform", a.Name(), "session", name, "error", terr)
		}
	}
	return sess, err // err is nil or ErrDuplicate
}

func (r *Router) cmdNew(ctx context.Context, ev platform.Inbound, args []string) {
	if len(args) == 0 {
		r.postNotice(ctx, ev, "Usage: `!new <name> [host] [dir]`")
		return
	}
	name := args[0]
	host, dir := "", ""
	if len(args) > 1 {
		host = args[1]
	}
	if len(args) > 2 {
		dir = args[2]
	}

	_, err := r.CreateSession(ctx, name, host, dir, "")
	switch {
	case errors.Is(err, fault.ErrDuplicate):
		r.postNotice(ctx, ev, fmt.Sprintf("Session `%s` already exists; reusing its thread.", name))
	case errors.Is(err, fault.ErrInvalidArgument):
		r.postNotice(ctx, ev, fmt.Sprintf("Invalid session name `%s`.", name))
	case err != nil:
		r.postNotice(ctx, ev, fmt.Sprintf("Could not create `%s`: %s", name, reason(err)))
	default:
		r.postNotice(ctx, ev, fmt.Sprintf("Created session `%s`.", name))
	}
}

// KillSession kills the tmux session and applies the thread cleanup
// policy on every platform. The bool reports whether anything was
// done: killing an already-archived session is a no-op that touches no
// platform. Shared by !kill and the dashboard delete endpoint.
func (r *Router) KillSession(ctx context.Context, name string) (bool, error) {
	sess, err := r.registry.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if sess.Status == registry.StatusArchived {
		return false, nil
	}
	host := r.sessionHost(sess)

	if err := r.exec.KillSession(ctx, host, name); err != nil &&
		!errors.Is(err, fault.ErrNotFound) && !errors.Is(err, fault.ErrUnreachable) {
		return false, err
	}

	if _, _, err := r.registry.Transition(ctx, name, registry.EventLifecycleClose); err != nil {
		return false, err
	}

	for _, a := range r.adapters {
		b, err := r.store.GetBinding(ctx, a.Name(), name)
		if err != nil {
			continue
		}
		if r.cfg.ThreadCleanup == config.CleanupDelete {
			if err := a.Delete(ctx, b.ThreadRef); err != nil {
				r.log.Warn("thread delete failed", "platform", a.Name(), "session", name, "error", err)
				continue
			}
			_ = r.store.DeleteBinding(ctx, a.Name(), name)
		} else {
			if err := a.Archive(ctx, b.ThreadRef, name); err != nil {
				r.log.Warn("thread archive failed", "platform", a.Name(), "session", name, "error", err)
				continue
			}
			_ = r.store.MarkBindingArchived(ctx, a.Name(), name, true)
		}
	}
	return true, nil
}

func (r *Router) cmdKill(ctx context.Context, ev platform.Inbound, current string, args []string) {
	name := current
	if len(args) > 0 {
		name = args[0]
	}
	killed, err := r.KillSession(ctx, name)
	switch {
	case errors.Is(err, fault.ErrNotFound):
		r.postNotice(ctx, ev, fmt.Sprintf("Unknown session `%s`.", name))
	case err != nil:
		r.postNotice(ctx, ev, fmt.Sprintf("Could not kill `%s`: %s", name, reason(err)))
	case !killed:
		// Already archived; a notice here would be a write into a
		// closed thread.
	default:
		r.postNotice(ctx, ev, fmt.Sprintf("Session `%s` killed.", name))
	}
}

func (r *Router) cmdSessions(ctx context.Context, ev platform.Inbound) {
	sessions, err := r.registry.List(ctx, store.SessionFilter{})
	if err != nil {
		r.postNotice(ctx, ev, "Could not list sessions: "+reason(err))
		return
	}
	if len(sessions) == 0 {
		r.postNotice(ctx, ev, "No known sessions.")
		return
	}

	var sb strings.Builder
	sb.WriteString("**Sessions:**\n")
	for _, s := range sessions {
		synced := "unsynced"
		if bindings, err := r.store.ListBindings(ctx, s.Name); err == nil && len(bindings) > 0 {
			synced = "synced"
		}
		fmt.Fprintf(&sb, "- `%s` (%s) — %s, %s\n", s.Name, s.Host, s.Status, synced)
	}
	r.postNotice(ctx, ev, sb.String())
}

package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/store"
)

// HandleInbound processes one user message from a platform thread:
// resolve the session, run commands, or inject into tmux.
func (r *Router) HandleInbound(ctx context.Context, ev platform.Inbound) {
	session, err := r.resolveSession(ctx, ev)
	if err != nil {
		r.log.Debug("inbound from unbound thread ignored",
			"platform", ev.Platform, "thread", ev.ThreadRef)
		return
	}

	if cmd, args, ok := parseCommand(ev.Text); ok {
		r.runCommand(ctx, ev, session, cmd, args)
		return
	}

	r.injectText(ctx, ev, session, ev.Text)
}

// resolveSession maps a thread to its session, probing by thread title
// and binding when the thread is not yet known.
func (r *Router) resolveSession(ctx context.Context, ev platform.Inbound) (string, error) {
	if b, err := r.store.FindBindingByThread(ctx, ev.Platform, ev.ThreadRef); err == nil {
		return b.SessionName, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return "", err
	}

	name, ok := platform.SessionFromThread(ev.ThreadName)
	if !ok {
		return "", fault.ErrNotFound
	}
	err := r.store.PutBinding(ctx, store.Binding{
		Platform:    ev.Platform,
		SessionName: name,
		ThreadRef:   ev.ThreadRef,
	})
	if err != nil {
		return "", err
	}
	// The session may only exist on the platform side; register it so
	// the registry tracks it as orphaned until SSH confirms it.
	if _, err := r.registry.Upsert(ctx, registry.Observation{Name: name}); err != nil &&
		!errors.Is(err, fault.ErrInvalidArgument) {
		r.log.Warn("session upsert failed", "session", name, "error", err)
	}
	return name, nil
}

// injectText forwards user text into the tmux session with the
// two-step submit, records it, and publishes.
func (r *Router) injectText(ctx context.Context, ev platform.Inbound, session, text string) {
	sess, err := r.registry.Get(ctx, session)
	if err != nil {
		r.postNotice(ctx, ev, platform.FailureNotice(session, "?", "session unknown"))
		return
	}
	host := r.sessionHost(sess)

	if err := r.exec.Inject(ctx, host, session, text, true); err != nil {
		r.log.Warn("inject failed", "session", session, "host", host, "error", err)
		r.postNotice(ctx, ev, platform.FailureNotice(session, host, reason(err)))
		r.transitionOnInjectFailure(ctx, session, err)
		return
	}

	msg := store.Message{
		SessionName: session,
		Role:        store.RoleUser,
		Source:      ev.Platform,
		Content:     text,
		Author:      ev.Author,
		ExternalID:  ev.ExternalID,
	}
	id, err := r.store.Append(ctx, msg)
	if errors.Is(err, fault.ErrDuplicate) {
		metrics.MessagesDeduplicated.Inc()
		return
	}
	if err != nil {
		r.log.Error("append failed", "session", session, "error", err)
		return
	}
	metrics.MessagesIngested.WithLabelValues(ev.Platform).Inc()
	msg.ID = id

	if err := r.registry.Touch(ctx, session, time.Now()); err != nil {
		r.log.Warn("touch failed", "session", session, "error", err)
	}
	r.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: session, Payload: msg})
}

// SendText injects text into a session on behalf of the dashboard and
// records it.
func (r *Router) SendText(ctx context.Context, session, text string) error {
	sess, err := r.registry.Get(ctx, session)
	if err != nil {
		return err
	}
	host := r.sessionHost(sess)

	if err := r.exec.Inject(ctx, host, session, text, true); err != nil {
		r.transitionOnInjectFailure(ctx, session, err)
		return err
	}

	msg := store.Message{
		SessionName: session,
		Role:        store.RoleUser,
		Source:      store.SourceTmux,
		Content:     text,
	}
	id, err := r.store.Append(ctx, msg)
	if errors.Is(err, fault.ErrDuplicate) {
		metrics.MessagesDeduplicated.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	metrics.MessagesIngested.WithLabelValues(store.SourceTmux).Inc()
	msg.ID = id

	if err := r.registry.Touch(ctx, session, time.Now()); err != nil {
		r.log.Warn("touch failed", "session", session, "error", err)
	}
	r.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: session, Payload: msg})
	return nil
}

// transitionOnInjectFailure maps an inject error to the session's next
// status.
func (r *Router) transitionOnInjectFailure(ctx context.Context, session string, err error) {
	switch {
	case errors.Is(err, fault.ErrUnreachable):
		_, _, _ = r.registry.Transition(ctx, session, registry.EventHostDown)
	case errors.Is(err, fault.ErrNotFound):
		_, _, _ = r.registry.Transition(ctx, session, registry.EventSSHMissing)
	default:
		_ = r.registry.MarkError(ctx, session, err)
	}
}

// postNotice replies in-thread without formatting; failures are logged
// only, there is nowhere else to surface them.
func (r *Router) postNotice(ctx context.Context, ev platform.Inbound, text string) {
	a := r.adapter(ev.Platform)
	if a == nil {
		return
	}
	if err := a.Post(ctx, ev.ThreadRef, text, true); err != nil {
		r.log.Warn("notice post failed", "platform", ev.Platform, "error", err)
	}
}

func (r *Router) adapter(name string) platform.Adapter {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// reason flattens an error chain to its outermost kind for user-facing
// notices.
func reason(err error) string {
	switch {
	case errors.Is(err, fault.ErrUnreachable):
		return "host unreachable"
	case errors.Is(err, fault.ErrNotFound):
		return "tmux session not found"
	case errors.Is(err, fault.ErrProtocol):
		return "tmux returned an unexpected response"
	default:
		return err.Error()
	}
}

// parseCommand matches a first-line, first-token !word command.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	firstLine := strings.SplitN(text, "\n", 2)[0]
	fields := strings.Fields(firstLine)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

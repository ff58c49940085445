// Package router routes messages between tmux sessions, chat
// platforms, and the dashboard. It owns the command surface and the
// outbound notification path.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/store"
)

// HostExecutor is the slice of the SSH executor the router drives.
type HostExecutor interface {
	CreateSession(ctx context.Context, host, name, dir, command string) error
	KillSession(ctx context.Context, host, name string) error
	Inject(ctx context.Context, host, name, payload string, submit bool) error
	SendControl(ctx context.Context, host, name, key string) error
}

// Config carries the router's policy knobs.
type Config struct {
	Hosts           []string
	ThreadCleanup   string // "archive" | "delete"
	ThreadSync      bool   // bind a thread as soon as a tmux session is seen
	NotifyRetries   int
	NewSessionAgent string
}

// AgentEvent is an assistant-side message from the hook webhook or the
// transcript scraper.
type AgentEvent struct {
	SessionName string    `json:"session_name"`
	Agent       string    `json:"agent"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ExternalID  string    `json:"external_id,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Source      string    `json:"-"`
}

// Router wires the registry, store, executor, and platform adapters
// together.
type Router struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	exec     HostExecutor
	log      *slog.Logger

	adapters []platform.Adapter
	outboxes map[string]*platform.Outbox

	// syncFn performs the backfill behind Sync; set by the server to
	// the scheduler's forced rescrape.
	syncFn func(ctx context.Context, session string) error
}

func New(cfg Config, st *store.Store, reg *registry.Registry, b *bus.Bus,
	exec HostExecutor, adapters []platform.Adapter, log *slog.Logger) *Router {

	r := &Router{
		cfg:      cfg,
		store:    st,
		registry: reg,
		bus:      b,
		exec:     exec,
		log:      log.With("component", "router"),
		adapters: adapters,
		outboxes: make(map[string]*platform.Outbox),
	}
	for _, a := range adapters {
		a := a
		r.outboxes[a.Name()] = platform.NewOutbox(a.Name(), func(ctx context.Context, p platform.OutboundPost) error {
			return r.deliver(ctx, a, p)
		}, log)
		a.OnInbound(r.HandleInbound)
	}
	return r
}

// Start runs the per-platform outbox drains until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	for _, o := range r.outboxes {
		go o.Run(ctx)
	}
	if r.cfg.ThreadSync {
		go r.watchCreated(ctx)
	}
}

// watchCreated binds a thread on every platform as soon as the
// registry learns about a session, instead of waiting for its first
// outbound notification.
func (r *Router) watchCreated(ctx context.Context) {
	sub := r.bus.Subscribe(nil)
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Kind != bus.SessionCreated {
				continue
			}
			for _, a := range r.adapters {
				if _, err := r.threadFor(ctx, a, ev.SessionName); err != nil {
					r.log.Warn("thread sync failed",
						"platform", a.Name(), "session", ev.SessionName, "error", err)
				}
			}
		}
	}
}

// defaultHost returns the first configured host.
func (r *Router) defaultHost() string {
	return r.cfg.Hosts[0]
}

// sessionHost resolves the host a session lives on, falling back to
// the default host when the record has none.
func (r *Router) sessionHost(sess store.Session) string {
	if sess.Host != "" && sess.Host != "unknown" {
		return sess.Host
	}
	return r.defaultHost()
}

// HandleAgentEvent ingests an assistant message: dedup, notify every
// platform, publish.
func (r *Router) HandleAgentEvent(ctx context.Context, ev AgentEvent) error {
	if ev.SessionName == "" || ev.Content == "" {
		return fault.ErrInvalidArgument
	}
	role := ev.Role
	if role == "" {
		role = store.RoleAssistant
	}
	source := ev.Source
	if source == "" {
		source = store.SourceHook
	}

	_, err := r.registry.Upsert(ctx, registry.Observation{
		Name:      ev.SessionName,
		AgentType: ev.Agent,
		At:        ev.Timestamp,
	})
	if err != nil && !errors.Is(err, fault.ErrInvalidArgument) {
		return err
	}

	msg := store.Message{
		SessionName: ev.SessionName,
		Role:        role,
		Source:      source,
		Content:     ev.Content,
		ExternalID:  ev.ExternalID,
		Timestamp:   ev.Timestamp,
	}
	id, err := r.store.Append(ctx, msg)
	if errors.Is(err, fault.ErrDuplicate) {
		metrics.MessagesDeduplicated.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	metrics.MessagesIngested.WithLabelValues(source).Inc()
	msg.ID = id

	if isQuestion(ev.Content) {
		_, _, _ = r.registry.Transition(ctx, ev.SessionName, registry.EventAskQuestion)
	}

	for _, o := range r.outboxes {
		o.Enqueue(platform.OutboundPost{
			SessionName: ev.SessionName,
			Text:        ev.Content,
			Critical:    true,
		})
	}

	r.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: ev.SessionName, Payload: msg})
	return nil
}

// isQuestion recognises the waiting-for-input notification format.
func isQuestion(content string) bool {
	return strings.HasPrefix(content, "❓") || strings.HasPrefix(content, "?")
}

// deliver resolves the session's thread on one platform and posts,
// retrying transient failures up to the configured budget.
func (r *Router) deliver(ctx context.Context, a platform.Adapter, p platform.OutboundPost) error {
	ref, err := r.threadFor(ctx, a, p.SessionName)
	if err != nil {
		r.notifyFailed(a.Name(), p.SessionName, err)
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.NotifyRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * time.Second
			if hint := fault.RetryAfter(lastErr); hint > 0 {
				wait = time.Duration(hint * float64(time.Second))
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = a.Post(ctx, ref, p.Text, p.Raw)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			break
		}
	}
	r.notifyFailed(a.Name(), p.SessionName, lastErr)
	return lastErr
}

func retriable(err error) bool {
	return errors.Is(err, fault.ErrRateLimited) || errors.Is(err, fault.ErrUnreachable)
}

func (r *Router) notifyFailed(platformName, session string, err error) {
	metrics.PlatformPostsTotal.WithLabelValues(platformName, "failed").Inc()
	r.bus.Publish(bus.Event{
		Kind:        bus.NotificationFailed,
		SessionName: session,
		Payload: map[string]string{
			"platform": platformName,
			"error":    err.Error(),
		},
	})
}

// threadFor returns the session's live thread ref on a platform,
// creating and binding one if needed.
func (r *Router) threadFor(ctx context.Context, a platform.Adapter, session string) (string, error) {
	b, err := r.store.GetBinding(ctx, a.Name(), session)
	if err == nil && !b.Archived {
		return b.ThreadRef, nil
	}
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return "", err
	}

	ref, err := a.EnsureThread(ctx, session, "")
	if err != nil {
		return "", err
	}
	err = r.store.PutBinding(ctx, store.Binding{
		Platform:    a.Name(),
		SessionName: session,
		ThreadRef:   ref,
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// OnSync registers the backfill hook that Sync runs before announcing
// completion.
func (r *Router) OnSync(fn func(ctx context.Context, session string) error) {
	r.syncFn = fn
}

// Sync re-ingests a session's transcript from scratch and announces
// completion. Message dedup absorbs the replayed lines, so only the
// gaps land. Used by the dashboard's sync endpoint.
func (r *Router) Sync(ctx context.Context, session string) error {
	if _, err := r.registry.Get(ctx, session); err != nil {
		return err
	}
	if r.syncFn != nil {
		if err := r.syncFn(ctx, session); err != nil {
			return err
		}
	}
	r.bus.Publish(bus.Event{Kind: bus.SyncComplete, SessionName: session})
	return nil
}

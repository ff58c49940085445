// Package registry owns session records and their status lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/store"
)

// Session status values.
const (
	StatusActive      = "active"
	StatusWaiting     = "waiting"
	StatusIdle        = "idle"
	StatusOrphaned    = "orphaned"
	StatusUnreachable = "unreachable"
	StatusArchived    = "archived"
	StatusError       = "error"
)

// Lifecycle events driving status transitions.
const (
	EventSSHSeen        = "ssh_seen"
	EventSSHMissing     = "ssh_missing"
	EventMsgInbound     = "msg_inbound"
	EventAskQuestion    = "ask_question"
	EventLifecycleClose = "lifecycle_close"
	EventHostDown       = "host_down"
)

// transitions maps (from status, event) to the next status. Pairs not
// listed keep the current status.
var transitions = map[string]map[string]string{
	StatusActive: {
		EventSSHSeen:        StatusActive,
		EventSSHMissing:     StatusOrphaned,
		EventMsgInbound:     StatusActive,
		EventAskQuestion:    StatusWaiting,
		EventLifecycleClose: StatusArchived,
		EventHostDown:       StatusUnreachable,
	},
	StatusWaiting: {
		EventSSHSeen:        StatusActive,
		EventSSHMissing:     StatusOrphaned,
		EventMsgInbound:     StatusActive,
		EventAskQuestion:    StatusWaiting,
		EventLifecycleClose: StatusArchived,
		EventHostDown:       StatusUnreachable,
	},
	StatusIdle: {
		EventSSHSeen:        StatusActive,
		EventSSHMissing:     StatusOrphaned,
		EventMsgInbound:     StatusActive,
		EventAskQuestion:    StatusWaiting,
		EventLifecycleClose: StatusArchived,
		EventHostDown:       StatusUnreachable,
	},
	StatusOrphaned: {
		EventSSHSeen:        StatusActive,
		EventLifecycleClose: StatusArchived,
	},
	StatusUnreachable: {
		EventSSHSeen:        StatusActive,
		EventLifecycleClose: StatusArchived,
	},
	StatusArchived: {},
	// A session in error recovers like an active one: the next sign of
	// life from the host or the user clears it.
	StatusError: {
		EventSSHSeen:        StatusActive,
		EventSSHMissing:     StatusOrphaned,
		EventMsgInbound:     StatusActive,
		EventAskQuestion:    StatusWaiting,
		EventLifecycleClose: StatusArchived,
		EventHostDown:       StatusUnreachable,
	},
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// infraSessions are tmux sessions that belong to the relay's own
// plumbing and must never be reconciled as agent sessions.
var infraSessions = map[string]struct{}{
	"agent-bridge": {},
	"slack-bridge": {},
	"aily":         {},
}

// Observation is one sighting of a session from any source.
type Observation struct {
	Name       string
	Host       string
	AgentType  string
	WorkingDir string
	// OverSSH marks observations backed by a live multiplexer
	// session; platform-only sightings start the session orphaned.
	OverSSH bool
	At      time.Time
}

// Registry owns Session records. All status changes flow through it so
// every change is persisted and published exactly once.
type Registry struct {
	store *store.Store
	bus   *bus.Bus
	log   *slog.Logger

	idleAfter time.Duration

	mu sync.Mutex // serializes read-modify-write of session rows
}

func New(st *store.Store, b *bus.Bus, idleAfter time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		store:     st,
		bus:       b,
		log:       log.With("component", "registry"),
		idleAfter: idleAfter,
	}
}

// IsInfra reports whether a session name belongs to the relay itself.
func IsInfra(name string) bool {
	_, ok := infraSessions[name]
	return ok
}

// ValidName reports whether a session name is acceptable.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Upsert merges an observation into the session record, creating it if
// needed. Non-status fields merge last-writer-wins; status follows the
// transition table.
func (r *Registry) Upsert(ctx context.Context, obs Observation) (store.Session, error) {
	if !ValidName(obs.Name) {
		return store.Session{}, fmt.Errorf("session name %q: %w", obs.Name, fault.ErrInvalidArgument)
	}
	if IsInfra(obs.Name) {
		return store.Session{}, fmt.Errorf("session %s is relay infrastructure: %w", obs.Name, fault.ErrInvalidArgument)
	}
	if obs.At.IsZero() {
		obs.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetSession(ctx, obs.Name)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrNotFound):
		created = true
		sess = store.Session{
			Name:      obs.Name,
			Status:    StatusOrphaned,
			CreatedAt: obs.At,
		}
		if obs.OverSSH {
			sess.Status = StatusActive
		}
	default:
		return store.Session{}, err
	}

	if obs.Host != "" {
		sess.Host = obs.Host
	}
	if obs.AgentType != "" {
		sess.AgentType = obs.AgentType
	}
	if obs.WorkingDir != "" {
		sess.WorkingDir = obs.WorkingDir
	}
	sess.LastActivityAt = obs.At

	if !created && obs.OverSSH {
		sess.Status = r.next(sess.Name, sess.Status, EventSSHSeen)
	}

	if err := r.store.PutSession(ctx, sess); err != nil {
		return store.Session{}, err
	}

	kind := bus.SessionUpdated
	if created {
		kind = bus.SessionCreated
		r.log.Info("session registered",
			"session", sess.Name, "host", sess.Host, "status", sess.Status)
	}
	r.bus.Publish(bus.Event{Kind: kind, SessionName: sess.Name, Payload: sess})
	return sess, nil
}

// Get returns a session by name.
func (r *Registry) Get(ctx context.Context, name string) (store.Session, error) {
	return r.store.GetSession(ctx, name)
}

// List returns sessions matching the filter.
func (r *Registry) List(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	return r.store.ListSessions(ctx, f)
}

// Delete removes a session record with its messages and bindings.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteSession(ctx, name); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: bus.SessionDeleted, SessionName: name})
	return nil
}

// Transition applies a lifecycle event to a session. Transitions not in
// the table are ignored and logged, never errors. Returns the statuses
// before and after.
func (r *Registry) Transition(ctx context.Context, name, event string) (old, now string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return "", "", err
	}
	old = sess.Status
	now = r.next(name, old, event)
	if now == old {
		return old, now, nil
	}

	sess.Status = now
	if now == StatusArchived {
		t := time.Now()
		sess.ClosedAt = &t
	}
	if err := r.store.PutSession(ctx, sess); err != nil {
		return old, old, err
	}
	r.publishStatus(sess, old)
	return old, now, nil
}

// MarkError moves a session to error after an operation against it
// failed in a way attributable to the session itself.
func (r *Registry) MarkError(ctx context.Context, name string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return err
	}
	if sess.Status == StatusArchived || sess.Status == StatusError {
		return nil
	}
	old := sess.Status
	sess.Status = StatusError
	if err := r.store.PutSession(ctx, sess); err != nil {
		return err
	}
	r.log.Warn("session errored", "session", name, "cause", cause)
	r.publishStatus(sess, old)
	return nil
}

// Touch refreshes activity and restores active from idle or waiting.
func (r *Registry) Touch(ctx context.Context, name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return err
	}
	old := sess.Status
	sess.LastActivityAt = at
	sess.Status = r.next(name, old, EventMsgInbound)
	if err := r.store.PutSession(ctx, sess); err != nil {
		return err
	}
	if sess.Status != old {
		r.publishStatus(sess, old)
	}
	return nil
}

// SweepIdle demotes active sessions with no activity inside the idle
// window. Returns how many sessions were demoted.
func (r *Registry) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active, err := r.store.ListSessions(ctx, store.SessionFilter{Status: StatusActive})
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-r.idleAfter)
	n := 0
	for _, sess := range active {
		if sess.LastActivityAt.After(cutoff) {
			continue
		}
		old := sess.Status
		sess.Status = StatusIdle
		if err := r.store.PutSession(ctx, sess); err != nil {
			return n, err
		}
		r.publishStatus(sess, old)
		n++
	}
	return n, nil
}

// HostDown applies host_down to every session on the host.
func (r *Registry) HostDown(ctx context.Context, host string) error {
	sessions, err := r.store.ListSessions(ctx, store.SessionFilter{Host: host})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if _, _, err := r.Transition(ctx, sess.Name, EventHostDown); err != nil {
			return err
		}
	}
	return nil
}

// RefreshGauges recounts the live-session gauge from storage.
func (r *Registry) RefreshGauges(ctx context.Context) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		r.log.Warn("gauge refresh failed", "error", err)
		return
	}
	live := 0
	for status, n := range st.SessionsByState {
		if status != StatusArchived {
			live += n
		}
	}
	metrics.SessionsLive.Set(float64(live))
}

func (r *Registry) next(name, from, event string) string {
	row, ok := transitions[from]
	if !ok {
		r.log.Warn("unknown session status", "session", name, "status", from)
		return from
	}
	to, ok := row[event]
	if !ok {
		r.log.Debug("transition ignored", "session", name, "status", from, "event", event)
		return from
	}
	return to
}

func (r *Registry) publishStatus(sess store.Session, old string) {
	r.bus.Publish(bus.Event{
		Kind:        bus.SessionStatusChanged,
		SessionName: sess.Name,
		Payload: map[string]string{
			"from": old,
			"to":   sess.Status,
		},
	})
}

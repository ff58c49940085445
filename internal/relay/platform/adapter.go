// Package platform defines the contract chat adapters expose to the
// router, plus the formatting and queueing shared between them.
package platform

import (
	"context"
	"errors"
	"sync"
)

// Platform names.
const (
	Discord = "discord"
	Slack   = "slack"
)

// ErrAuth marks an unrecoverable credential failure on any platform;
// the process exits rather than retrying with bad credentials.
var ErrAuth = errors.New("platform auth rejected")

// Inbound is one user-authored message observed in a tracked thread.
type Inbound struct {
	Platform   string
	ThreadRef  string
	ThreadName string
	Author     string
	AuthorID   string
	Text       string
	ExternalID string
}

// InboundHandler receives inbound thread messages. Called from the
// adapter's gateway goroutine; implementations must not block for long.
type InboundHandler func(ctx context.Context, ev Inbound)

// Adapter is the surface the router drives. One instance per platform.
type Adapter interface {
	Name() string

	// Connect establishes the persistent gateway and keeps it alive
	// with heartbeats until ctx is cancelled or Disconnect is called.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// EnsureThread finds or creates the session's thread and returns
	// its reference. At most one call per session name runs at a time.
	EnsureThread(ctx context.Context, sessionName, starterText string) (string, error)

	// Post sends text to a thread, truncating to the platform
	// ceiling. raw suppresses the standard notification formatting.
	Post(ctx context.Context, threadRef, text string, raw bool) error

	// Archive closes a thread per the platform's notion of archival.
	Archive(ctx context.Context, threadRef, sessionName string) error

	// Delete removes the thread outright.
	Delete(ctx context.Context, threadRef string) error

	// OnInbound registers the handler for user messages. Must be
	// called before Connect.
	OnInbound(h InboundHandler)
}

// NameLocks serialises ensure-thread calls per session name.
type NameLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewNameLocks() *NameLocks {
	return &NameLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for name and returns its unlock func.
func (n *NameLocks) Lock(name string) func() {
	n.mu.Lock()
	l, ok := n.locks[name]
	if !ok {
		l = &sync.Mutex{}
		n.locks[name] = l
	}
	n.mu.Unlock()

	l.Lock()
	return l.Unlock
}

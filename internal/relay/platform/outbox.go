package platform

import (
	"context"
	"log/slog"
	"sync"
)

const outboxDepth = 256

// OutboundPost is one queued delivery to a platform thread.
type OutboundPost struct {
	SessionName string
	Text        string
	Raw         bool
	// Critical posts survive overflow shedding: task-complete and
	// question notifications must not be lost to a burst of chatter.
	Critical bool
}

// Outbox is a bounded per-platform delivery queue drained by a single
// goroutine. Overflow sheds the oldest non-critical post first.
type Outbox struct {
	deliver func(ctx context.Context, p OutboundPost) error
	log     *slog.Logger

	mu     sync.Mutex
	items  []OutboundPost
	wake   chan struct{}
	closed bool
}

func NewOutbox(platformName string, deliver func(ctx context.Context, p OutboundPost) error, log *slog.Logger) *Outbox {
	return &Outbox{
		deliver: deliver,
		log:     log.With("component", "outbox", "platform", platformName),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a post, shedding on overflow. Never blocks.
func (o *Outbox) Enqueue(p OutboundPost) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(o.items) >= outboxDepth {
		o.shedLocked()
	}
	o.items = append(o.items, p)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// shedLocked drops the oldest non-critical post, or the oldest overall
// when everything queued is critical.
func (o *Outbox) shedLocked() {
	for i, p := range o.items {
		if !p.Critical {
			o.items = append(o.items[:i], o.items[i+1:]...)
			o.log.Warn("outbound queue full, shed post", "session", p.SessionName)
			return
		}
	}
	o.log.Warn("outbound queue full, shed critical post", "session", o.items[0].SessionName)
	o.items = o.items[1:]
}

// Run drains the queue until ctx is cancelled. Delivery errors are the
// deliver func's to handle (retries, notices); Run only logs them.
func (o *Outbox) Run(ctx context.Context) {
	for {
		p, ok := o.next()
		if !ok {
			select {
			case <-o.wake:
				continue
			case <-ctx.Done():
				o.mu.Lock()
				o.closed = true
				o.mu.Unlock()
				return
			}
		}
		if err := o.deliver(ctx, p); err != nil && ctx.Err() == nil {
			o.log.Error("delivery failed", "session", p.SessionName, "error", err)
		}
	}
}

func (o *Outbox) next() (OutboundPost, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return OutboundPost{}, false
	}
	p := o.items[0]
	o.items = o.items[1:]
	return p, true
}

// Len reports the queued post count.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

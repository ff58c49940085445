// Package bus fans live relay events out to in-process subscribers.
package bus

import (
	"sync"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
)

// Event kinds carried on the bus.
const (
	SessionCreated       = "session.created"
	SessionUpdated       = "session.updated"
	SessionStatusChanged = "session.status_changed"
	SessionDeleted       = "session.deleted"
	MessageNew           = "message.new"
	TypingStart          = "typing.start"
	TypingStop           = "typing.stop"
	SyncComplete         = "sync.complete"
	ConnectionStatus     = "connection.status"
	SystemHeartbeat      = "system.heartbeat"
	SubscriberLag        = "subscriber.lag"
	ComponentDegraded    = "component.degraded"
	NotificationFailed   = "notification.failed"
)

// Event is one broadcastable relay event. Payload is kind-specific and
// must be JSON-marshalable; SessionName is empty for system-wide kinds.
type Event struct {
	Kind        string      `json:"type"`
	SessionName string      `json:"session_name,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	At          time.Time   `json:"at"`
}

const subscriberBuffer = 256

// Subscriber receives events matching its session filter.
type Subscriber struct {
	ch       chan Event
	sessions map[string]struct{} // nil means all sessions
	dropped  int
}

// C returns the channel delivering events to this subscriber.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// SetFilter replaces the subscriber's session filter. An empty list
// subscribes to all sessions. Must be called via Bus.SetFilter so the
// change is ordered against in-flight publishes.
func (s *Subscriber) matches(e Event) bool {
	if s.sessions == nil || e.SessionName == "" {
		return true
	}
	_, ok := s.sessions[e.SessionName]
	return ok
}

// Bus is a non-blocking fan-out of relay events. Slow subscribers lose
// their oldest buffered events and are told so with a subscriber.lag
// event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for the named sessions, or for all
// sessions when the list is empty. Remove with Unsubscribe.
func (b *Bus) Subscribe(sessions []string) *Subscriber {
	s := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(sessions) > 0 {
		s.sessions = make(map[string]struct{}, len(sessions))
		for _, name := range sessions {
			s.sessions[name] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s
}

// SetFilter replaces a subscriber's session filter.
func (b *Bus) SetFilter(s *Subscriber, sessions []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(sessions) == 0 {
		s.sessions = nil
		return
	}
	filter := make(map[string]struct{}, len(sessions))
	for _, name := range sessions {
		filter[name] = struct{}{}
	}
	s.sessions = filter
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// multiple times.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish delivers an event to every matching subscriber. Never blocks:
// when a subscriber's buffer is full the oldest buffered event is
// dropped to make room, and a subscriber.lag event records the loss.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		if !s.matches(e) {
			continue
		}
		s.deliver(e)
		metrics.WSEventsTotal.WithLabelValues(e.Kind).Inc()
	}
}

func (s *Subscriber) deliver(e Event) {
	select {
	case s.ch <- e:
		return
	default:
	}

	// Buffer full. Evict the two oldest entries so both a lag marker
	// and the new event fit; the marker tells the subscriber its view
	// now has a gap.
	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
	lag := Event{
		Kind:    SubscriberLag,
		At:      time.Now(),
		Payload: map[string]int{"dropped": s.dropped},
	}
	select {
	case s.ch <- lag:
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

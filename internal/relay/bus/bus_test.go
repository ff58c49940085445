package bus_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aily-sh/aily/internal/relay/bus"
)

func recv(t *testing.T, s *bus.Subscriber) bus.Event {
	t.Helper()
	select {
	case e := <-s.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return bus.Event{}
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := bus.New()
	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(nil)
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "s1"})

	for _, s := range []*bus.Subscriber{s1, s2} {
		e := recv(t, s)
		assert.Equal(t, bus.MessageNew, e.Kind)
		assert.Equal(t, "s1", e.SessionName)
		assert.False(t, e.At.IsZero())
	}
}

func TestPublish_SessionFilter(t *testing.T) {
	b := bus.New()
	s := b.Subscribe([]string{"alpha"})
	defer b.Unsubscribe(s)

	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "beta"})
	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "alpha"})

	e := recv(t, s)
	assert.Equal(t, "alpha", e.SessionName)
	select {
	case extra := <-s.C():
		t.Fatalf("unexpected event for %s", extra.SessionName)
	default:
	}
}

func TestPublish_SystemEventsBypassFilter(t *testing.T) {
	b := bus.New()
	s := b.Subscribe([]string{"alpha"})
	defer b.Unsubscribe(s)

	b.Publish(bus.Event{Kind: bus.SystemHeartbeat})

	e := recv(t, s)
	assert.Equal(t, bus.SystemHeartbeat, e.Kind)
}

func TestSetFilter_Replaces(t *testing.T) {
	b := bus.New()
	s := b.Subscribe([]string{"alpha"})
	defer b.Unsubscribe(s)

	b.SetFilter(s, []string{"beta"})
	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "alpha"})
	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "beta"})

	e := recv(t, s)
	assert.Equal(t, "beta", e.SessionName)

	b.SetFilter(s, nil)
	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "alpha"})
	e = recv(t, s)
	assert.Equal(t, "alpha", e.SessionName)
}

func TestPublish_SlowSubscriberLags(t *testing.T) {
	b := bus.New()
	s := b.Subscribe(nil)
	defer b.Unsubscribe(s)

	// Overflow the buffer without draining.
	for i := 0; i < 300; i++ {
		b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "s1", Payload: strconv.Itoa(i)})
	}

	var sawLag bool
	var last bus.Event
	for {
		select {
		case e := <-s.C():
			if e.Kind == bus.SubscriberLag {
				sawLag = true
			}
			last = e
			continue
		default:
		}
		break
	}
	assert.True(t, sawLag, "overflow must surface a lag marker")
	require.Equal(t, bus.MessageNew, last.Kind)
	assert.Equal(t, "299", last.Payload, "newest event survives the overflow")
}

func TestUnsubscribe_ClosesChannelOnce(t *testing.T) {
	b := bus.New()
	s := b.Subscribe(nil)

	b.Unsubscribe(s)
	b.Unsubscribe(s)

	_, open := <-s.C()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "s1"})
}

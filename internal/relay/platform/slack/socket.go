package slack

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/platform"
)

// runSocketMode keeps a socket-mode connection alive until ctx is
// cancelled, reconnecting with exponential backoff.
func (a *Adapter) runSocketMode(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.RandomizationFactor = 0.2

	for ctx.Err() == nil {
		err := a.socketSession(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := retry.NextBackOff()
		a.log.Warn("socket mode disconnected", "error", err, "retry_in", wait)
		metrics.PlatformsConnected.WithLabelValues(platform.Slack).Set(0)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

type socketEnvelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (a *Adapter) socketSession(ctx context.Context) error {
	url := a.socketURL
	if url == "" {
		var open struct {
			URL string `json:"url"`
		}
		if err := a.callWith(ctx, a.appToken, "apps.connections.open", map[string]interface{}{}, &open); err != nil {
			return err
		}
		url = open.URL
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	metrics.PlatformsConnected.WithLabelValues(platform.Slack).Set(1)

	for {
		var env socketEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}

		// Every envelope with an id must be acked promptly or Slack
		// redelivers.
		if env.EnvelopeID != "" {
			ack := map[string]string{"envelope_id": env.EnvelopeID}
			if err := wsjson.Write(ctx, conn, ack); err != nil {
				return err
			}
		}

		switch env.Type {
		case "hello":
			a.log.Debug("socket mode ready")
		case "disconnect":
			return errServerDisconnect
		case "events_api":
			a.handleEventsAPI(ctx, env.Payload)
		}
	}
}

var errServerDisconnect = &websocket.CloseError{Code: websocket.StatusServiceRestart, Reason: "server requested refresh"}

type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// handleEventsAPI forwards user-authored thread replies in the relay
// channel to the inbound handler.
func (a *Adapter) handleEventsAPI(ctx context.Context, payload json.RawMessage) {
	if a.handler == nil {
		return
	}
	var body struct {
		Event messageEvent `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		a.log.Warn("bad events_api payload", "error", err)
		return
	}
	ev := body.Event

	a.mu.Lock()
	botUserID := a.botUserID
	a.mu.Unlock()

	if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" || ev.User == botUserID {
		return
	}
	if ev.Channel != a.channelID || ev.Text == "" {
		return
	}
	// Only thread replies are session traffic; top-level messages in
	// the channel are left alone.
	if ev.ThreadTS == "" || ev.ThreadTS == ev.TS {
		return
	}

	threadName, err := a.threadNameFor(ctx, ev.ThreadTS)
	if err != nil {
		a.log.Warn("thread lookup failed", "thread", ev.ThreadTS, "error", err)
		return
	}

	a.handler(ctx, platform.Inbound{
		Platform:   platform.Slack,
		ThreadRef:  ev.ThreadTS,
		ThreadName: threadName,
		Author:     ev.User,
		AuthorID:   ev.User,
		Text:       ev.Text,
		ExternalID: ev.TS,
	})
}

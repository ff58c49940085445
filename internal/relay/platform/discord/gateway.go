package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/platform"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opHello          = 10
	opHeartbeatAck   = 11
	opReconnect      = 7
	opInvalidSession = 9
)

// Intents: guilds, guild messages, message content.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 15)

type gatewayFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// runGateway keeps a gateway connection alive until ctx is cancelled,
// reconnecting with exponential backoff on every failure.
func (a *Adapter) runGateway(ctx context.Context, botID string) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.RandomizationFactor = 0.2

	for ctx.Err() == nil {
		err := a.gatewaySession(ctx, botID)
		if ctx.Err() != nil {
			return
		}
		wait := retry.NextBackOff()
		a.log.Warn("gateway disconnected", "error", err, "retry_in", wait)
		metrics.PlatformsConnected.WithLabelValues(platform.Discord).Set(0)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// gatewaySession runs one connection: identify, heartbeat, dispatch.
func (a *Adapter) gatewaySession(ctx context.Context, botID string) error {
	url := a.gatewayURL
	if url == "" {
		data, err := a.request(ctx, http.MethodGet, "/gateway/bot", nil)
		if err != nil {
			return err
		}
		var gw struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(data, &gw); err != nil {
			return err
		}
		url = gw.URL + "?v=10&encoding=json"
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	var hello gatewayFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return err
	}
	var helloData struct {
		HeartbeatInterval float64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return err
	}

	identify := map[string]interface{}{
		"op": opIdentify,
		"d": map[string]interface{}{
			"token":   a.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os": "linux", "browser": "aily", "device": "aily",
			},
		},
	}
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		return err
	}
	metrics.PlatformsConnected.WithLabelValues(platform.Discord).Set(1)

	var sequence int64
	acked := true
	heartbeat := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	frames := make(chan gatewayFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f gatewayFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			if !acked {
				// The last heartbeat was never acknowledged; the
				// connection is a zombie.
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat ack missed")
				return errHeartbeatMissed
			}
			acked = false
			beat := map[string]interface{}{"op": opHeartbeat, "d": sequence}
			if err := wsjson.Write(ctx, conn, beat); err != nil {
				return err
			}
		case f := <-frames:
			if f.S != nil {
				sequence = *f.S
			}
			switch f.Op {
			case opReconnect, opInvalidSession:
				return errReconnect
			case opDispatch:
				if f.T == "MESSAGE_CREATE" {
					a.handleMessageCreate(ctx, botID, f.D)
				}
			case opHeartbeatAck:
				acked = true
			}
		}
	}
}

var (
	errReconnect       = &websocket.CloseError{Code: websocket.StatusServiceRestart, Reason: "server requested reconnect"}
	errHeartbeatMissed = errors.New("discord: heartbeat ack missed")
)

type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
}

// handleMessageCreate forwards user messages in tracked threads to the
// inbound handler.
func (a *Adapter) handleMessageCreate(ctx context.Context, botID string, raw json.RawMessage) {
	if a.handler == nil {
		return
	}
	var m messageCreate
	if err := json.Unmarshal(raw, &m); err != nil {
		a.log.Warn("bad MESSAGE_CREATE payload", "error", err)
		return
	}
	if m.Author.Bot || m.Author.ID == botID || m.Content == "" {
		return
	}
	if m.ChannelID == a.channelID {
		// Root-channel chatter: only commands matter there, and those
		// arrive through threads. Ignore.
		return
	}

	info, err := a.threadInfoFor(ctx, m.ChannelID)
	if err != nil {
		a.log.Warn("thread lookup failed", "channel", m.ChannelID, "error", err)
		return
	}
	if info.parentID != a.channelID {
		return
	}

	a.handler(ctx, platform.Inbound{
		Platform:   platform.Discord,
		ThreadRef:  m.ChannelID,
		ThreadName: info.name,
		Author:     m.Author.Username,
		AuthorID:   m.Author.ID,
		Text:       m.Content,
		ExternalID: m.ID,
	})
}

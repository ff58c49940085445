package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/id"
)

// WebSocket close code for malformed client frames.
const wsCloseInvalidRequest = 4002

const wsWriteTimeout = 5 * time.Second

// clientCounter caps concurrent streaming clients.
type clientCounter struct {
	mu  sync.Mutex
	n   int
	max int
}

func (c *clientCounter) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n >= c.max {
		return false
	}
	c.n++
	return true
}

func (c *clientCounter) release() {
	c.mu.Lock()
	c.n--
	c.mu.Unlock()
}

// clientFrame is anything the dashboard client sends after connecting.
type clientFrame struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions,omitempty"`
}

// handleWS serves the dashboard event stream.
//
// Protocol: the client connects (token via Authorization header or
// `token` query parameter), optionally sends
// {"type":"subscribe","sessions":[...]} to narrow its filter, and
// receives bus events as JSON frames. "ping" frames are answered with
// "pong".
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Token != "" && !g.authorized(r) &&
		r.URL.Query().Get("token") != g.cfg.Token {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	if !g.clients.acquire() {
		writeError(w, http.StatusServiceUnavailable, "too many streaming clients")
		return
	}
	defer g.clients.release()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Debug("ws accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	client := id.Generate()
	g.log.Debug("ws client connected", "client", client, "remote", clientIP(r))
	defer g.log.Debug("ws client disconnected", "client", client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := g.bus.Subscribe(nil)
	defer g.bus.Unsubscribe(sub)

	// Reader: subscription changes and pings.
	go func() {
		defer cancel()
		for {
			var frame clientFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			switch frame.Type {
			case "subscribe":
				g.bus.SetFilter(sub, frame.Sessions)
				g.writeFrame(ctx, conn, map[string]any{
					"type":     "subscribed",
					"sessions": frame.Sessions,
				})
			case "ping":
				g.writeFrame(ctx, conn, map[string]string{"type": "pong"})
			default:
				_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "unknown frame type")
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := g.writeFrame(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(wctx, websocket.MessageText, data)
}

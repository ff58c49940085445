package discord

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayStub accepts one gateway connection, sends hello with the
// given heartbeat interval, and hands the connection to fn.
func gatewayStub(t *testing.T, intervalMS float64, fn func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		hello := map[string]any{
			"op": opHello,
			"d":  map[string]any{"heartbeat_interval": intervalMS},
		}
		if err := wsjson.Write(ctx, conn, hello); err != nil {
			return
		}
		fn(ctx, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewaySession_MissedHeartbeatAckDisconnects(t *testing.T) {
	// Read frames forever, never acknowledging a heartbeat.
	srv := gatewayStub(t, 20, func(ctx context.Context, conn *websocket.Conn) {
		for {
			var f map[string]any
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
		}
	})

	a := New(Config{BotToken: "tok", ChannelID: "chan1"}, slog.Default())
	a.gatewayURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.gatewaySession(ctx, "bot1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errHeartbeatMissed)
}

func TestGatewaySession_AckedHeartbeatsKeepSessionAlive(t *testing.T) {
	beats := make(chan struct{}, 16)
	srv := gatewayStub(t, 20, func(ctx context.Context, conn *websocket.Conn) {
		for {
			var f map[string]any
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			if op, _ := f["op"].(float64); int(op) == opHeartbeat {
				beats <- struct{}{}
				if err := wsjson.Write(ctx, conn, map[string]any{"op": opHeartbeatAck}); err != nil {
					return
				}
			}
		}
	})

	a := New(Config{BotToken: "tok", ChannelID: "chan1"}, slog.Default())
	a.gatewayURL = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.gatewaySession(ctx, "bot1") }()

	// Survive several heartbeat rounds before we hang up ourselves.
	for i := 0; i < 3; i++ {
		select {
		case <-beats:
		case err := <-done:
			t.Fatalf("session ended early: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat observed")
		}
	}
	cancel()
	err := <-done
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errHeartbeatMissed)
}

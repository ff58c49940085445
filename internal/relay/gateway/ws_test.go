package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/gateway"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL(server), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frame map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestWS_SubscribeFiltersSessions(t *testing.T) {
	e := newEnv(t, gateway.Config{Token: testToken})
	server := httptest.NewServer(e.handler)
	defer server.Close()

	conn := dialWS(t, server, testToken)

	writeFrame(t, conn, map[string]any{"type": "subscribe", "sessions": []string{"s1"}})
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])

	e.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "s2"})
	e.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: "s1"})

	frame := readFrame(t, conn)
	assert.Equal(t, bus.MessageNew, frame["type"])
	assert.Equal(t, "s1", frame["session_name"])
}

func TestWS_PingPong(t *testing.T) {
	e := newEnv(t, gateway.Config{Token: testToken})
	server := httptest.NewServer(e.handler)
	defer server.Close()

	conn := dialWS(t, server, testToken)
	writeFrame(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestWS_SystemEventsBypassFilter(t *testing.T) {
	e := newEnv(t, gateway.Config{Token: testToken})
	server := httptest.NewServer(e.handler)
	defer server.Close()

	conn := dialWS(t, server, testToken)
	writeFrame(t, conn, map[string]any{"type": "subscribe", "sessions": []string{"s1"}})
	require.Equal(t, "subscribed", readFrame(t, conn)["type"])

	e.bus.Publish(bus.Event{Kind: bus.SystemHeartbeat})
	assert.Equal(t, bus.SystemHeartbeat, readFrame(t, conn)["type"])
}

func TestWS_RejectsBadToken(t *testing.T) {
	e := newEnv(t, gateway.Config{Token: testToken})
	server := httptest.NewServer(e.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(server), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_ClientCap(t *testing.T) {
	e := newEnv(t, gateway.Config{Token: testToken, MaxWSClients: 1})
	server := httptest.NewServer(e.handler)
	defer server.Close()

	_ = dialWS(t, server, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(server), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testToken}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

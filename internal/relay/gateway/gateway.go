// Package gateway serves the dashboard's REST and streaming surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aily-sh/aily/internal/logging"
	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/router"
	"github.com/aily-sh/aily/internal/relay/store"
)

// Relay is the slice of the router the gateway drives.
type Relay interface {
	CreateSession(ctx context.Context, name, host, dir, agentType string) (store.Session, error)
	KillSession(ctx context.Context, name string) (bool, error)
	SendText(ctx context.Context, session, text string) error
	HandleAgentEvent(ctx context.Context, ev router.AgentEvent) error
	Sync(ctx context.Context, session string) error
}

// Config carries the gateway's policy knobs.
type Config struct {
	Token          string // bearer token; empty disables auth
	MaxWSClients   int
	RateLimitRPS   int
	RateLimitBurst int
}

// Gateway is the HTTP surface over the relay's state.
type Gateway struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	relay    Relay
	log      *slog.Logger

	limiter *ipLimiter
	clients *clientCounter
}

func New(cfg Config, st *store.Store, reg *registry.Registry, b *bus.Bus,
	relay Relay, log *slog.Logger) *Gateway {

	if cfg.MaxWSClients <= 0 {
		cfg.MaxWSClients = 50
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	return &Gateway{
		cfg:      cfg,
		store:    st,
		registry: reg,
		bus:      b,
		relay:    relay,
		log:      log.With("component", "gateway"),
		limiter:  newIPLimiter(float64(cfg.RateLimitRPS), float64(cfg.RateLimitBurst)),
		clients:  &clientCounter{max: cfg.MaxWSClients},
	}
}

// Handler builds the full route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/hooks/event", g.handleHookEvent)
	mux.HandleFunc("GET /ws", g.handleWS)

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.authenticated(h))
	}
	api("GET /api/sessions", g.handleListSessions)
	api("POST /api/sessions", g.handleCreateSession)
	api("POST /api/sessions/bulk-delete", g.handleBulkDelete)
	api("GET /api/sessions/{name}", g.handleGetSession)
	api("DELETE /api/sessions/{name}", g.handleKillSession)
	api("GET /api/sessions/{name}/messages", g.handleMessages)
	api("POST /api/sessions/{name}/send", g.handleSend)
	api("POST /api/sessions/{name}/sync", g.handleSync)
	api("GET /api/sessions/{name}/export", g.handleExport)
	api("GET /api/stats", g.handleStats)
	api("GET /api/events", g.handleEvents)
	api("GET /api/messages/search", g.handleSearch)
	api("GET /api/preferences", g.handleGetPreferences)
	api("PUT /api/preferences", g.handlePutPreferences)
	api("GET /api/preferences/{key}", g.handleGetPreference)
	api("PUT /api/preferences/{key}", g.handlePutPreference)

	return metrics.HTTPMiddleware(logging.HTTPMiddleware(g.rateLimited(mux)))
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimited applies the per-IP token bucket to everything except
// liveness and metrics scrapes.
func (g *Gateway) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !g.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticated enforces the bearer token when one is configured.
func (g *Gateway) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+g.cfg.Token
}

// handleHookEvent accepts webhook posts from local agent hook scripts.
// It is unauthenticated but restricted to loopback callers.
func (g *Gateway) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(clientIP(r)) {
		writeError(w, http.StatusForbidden, "hook endpoint is loopback-only")
		return
	}

	var ev router.AgentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	ev.Source = store.SourceHook

	if err := g.relay.HandleAgentEvent(r.Context(), ev); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps an error kind to an HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrRateLimited):
		status = http.StatusTooManyRequests
		if hint := fault.RetryAfter(err); hint > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(hint)))
		}
	case errors.Is(err, fault.ErrUnreachable):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

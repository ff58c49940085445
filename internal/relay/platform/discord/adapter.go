// Package discord bridges relay sessions to Discord threads over the
// REST API and the realtime gateway.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
)

// ErrAuth marks an unrecoverable credential failure; the process exits
// rather than retrying.
var ErrAuth = fmt.Errorf("discord: %w", platform.ErrAuth)

// Adapter implements platform.Adapter for Discord.
type Adapter struct {
	token     string
	channelID string
	hosts     []string
	log       *slog.Logger

	http    *http.Client
	apiBase string
	// gatewayURL overrides the URL discovery in tests.
	gatewayURL string

	locks   *platform.NameLocks
	handler platform.InboundHandler

	mu        sync.Mutex
	guildID   string
	announced bool
	// threadMeta caches channel id -> (name, parent) lookups so every
	// inbound message does not cost a REST call.
	threadMeta map[string]threadInfo

	cancel context.CancelFunc
	done   chan struct{}
}

type threadInfo struct {
	name     string
	parentID string
}

// Config carries the adapter's credentials and channel.
type Config struct {
	BotToken  string
	ChannelID string
	Hosts     []string
}

func New(cfg Config, log *slog.Logger) *Adapter {
	return &Adapter{
		token:      cfg.BotToken,
		channelID:  cfg.ChannelID,
		hosts:      cfg.Hosts,
		log:        log.With("component", "discord"),
		http:       &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		locks:      platform.NewNameLocks(),
		threadMeta: make(map[string]threadInfo),
		done:       make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return platform.Discord }

func (a *Adapter) OnInbound(h platform.InboundHandler) { a.handler = h }

// Connect validates credentials, announces the relay in the root
// channel once, and runs the gateway until Disconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	data, err := a.request(ctx, http.MethodGet, "/users/@me", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &me); err != nil {
		return fmt.Errorf("parse identity: %w: %w", fault.ErrProtocol, err)
	}
	a.log.Info("connected", "username", me.Username, "bot_id", me.ID)

	var ch struct {
		GuildID string `json:"guild_id"`
	}
	if data, err := a.request(ctx, http.MethodGet, "/channels/"+a.channelID, nil); err == nil {
		_ = json.Unmarshal(data, &ch)
	}
	a.mu.Lock()
	a.guildID = ch.GuildID
	announce := !a.announced
	a.announced = true
	a.mu.Unlock()

	if announce {
		if err := a.postRaw(ctx, a.channelID, platform.AnnounceText(a.hosts)); err != nil {
			a.log.Warn("announce failed", "error", err)
		}
	}

	gwCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.runGateway(gwCtx, me.ID)
	}()
	return nil
}

// Disconnect stops the gateway loop.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post sends text to a thread, standard-formatted unless raw,
// truncated with a marker when it exceeds the ceiling.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = platform.Notify(text)
	}
	return a.postRaw(ctx, threadRef, platform.Truncate(text, platform.DiscordCeiling))
}

func (a *Adapter) postRaw(ctx context.Context, channelID, text string) error {
	_, err := a.request(ctx, http.MethodPost,
		"/channels/"+channelID+"/messages", map[string]string{"content": text})
	return err
}

// Archive posts the closing notice and archives the thread.
func (a *Adapter) Archive(ctx context.Context, threadRef, sessionName string) error {
	if err := a.postRaw(ctx, threadRef, platform.ClosingText(sessionName)); err != nil &&
		!errors.Is(err, fault.ErrNotFound) {
		return err
	}
	_, err := a.request(ctx, http.MethodPatch, "/channels/"+threadRef,
		map[string]bool{"archived": true})
	if errors.Is(err, fault.ErrNotFound) {
		return nil
	}
	return err
}

// Delete removes the thread channel outright.
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	_, err := a.request(ctx, http.MethodDelete, "/channels/"+threadRef, nil)
	if errors.Is(err, fault.ErrNotFound) {
		return nil
	}
	return err
}

// Package slack bridges relay sessions to Slack threads over the Web
// API and a socket-mode gateway. Slack has no native thread archive, so
// archival posts a closing notice and marks the parent with a lock
// reaction.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
)

const defaultAPIBase = "https://slack.com/api"

// ErrAuth marks an unrecoverable credential failure.
var ErrAuth = fmt.Errorf("slack: %w", platform.ErrAuth)

// Adapter implements platform.Adapter for Slack. The thread reference
// is the parent message's ts.
type Adapter struct {
	botToken  string
	appToken  string
	channelID string
	hosts     []string
	log       *slog.Logger

	http    *http.Client
	apiBase string
	// socketURL overrides apps.connections.open in tests.
	socketURL string

	locks   *platform.NameLocks
	handler platform.InboundHandler

	mu        sync.Mutex
	botUserID string
	announced bool
	// parentText caches thread_ts -> parent first line for inbound
	// thread-name resolution.
	parentText map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// Config carries the adapter's credentials and channel.
type Config struct {
	BotToken  string
	AppToken  string
	ChannelID string
	Hosts     []string
}

func New(cfg Config, log *slog.Logger) *Adapter {
	return &Adapter{
		botToken:   cfg.BotToken,
		appToken:   cfg.AppToken,
		channelID:  cfg.ChannelID,
		hosts:      cfg.Hosts,
		log:        log.With("component", "slack"),
		http:       &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		locks:      platform.NewNameLocks(),
		parentText: make(map[string]string),
		done:       make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return platform.Slack }

func (a *Adapter) OnInbound(h platform.InboundHandler) { a.handler = h }

// call performs one Web API method with the bot token.
func (a *Adapter) call(ctx context.Context, method string, args map[string]interface{}, out interface{}) error {
	return a.callWith(ctx, a.botToken, method, args, out)
}

func (a *Adapter) callWith(ctx context.Context, token, method string, args map[string]interface{}, out interface{}) error {
	var payload io.Reader
	if args != nil {
		buf, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/"+method, payload)
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w: %w", method, fault.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		secs := 1.0
		if h := resp.Header.Get("Retry-After"); h != "" {
			fmt.Sscanf(h, "%f", &secs)
		}
		return fmt.Errorf("slack %s: %w", method, &fault.RetryAfterError{Seconds: secs})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slack %s: %w: %w", method, fault.ErrProtocol, err)
	}
	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("slack %s: %w: %w", method, fault.ErrProtocol, err)
	}
	if !envelope.OK {
		switch envelope.Error {
		case "invalid_auth", "not_authed", "account_inactive", "token_revoked":
			return fmt.Errorf("slack %s: %s: %w", method, envelope.Error, ErrAuth)
		case "channel_not_found", "thread_not_found", "message_not_found":
			return fmt.Errorf("slack %s: %s: %w", method, envelope.Error, fault.ErrNotFound)
		case "ratelimited":
			return fmt.Errorf("slack %s: %w", method, fault.ErrRateLimited)
		default:
			return fmt.Errorf("slack %s: %s: %w", method, envelope.Error, fault.ErrProtocol)
		}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("slack %s: %w: %w", method, fault.ErrProtocol, err)
		}
	}
	metrics.PlatformPostsTotal.WithLabelValues("slack", "ok").Inc()
	return nil
}

// Connect validates credentials, announces once, and runs socket mode.
func (a *Adapter) Connect(ctx context.Context) error {
	var auth struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
	}
	if err := a.call(ctx, "auth.test", map[string]interface{}{}, &auth); err != nil {
		return err
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	announce := !a.announced
	a.announced = true
	a.mu.Unlock()
	a.log.Info("connected", "user", auth.User, "bot_id", auth.UserID)

	if announce {
		if err := a.postText(ctx, "", platform.AnnounceText(a.hosts)); err != nil {
			a.log.Warn("announce failed", "error", err)
		}
	}

	gwCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.runSocketMode(gwCtx)
	}()
	return nil
}

// Disconnect stops the socket-mode loop.
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

// EnsureThread finds or creates the parent message anchoring the
// session's thread and returns its ts.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	unlock := a.locks.Lock(sessionName)
	defer unlock()

	threadName := platform.ThreadName(sessionName)
	if ts, err := a.findThread(ctx, threadName); err != nil {
		return "", err
	} else if ts != "" {
		return ts, nil
	}

	// The parent's first line must be the canonical thread name so
	// find and inbound resolution keep working.
	starter := threadName
	if starterText != "" && starterText != threadName {
		starter = threadName + "\n" + starterText
	}
	var posted struct {
		TS string `json:"ts"`
	}
	err := a.call(ctx, "chat.postMessage", map[string]interface{}{
		"channel": a.channelID,
		"text":    starter,
	}, &posted)
	if err != nil {
		return "", err
	}
	if posted.TS == "" {
		return "", fmt.Errorf("chat.postMessage returned no ts: %w", fault.ErrProtocol)
	}

	a.mu.Lock()
	a.parentText[posted.TS] = threadName
	a.mu.Unlock()

	if err := a.postText(ctx, posted.TS, platform.WelcomeText(sessionName)); err != nil {
		a.log.Warn("welcome post failed", "thread", posted.TS, "error", err)
	}
	a.log.Info("thread created", "session", sessionName, "thread", posted.TS)
	return posted.TS, nil
}

// findThread scans recent channel history for a parent message whose
// first line is the thread name.
func (a *Adapter) findThread(ctx context.Context, threadName string) (string, error) {
	var history struct {
		Messages []struct {
			TS   string `json:"ts"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	err := a.call(ctx, "conversations.history", map[string]interface{}{
		"channel": a.channelID,
		"limit":   200,
	}, &history)
	if err != nil {
		return "", err
	}
	for _, m := range history.Messages {
		first := strings.TrimSpace(strings.SplitN(m.Text, "\n", 2)[0])
		if first == threadName {
			return m.TS, nil
		}
	}
	return "", nil
}

// Post sends text into the thread, standard-formatted unless raw.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = platform.Notify(text)
	}
	return a.postText(ctx, threadRef, platform.Truncate(text, platform.SlackCeiling))
}

func (a *Adapter) postText(ctx context.Context, threadTS, text string) error {
	args := map[string]interface{}{
		"channel": a.channelID,
		"text":    text,
	}
	if threadTS != "" {
		args["thread_ts"] = threadTS
	}
	return a.call(ctx, "chat.postMessage", args, nil)
}

// Archive posts the closing notice in-thread and locks the parent with
// a marker reaction.
func (a *Adapter) Archive(ctx context.Context, threadRef, sessionName string) error {
	if err := a.postText(ctx, threadRef, platform.ClosingText(sessionName)); err != nil &&
		!errors.Is(err, fault.ErrNotFound) {
		return err
	}
	err := a.call(ctx, "reactions.add", map[string]interface{}{
		"channel":   a.channelID,
		"timestamp": threadRef,
		"name":      "lock",
	}, nil)
	if err != nil && !errors.Is(err, fault.ErrNotFound) &&
		!strings.Contains(err.Error(), "already_reacted") {
		return err
	}
	return nil
}

// Delete removes the thread's parent message.
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	err := a.call(ctx, "chat.delete", map[string]interface{}{
		"channel": a.channelID,
		"ts":      threadRef,
	}, nil)
	if errors.Is(err, fault.ErrNotFound) {
		return nil
	}
	return err
}

// threadNameFor resolves a thread_ts to the canonical thread name via
// the parent message's first line, cached.
func (a *Adapter) threadNameFor(ctx context.Context, threadTS string) (string, error) {
	a.mu.Lock()
	if name, ok := a.parentText[threadTS]; ok {
		a.mu.Unlock()
		return name, nil
	}
	a.mu.Unlock()

	var replies struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	err := a.call(ctx, "conversations.replies", map[string]interface{}{
		"channel": a.channelID,
		"ts":      threadTS,
		"limit":   1,
	}, &replies)
	if err != nil {
		return "", err
	}
	if len(replies.Messages) == 0 {
		return "", fmt.Errorf("thread %s parent: %w", threadTS, fault.ErrNotFound)
	}
	name := strings.TrimSpace(strings.SplitN(replies.Messages[0].Text, "\n", 2)[0])
	a.mu.Lock()
	a.parentText[threadTS] = name
	a.mu.Unlock()
	return name, nil
}

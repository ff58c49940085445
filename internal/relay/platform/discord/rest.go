package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/fault"
)

const defaultAPIBase = "https://discord.com/api/v10"

// request performs one REST call against the Discord API. 429s are
// retried in place when the requested wait is short; longer waits
// surface as rate_limited with the hint attached.
func (a *Adapter) request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var buf []byte
	if body != nil {
		var err error
		if buf, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var payload io.Reader
		if buf != nil {
			payload = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.apiBase+path, payload)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+a.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("discord %s %s: %w: %w", method, path, fault.ErrUnreachable, err)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("discord %s %s: %w: %w", method, path, fault.ErrProtocol, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.PlatformPostsTotal.WithLabelValues("discord", "ok").Inc()
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp, data)
			if attempt < 2 && wait <= 5*time.Second {
				metrics.PlatformPostsTotal.WithLabelValues("discord", "rate_limited").Inc()
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, fmt.Errorf("discord %s %s: %w", method, path,
				&fault.RetryAfterError{Seconds: wait.Seconds()})
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("discord %s %s: %w", method, path, fault.ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("discord %s %s: status %d: %w", method, path, resp.StatusCode, ErrAuth)
		default:
			return nil, fmt.Errorf("discord %s %s: status %d: %w", method, path, resp.StatusCode, fault.ErrProtocol)
		}
	}
}

// retryAfter reads the wait hint from the header or the JSON body.
func retryAfter(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var parsed struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.RetryAfter > 0 {
		return time.Duration(parsed.RetryAfter * float64(time.Second))
	}
	return time.Second
}

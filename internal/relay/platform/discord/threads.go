package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
)

type channelPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Archived bool   `json:"archived,omitempty"`
	ThreadMetadata *struct {
		Archived bool `json:"archived"`
	} `json:"thread_metadata,omitempty"`
}

// EnsureThread finds or creates the session's thread under the root
// channel. Concurrent calls for the same session serialise; the second
// observes the thread the first created.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	unlock := a.locks.Lock(sessionName)
	defer unlock()

	threadName := platform.ThreadName(sessionName)

	if id, archived, err := a.findThread(ctx, threadName); err != nil {
		return "", err
	} else if id != "" {
		if archived {
			_, err := a.request(ctx, http.MethodPatch, "/channels/"+id,
				map[string]bool{"archived": false})
			if err != nil {
				return "", err
			}
		}
		return id, nil
	}

	if starterText == "" {
		starterText = platform.StarterText(sessionName)
	}
	return a.createThread(ctx, sessionName, threadName, starterText)
}

// findThread checks active guild threads, then archived threads, then
// recent channel messages carrying thread metadata.
func (a *Adapter) findThread(ctx context.Context, threadName string) (id string, archived bool, err error) {
	a.mu.Lock()
	guildID := a.guildID
	a.mu.Unlock()

	if guildID != "" {
		var active struct {
			Threads []channelPayload `json:"threads"`
		}
		data, err := a.request(ctx, http.MethodGet, "/guilds/"+guildID+"/threads/active", nil)
		if err != nil && !errors.Is(err, fault.ErrNotFound) {
			return "", false, err
		}
		if err == nil {
			if err := json.Unmarshal(data, &active); err != nil {
				return "", false, fmt.Errorf("parse active threads: %w: %w", fault.ErrProtocol, err)
			}
			for _, th := range active.Threads {
				if th.Name == threadName && th.ParentID == a.channelID {
					return th.ID, false, nil
				}
			}
		}
	}

	var archivedList struct {
		Threads []channelPayload `json:"threads"`
	}
	data, err := a.request(ctx, http.MethodGet,
		"/channels/"+a.channelID+"/threads/archived/public", nil)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return "", false, err
	}
	if err == nil {
		if err := json.Unmarshal(data, &archivedList); err != nil {
			return "", false, fmt.Errorf("parse archived threads: %w: %w", fault.ErrProtocol, err)
		}
		for _, th := range archivedList.Threads {
			if th.Name == threadName {
				return th.ID, true, nil
			}
		}
	}

	// Last resort: channel messages that already have a thread hanging
	// off them.
	var messages []struct {
		Thread *channelPayload `json:"thread"`
	}
	data, err = a.request(ctx, http.MethodGet,
		"/channels/"+a.channelID+"/messages?limit=50", nil)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := json.Unmarshal(data, &messages); err != nil {
		return "", false, fmt.Errorf("parse messages: %w: %w", fault.ErrProtocol, err)
	}
	for _, m := range messages {
		if m.Thread != nil && m.Thread.Name == threadName {
			arch := m.Thread.ThreadMetadata != nil && m.Thread.ThreadMetadata.Archived
			return m.Thread.ID, arch, nil
		}
	}
	return "", false, nil
}

// createThread posts the starter message, attaches a thread to it, and
// posts the welcome message inside.
func (a *Adapter) createThread(ctx context.Context, sessionName, threadName, starterText string) (string, error) {
	data, err := a.request(ctx, http.MethodPost,
		"/channels/"+a.channelID+"/messages", map[string]string{"content": starterText})
	if err != nil {
		return "", err
	}
	var starter struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &starter); err != nil || starter.ID == "" {
		return "", fmt.Errorf("parse starter message: %w", fault.ErrProtocol)
	}

	data, err = a.request(ctx, http.MethodPost,
		"/channels/"+a.channelID+"/messages/"+starter.ID+"/threads",
		map[string]string{"name": threadName})
	if err != nil {
		return "", err
	}
	var thread channelPayload
	if err := json.Unmarshal(data, &thread); err != nil || thread.ID == "" {
		return "", fmt.Errorf("parse thread: %w", fault.ErrProtocol)
	}

	a.mu.Lock()
	a.threadMeta[thread.ID] = threadInfo{name: threadName, parentID: a.channelID}
	a.mu.Unlock()

	if err := a.postRaw(ctx, thread.ID, platform.WelcomeText(sessionName)); err != nil {
		a.log.Warn("welcome post failed", "thread", thread.ID, "error", err)
	}
	a.log.Info("thread created", "session", sessionName, "thread", thread.ID)
	return thread.ID, nil
}

// threadInfoFor resolves a channel id to its name and parent, cached.
func (a *Adapter) threadInfoFor(ctx context.Context, channelID string) (threadInfo, error) {
	a.mu.Lock()
	if info, ok := a.threadMeta[channelID]; ok {
		a.mu.Unlock()
		return info, nil
	}
	a.mu.Unlock()

	data, err := a.request(ctx, http.MethodGet, "/channels/"+channelID, nil)
	if err != nil {
		return threadInfo{}, err
	}
	var ch channelPayload
	if err := json.Unmarshal(data, &ch); err != nil {
		return threadInfo{}, fmt.Errorf("parse channel: %w: %w", fault.ErrProtocol, err)
	}
	info := threadInfo{name: ch.Name, parentID: ch.ParentID}
	a.mu.Lock()
	a.threadMeta[channelID] = info
	a.mu.Unlock()
	return info, nil
}

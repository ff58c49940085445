package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aily-sh/aily/internal/relay/store"
)

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := g.registry.List(r.Context(), store.SessionFilter{
		Status: q.Get("status"),
		Host:   q.Get("host"),
		Limit:  queryInt(r, "limit", 0),
		Sort:   q.Get("sort"),
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		AgentType  string `json:"agent_type"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	sess, err := g.relay.CreateSession(r.Context(), req.Name, req.Host, req.WorkingDir, req.AgentType)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sess, err := g.registry.Get(r.Context(), name)
	if err != nil {
		writeFault(w, err)
		return
	}
	bindings, err := g.store.ListBindings(r.Context(), name)
	if err != nil {
		writeFault(w, err)
		return
	}
	if bindings == nil {
		bindings = []store.Binding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"bindings": bindings,
	})
}

func (g *Gateway) handleKillSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	killed, err := g.relay.KillSession(r.Context(), name)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !killed {
		// A delete of an already-archived session purges the record
		// and its history.
		if err := g.registry.Delete(r.Context(), name); err != nil {
			writeFault(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "names list required")
		return
	}

	killed := []string{}
	failed := map[string]string{}
	for _, name := range req.Names {
		acted, err := g.relay.KillSession(r.Context(), name)
		if err != nil {
			failed[name] = err.Error()
			continue
		}
		if !acted {
			if err := g.registry.Delete(r.Context(), name); err != nil {
				failed[name] = err.Error()
				continue
			}
		}
		killed = append(killed, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"killed": killed, "failed": failed})
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := g.registry.Get(r.Context(), name); err != nil {
		writeFault(w, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	messages, total, err := g.store.Page(r.Context(), name, limit, offset)
	if err != nil {
		writeFault(w, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := g.relay.SendText(r.Context(), r.PathValue("name"), req.Text); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := g.relay.Sync(r.Context(), r.PathValue("name")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "syncing"})
}

// handleExport streams a session's full message log as JSON or plain
// text.
func (g *Gateway) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := g.registry.Get(r.Context(), name); err != nil {
		writeFault(w, err)
		return
	}
	messages, err := g.store.AllMessages(r.Context(), name)
	if err != nil {
		writeFault(w, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".txt"))
		for _, m := range messages {
			fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04:05"), m.Role, m.Content)
		}
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".json"))
	writeJSON(w, http.StatusOK, map[string]any{"session": name, "messages": messages})
}

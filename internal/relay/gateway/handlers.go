package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aily-sh/aily/internal/relay/store"
)

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.Stats(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := g.store.ListEvents(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeFault(w, err)
		return
	}
	if events == nil {
		events = []store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	results, err := g.store.Search(r.Context(), r.URL.Query().Get("session"), q, queryInt(r, "limit", 20))
	if err != nil {
		writeFault(w, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "query": q})
}

func (g *Gateway) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := g.store.Preferences(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (g *Gateway) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]string
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	for key, value := range prefs {
		if err := g.store.SetPreference(r.Context(), key, value); err != nil {
			writeFault(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (g *Gateway) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := g.store.Preference(r.Context(), key)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: value})
}

func (g *Gateway) handlePutPreference(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := g.store.SetPreference(r.Context(), key, req.Value); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: req.Value})
}

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/aily-sh/aily/internal/relay/router"
	"github.com/aily-sh/aily/internal/relay/store"
)

const (
	// tailBytes bounds one transcript read; old lines are deduplicated
	// away by their line hash, so re-reading overlap is harmless.
	tailBytes = 64 << 10

	// scrapeContentCap bounds a single scraped message's stored size.
	scrapeContentCap = 4000
)

// scrapeAgents are the agent types whose transcripts we know how to
// locate and parse.
var scrapeAgents = map[string]bool{
	"claude":   true,
	"gemini":   true,
	"codex":    true,
	"opencode": true,
}

// scraper tails per-session agent transcripts and feeds new entries to
// the router. Transcript files are JSONL appended by the agent itself;
// each line's hash doubles as its dedup key.
type scraper struct {
	exec  HostExecutor
	relay Relay
	log   *slog.Logger

	mu    sync.Mutex
	state map[string]*scrapeState // keyed by session name
}

type scrapeState struct {
	path     string
	tailHash string
}

func newScraper(exec HostExecutor, relay Relay, log *slog.Logger) *scraper {
	return &scraper{
		exec:  exec,
		relay: relay,
		log:   log.With("component", "scraper"),
		state: make(map[string]*scrapeState),
	}
}

func (sc *scraper) scrape(ctx context.Context, sess store.Session) error {
	if !scrapeAgents[sess.AgentType] || sess.Host == "" || sess.Host == "unknown" {
		return nil
	}

	path, err := sc.transcriptPath(ctx, sess)
	if err != nil || path == "" {
		return err
	}

	tail, err := sc.exec.TailFile(ctx, sess.Host, path, tailBytes)
	if err != nil {
		return err
	}

	st := sc.stateFor(sess.Name)
	sum := sha256.Sum256([]byte(tail))
	hash := hex.EncodeToString(sum[:])
	sc.mu.Lock()
	unchanged := st.tailHash == hash
	st.tailHash = hash
	sc.mu.Unlock()
	if unchanged {
		return nil
	}

	lines := strings.Split(tail, "\n")
	// A full tail window likely starts mid-line; drop the fragment.
	if len(tail) >= tailBytes && len(lines) > 0 {
		lines = lines[1:]
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, ok := parseTranscriptLine(line)
		if !ok {
			continue
		}
		ev := router.AgentEvent{
			SessionName: sess.Name,
			Agent:       sess.AgentType,
			Role:        entry.role,
			Content:     entry.content,
			ExternalID:  lineID(line),
			Source:      store.SourceJSONL,
		}
		if err := sc.relay.HandleAgentEvent(ctx, ev); err != nil {
			sc.log.Warn("transcript ingest failed", "session", sess.Name, "error", err)
		}
	}
	return nil
}

// transcriptPath locates the newest transcript file for the session.
// Claude-family agents keep JSONL logs under
// ~/.claude/projects/<working dir with "/" replaced by "-">/. The
// discovered path is cached until the session's working dir changes.
func (sc *scraper) transcriptPath(ctx context.Context, sess store.Session) (string, error) {
	sc.mu.Lock()
	st := sc.state[sess.Name]
	if st != nil && st.path != "" {
		path := st.path
		sc.mu.Unlock()
		return path, nil
	}
	sc.mu.Unlock()

	wd := sess.WorkingDir
	if wd == "" {
		var err error
		wd, err = sc.exec.WorkingDir(ctx, sess.Host, sess.Name)
		if err != nil {
			return "", err
		}
	}
	if wd == "" {
		return "", nil
	}

	glob := "$HOME/.claude/projects/" + strings.ReplaceAll(wd, "/", "-") + "/*.jsonl"
	path, err := sc.exec.LatestFile(ctx, sess.Host, glob)
	if err != nil || path == "" {
		return "", err
	}

	sc.mu.Lock()
	sc.stateForLocked(sess.Name).path = path
	sc.mu.Unlock()
	return path, nil
}

func (sc *scraper) stateFor(session string) *scrapeState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stateForLocked(session)
}

func (sc *scraper) stateForLocked(session string) *scrapeState {
	st := sc.state[session]
	if st == nil {
		st = &scrapeState{}
		sc.state[session] = st
	}
	return st
}

// forget drops cached scrape state, forcing path re-discovery.
func (sc *scraper) forget(session string) {
	sc.mu.Lock()
	delete(sc.state, session)
	sc.mu.Unlock()
}

type transcriptEntry struct {
	role    string
	content string
}

// parseTranscriptLine extracts a user or assistant message from one
// JSONL transcript line. Anything else (tool results, summaries,
// malformed lines) is skipped.
func parseTranscriptLine(line string) (transcriptEntry, bool) {
	var raw struct {
		Type    string `json:"type"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return transcriptEntry{}, false
	}
	if raw.Type != "user" && raw.Type != "assistant" {
		return transcriptEntry{}, false
	}

	content := contentText(raw.Message.Content)
	if content == "" {
		return transcriptEntry{}, false
	}
	if r := []rune(content); len(r) > scrapeContentCap {
		content = string(r[:scrapeContentCap]) + "...(truncated)"
	}

	role := store.RoleAssistant
	if raw.Type == "user" {
		role = store.RoleUser
	}
	return transcriptEntry{role: role, content: content}, true
}

// contentText flattens a transcript content field, which is either a
// plain string or a list of typed blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// lineID derives the dedup key for a transcript line from its bytes.
func lineID(line string) string {
	sum := sha256.Sum256([]byte(line))
	return hex.EncodeToString(sum[:])[:16]
}

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/util/sanitize"
	"github.com/aily-sh/aily/internal/util/timefmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message sources.
const (
	SourceJSONL   = "jsonl"
	SourceDiscord = "discord"
	SourceSlack   = "slack"
	SourceTmux    = "tmux"
	SourceHook    = "hook"
)

// Message is one append-only record in a session's log.
type Message struct {
	ID          int64     `json:"id"`
	SessionName string    `json:"session_name"`
	Role        string    `json:"role"`
	Source      string    `json:"source"`
	Content     string    `json:"content"`
	Author      string    `json:"author,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// DedupKey computes the deduplication key for a message. Messages
// with a platform-assigned external ID key on (source, external id);
// everything else falls back to a content hash bucketed to one second
// to suppress near-duplicate optimistic echoes.
func DedupKey(m Message) string {
	h := sha256.New()
	if m.ExternalID != "" {
		fmt.Fprintf(h, "%s:%s", m.Source, m.ExternalID)
	} else {
		content := m.Content
		if len(content) > 200 {
			content = content[:200]
		}
		fmt.Fprintf(h, "%s:%s:%s:%s:%d",
			m.SessionName, m.Source, m.Role, content, m.Timestamp.Unix())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Append stores a message through the batched writer. Returns the new
// message ID, or fault.ErrDuplicate when the dedup index suppressed
// the write.
func (s *Store) Append(ctx context.Context, m Message) (int64, error) {
	if m.SessionName == "" || m.Content == "" {
		return 0, fmt.Errorf("append: session and content required: %w", fault.ErrInvalidArgument)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.IngestedAt.IsZero() {
		m.IngestedAt = time.Now()
	}

	req := appendReq{msg: m, result: make(chan appendResult, 1)}
	select {
	case s.appends <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	// Once queued the write will reach the storage boundary even if
	// the caller gives up; only the caller's wait is cancellable.
	select {
	case res := <-req.result:
		return res.id, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// insertMessage runs inside the writer's transaction.
func insertMessage(tx *sql.Tx, m Message) appendResult {
	var extID interface{}
	if m.ExternalID != "" {
		extID = m.ExternalID
	}

	var id int64
	err := tx.QueryRow(`
		INSERT INTO messages (session_name, role, source, content, author, external_id, dedup_key, timestamp, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		m.SessionName, m.Role, m.Source, m.Content, m.Author, extID,
		DedupKey(m), timefmt.Format(m.Timestamp), timefmt.Format(m.IngestedAt)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return appendResult{err: fmt.Errorf("message for %s: %w", m.SessionName, fault.ErrDuplicate)}
	}
	if err != nil {
		return appendResult{err: fmt.Errorf("insert message: %w: %w", fault.ErrStorage, err)}
	}

	// Keep the session's preview and activity current in the same
	// transaction so readers never see a message without them.
	_, err = tx.Exec(`
		UPDATE sessions SET last_message_preview = ?, last_activity_at = ?
		WHERE name = ?`,
		sanitize.Preview(m.Content, previewLen), timefmt.Format(m.Timestamp), m.SessionName)
	if err != nil {
		return appendResult{err: fmt.Errorf("update preview: %w: %w", fault.ErrStorage, err)}
	}
	return appendResult{id: id}
}

const messageCols = "id, session_name, role, source, content, author, external_id, timestamp, ingested_at"

// Page returns up to limit messages for a session, newest first,
// skipping offset rows, plus the total count for the session.
func (s *Store) Page(ctx context.Context, session string, limit, offset int) ([]Message, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE session_name = ?", session).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w: %w", fault.ErrStorage, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE session_name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, session, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("page messages: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	return msgs, total, err
}

// PageBefore returns up to limit messages with IDs strictly below
// cursor, newest first. Pass cursor 0 for the latest page.
func (s *Store) PageBefore(ctx context.Context, session string, cursor int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT " + messageCols + " FROM messages WHERE session_name = ?"
	args := []interface{}{session}
	if cursor > 0 {
		q += " AND id < ?"
		args = append(args, cursor)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("page messages: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AllMessages returns a session's full log, oldest first. Used by the
// export endpoint.
func (s *Store) AllMessages(ctx context.Context, session string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE session_name = ?
		ORDER BY timestamp ASC, id ASC`, session)
	if err != nil {
		return nil, fmt.Errorf("export messages: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchResult pairs a matching message with an FTS snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

// Search runs a full-text query over message content. An empty
// session searches all sessions.
func (s *Store) Search(ctx context.Context, session, query string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search: query required: %w", fault.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.session_name, m.role, m.source, m.content, m.author,
		       m.external_id, m.timestamp, m.ingested_at,
		       snippet(messages_fts, 0, '[', ']', '…', 12)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`
	args := []interface{}{ftsQuote(query)}
	if session != "" {
		q += " AND m.session_name = ?"
		args = append(args, session)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var m Message
		var snippet string
		var extID sql.NullString
		var ts, ingested string
		err := rows.Scan(&m.ID, &m.SessionName, &m.Role, &m.Source, &m.Content,
			&m.Author, &extID, &ts, &ingested, &snippet)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w: %w", fault.ErrStorage, err)
		}
		m.ExternalID = extID.String
		if m.Timestamp, err = timefmt.Parse(ts); err != nil {
			return nil, err
		}
		if m.IngestedAt, err = timefmt.Parse(ingested); err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Message: m, Snippet: snippet})
	}
	return out, rows.Err()
}

// ftsQuote wraps the user query in double quotes so FTS5 treats it as
// a phrase instead of raw match syntax.
func ftsQuote(q string) string {
	quoted := make([]byte, 0, len(q)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(q); i++ {
		if q[i] == '"' {
			quoted = append(quoted, '"')
		}
		quoted = append(quoted, q[i])
	}
	return string(append(quoted, '"'))
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var extID sql.NullString
		var ts, ingested string
		err := rows.Scan(&m.ID, &m.SessionName, &m.Role, &m.Source, &m.Content,
			&m.Author, &extID, &ts, &ingested)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w: %w", fault.ErrStorage, err)
		}
		m.ExternalID = extID.String
		if m.Timestamp, err = timefmt.Parse(ts); err != nil {
			return nil, err
		}
		if m.IngestedAt, err = timefmt.Parse(ingested); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

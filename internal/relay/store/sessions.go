package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/util/timefmt"
)

// Session is the persisted session record. Status transitions are
// owned by the registry; the store only reads and writes fields.
type Session struct {
	Name               string     `json:"name"`
	Host               string     `json:"host"`
	AgentType          string     `json:"agent_type"`
	Status             string     `json:"status"`
	WorkingDir         string     `json:"working_dir,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

// SessionFilter narrows ListSessions. Zero value lists everything.
type SessionFilter struct {
	Status string
	Host   string
	Limit  int
	Sort   string // "name" | "activity" (default)
}

const sessionCols = "name, host, agent_type, status, working_dir, last_message_preview, created_at, last_activity_at, closed_at"

// PutSession inserts or replaces a session row.
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			agent_type = excluded.agent_type,
			status = excluded.status,
			working_dir = excluded.working_dir,
			last_message_preview = excluded.last_message_preview,
			last_activity_at = excluded.last_activity_at,
			closed_at = excluded.closed_at`,
		sess.Name, sess.Host, sess.AgentType, sess.Status, sess.WorkingDir,
		sess.LastMessagePreview, timefmt.Format(sess.CreatedAt),
		timefmt.Format(sess.LastActivityAt), nullTime(sess.ClosedAt))
	if err != nil {
		return fmt.Errorf("put session %s: %w: %w", sess.Name, fault.ErrStorage, err)
	}
	return nil
}

// GetSession returns a session by name, or fault.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, name string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE name = ?", name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", name, fault.ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w: %w", name, fault.ErrStorage, err)
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, most recently
// active first unless the filter requests name order.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}

	q := "SELECT " + sessionCols + " FROM sessions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Sort == "name" {
		q += " ORDER BY name ASC"
	} else {
		q += " ORDER BY last_activity_at DESC, name ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w: %w", fault.ErrStorage, err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages and bindings.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session %s: %w: %w", name, fault.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM messages WHERE session_name = ?",
		"DELETE FROM thread_bindings WHERE session_name = ?",
		"DELETE FROM sessions WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return fmt.Errorf("delete session %s: %w: %w", name, fault.ErrStorage, err)
		}
	}
	return tx.Commit()
}

// TouchSession refreshes last_activity_at without changing status.
func (s *Store) TouchSession(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = ? WHERE name = ?",
		timefmt.Format(at), name)
	if err != nil {
		return fmt.Errorf("touch session %s: %w: %w", name, fault.ErrStorage, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var created, activity string
	var closed sql.NullString
	err := r.Scan(&sess.Name, &sess.Host, &sess.AgentType, &sess.Status,
		&sess.WorkingDir, &sess.LastMessagePreview, &created, &activity, &closed)
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = timefmt.Parse(created); err != nil {
		return Session{}, err
	}
	if sess.LastActivityAt, err = timefmt.Parse(activity); err != nil {
		return Session{}, err
	}
	if closed.Valid {
		t, err := timefmt.Parse(closed.String)
		if err != nil {
			return Session{}, err
		}
		sess.ClosedAt = &t
	}
	return sess, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timefmt.Format(*t)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/util/timefmt"
)

// Binding maps a (platform, session) pair to its thread reference.
type Binding struct {
	Platform    string    `json:"platform"`
	SessionName string    `json:"session_name"`
	ThreadRef   string    `json:"thread_ref"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
}

// PutBinding inserts or rebinds a thread reference.
func (s *Store) PutBinding(ctx context.Context, b Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_bindings (platform, session_name, thread_ref, archived, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, session_name) DO UPDATE SET
			thread_ref = excluded.thread_ref,
			archived = excluded.archived`,
		b.Platform, b.SessionName, b.ThreadRef, boolInt(b.Archived), timefmt.Format(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("put binding %s/%s: %w: %w", b.Platform, b.SessionName, fault.ErrStorage, err)
	}
	return nil
}

// GetBinding looks up a binding, or fault.ErrNotFound.
func (s *Store) GetBinding(ctx context.Context, platform, session string) (Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, session_name, thread_ref, archived, created_at
		FROM thread_bindings WHERE platform = ? AND session_name = ?`,
		platform, session)
	return scanBinding(row, platform, session)
}

// FindBindingByThread resolves a platform thread reference back to its
// session binding, or fault.ErrNotFound.
func (s *Store) FindBindingByThread(ctx context.Context, platform, threadRef string) (Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, session_name, thread_ref, archived, created_at
		FROM thread_bindings WHERE platform = ? AND thread_ref = ?`,
		platform, threadRef)
	return scanBinding(row, platform, threadRef)
}

// ListBindings returns all bindings for a session.
func (s *Store) ListBindings(ctx context.Context, session string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, session_name, thread_ref, archived, created_at
		FROM thread_bindings WHERE session_name = ? ORDER BY platform`, session)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var archived int
		var created string
		if err := rows.Scan(&b.Platform, &b.SessionName, &b.ThreadRef, &archived, &created); err != nil {
			return nil, fmt.Errorf("scan binding: %w: %w", fault.ErrStorage, err)
		}
		b.Archived = archived != 0
		if b.CreatedAt, err = timefmt.Parse(created); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBindingArchived flips the archived flag.
func (s *Store) MarkBindingArchived(ctx context.Context, platform, session string, archived bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_bindings SET archived = ? WHERE platform = ? AND session_name = ?`,
		boolInt(archived), platform, session)
	if err != nil {
		return fmt.Errorf("mark binding archived: %w: %w", fault.ErrStorage, err)
	}
	return nil
}

// DeleteBinding removes a binding (thread cleanup policy "delete").
func (s *Store) DeleteBinding(ctx context.Context, platform, session string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM thread_bindings WHERE platform = ? AND session_name = ?",
		platform, session)
	if err != nil {
		return fmt.Errorf("delete binding: %w: %w", fault.ErrStorage, err)
	}
	return nil
}

func scanBinding(row *sql.Row, platform, key string) (Binding, error) {
	var b Binding
	var archived int
	var created string
	err := row.Scan(&b.Platform, &b.SessionName, &b.ThreadRef, &archived, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, fmt.Errorf("binding %s/%s: %w", platform, key, fault.ErrNotFound)
	}
	if err != nil {
		return Binding{}, fmt.Errorf("get binding: %w: %w", fault.ErrStorage, err)
	}
	b.Archived = archived != 0
	if b.CreatedAt, err = timefmt.Parse(created); err != nil {
		return Binding{}, err
	}
	return b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

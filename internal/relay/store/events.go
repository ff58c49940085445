package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/util/timefmt"
)

// EventRecord is one row of the activity feed.
type EventRecord struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"event_type"`
	SessionName string    `json:"session_name,omitempty"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendEvent records a bus event in the activity feed.
func (s *Store) AppendEvent(ctx context.Context, eventType, session, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_type, session_name, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		eventType, session, payload, timefmt.Format(time.Now()))
	if err != nil {
		return fmt.Errorf("append event: %w: %w", fault.ErrStorage, err)
	}
	return nil
}

// ListEvents pages the activity feed, newest first.
func (s *Store) ListEvents(ctx context.Context, limit, offset int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_name, payload, created_at
		FROM events ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var created string
		if err := rows.Scan(&e.ID, &e.EventType, &e.SessionName, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w: %w", fault.ErrStorage, err)
		}
		if e.CreatedAt, err = timefmt.Parse(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes feed rows older than the retention window.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < ?", timefmt.Format(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w: %w", fault.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats aggregates counts for the dashboard home page.
type Stats struct {
	Sessions        int            `json:"sessions"`
	SessionsByState map[string]int `json:"sessions_by_state"`
	Messages        int            `json:"messages"`
	MessagesToday   int            `json:"messages_today"`
}

// Stats returns dashboard aggregates.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{SessionsByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, count(*) FROM sessions GROUP BY status")
	if err != nil {
		return st, fmt.Errorf("stats: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("stats: %w: %w", fault.ErrStorage, err)
		}
		st.SessionsByState[status] = n
		st.Sessions += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM messages").Scan(&st.Messages); err != nil {
		return st, fmt.Errorf("stats: %w: %w", fault.ErrStorage, err)
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	err = s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE ingested_at >= ?",
		timefmt.Format(midnight)).Scan(&st.MessagesToday)
	if err != nil {
		return st, fmt.Errorf("stats: %w: %w", fault.ErrStorage, err)
	}
	return st, nil
}

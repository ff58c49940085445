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

// Preferences returns the whole preference map.
func (s *Store) Preferences(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM preferences")
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w: %w", fault.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w: %w", fault.ErrStorage, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Preference returns one preference value, or fault.ErrNotFound.
func (s *Store) Preference(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM preferences WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("preference %s: %w", key, fault.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get preference: %w: %w", fault.ErrStorage, err)
	}
	return v, nil
}

// SetPreference upserts one preference.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, timefmt.Format(time.Now()))
	if err != nil {
		return fmt.Errorf("set preference %s: %w: %w", key, fault.ErrStorage, err)
	}
	return nil
}

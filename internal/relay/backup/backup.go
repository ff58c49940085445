// Package backup writes periodic compressed snapshots of the relay
// database and prunes old ones.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const snapshotPrefix = "aily-"

// Backupper snapshots the live database on an interval. Snapshots are
// consistent copies taken with VACUUM INTO, so they are safe to take
// while the relay is writing.
type Backupper struct {
	db        *sql.DB
	dir       string
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
}

func New(db *sql.DB, dir string, interval, retention time.Duration, log *slog.Logger) *Backupper {
	return &Backupper{
		db:        db,
		dir:       dir,
		interval:  interval,
		retention: retention,
		log:       log.With("component", "backup"),
	}
}

// Run takes snapshots until ctx is cancelled. The first snapshot is
// taken one interval in, not at startup.
func (b *Backupper) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if path, err := b.Snapshot(ctx); err != nil {
				b.log.Error("snapshot failed", "error", err)
			} else {
				b.log.Info("snapshot written", "path", path)
			}
			if err := b.Prune(); err != nil {
				b.log.Warn("snapshot prune failed", "error", err)
			}
		}
	}
}

// Snapshot writes one compressed snapshot and returns its path.
func (b *Backupper) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return "", fmt.Errorf("create backups dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	raw := filepath.Join(b.dir, snapshotPrefix+stamp+".db")
	defer os.Remove(raw)

	if _, err := b.db.ExecContext(ctx, "VACUUM INTO ?", raw); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", raw, err)
	}

	out := raw + ".zst"
	if err := compressFile(raw, out); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// Prune removes snapshots older than the retention window.
func (b *Backupper) Prune() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-b.retention)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".zst") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
				b.log.Warn("remove old snapshot failed", "path", name, "error", err)
			}
		}
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// Package store persists sessions, messages, thread bindings and
// preferences in the embedded SQLite database. All message writes are
// funneled through a single writer goroutine that batches inserts
// inside one transaction per commit window, bounding the fsync rate
// under bursts. Reads go straight to the database and see committed
// snapshots.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aily-sh/aily/internal/relay/fault"
)

const (
	// commitWindow is how long the writer waits to collect more
	// appends before committing a batch.
	commitWindow = 50 * time.Millisecond

	// maxBatch caps how many appends a single transaction may carry.
	maxBatch = 128

	previewLen = 120
)

// Store wraps the SQLite database with typed accessors.
type Store struct {
	db      *sql.DB
	appends chan appendReq
	done    chan struct{}
}

type appendReq struct {
	msg    Message
	result chan appendResult
}

type appendResult struct {
	id  int64
	err error
}

// New creates a Store on an opened, migrated database and starts the
// write batcher. Call Close to flush and stop it.
func New(db *sql.DB) *Store {
	s := &Store{
		db:      db,
		appends: make(chan appendReq, maxBatch),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Close drains pending appends and stops the writer. The database
// handle itself is owned by the caller.
func (s *Store) Close() {
	close(s.appends)
	<-s.done
}

// writeLoop is the single writer. It collects appends for up to one
// commit window (or until the batch is full) and commits them in one
// transaction.
func (s *Store) writeLoop() {
	defer close(s.done)
	for req, ok := <-s.appends; ok; req, ok = <-s.appends {
		batch := []appendReq{req}
		timer := time.NewTimer(commitWindow)
	collect:
		for len(batch) < maxBatch {
			select {
			case r, more := <-s.appends:
				if !more {
					break collect
				}
				batch = append(batch, r)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()
		s.commitBatch(batch)
	}
}

func (s *Store) commitBatch(batch []appendReq) {
	tx, err := s.db.Begin()
	if err != nil {
		for _, r := range batch {
			r.result <- appendResult{err: fmt.Errorf("begin batch: %w: %w", fault.ErrStorage, err)}
		}
		return
	}

	results := make([]appendResult, len(batch))
	for i, r := range batch {
		results[i] = insertMessage(tx, r.msg)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("message batch commit failed", "size", len(batch), "error", err)
		for _, r := range batch {
			r.result <- appendResult{err: fmt.Errorf("commit batch: %w: %w", fault.ErrStorage, err)}
		}
		return
	}
	for i, r := range batch {
		r.result <- results[i]
	}
}

// Package state is the shared SQLite-backed store for per-file
// shipping progress (file_state) and the offline retry spool
// (spool_queue). Same schema and filename as the Python and earlier
// Rust shippers, so the on-disk database is forward/backward
// compatible.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cipher982/longhouse-shipper/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_state (
	path TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	queued_offset INTEGER NOT NULL DEFAULT 0,
	acked_offset INTEGER NOT NULL DEFAULT 0,
	session_id TEXT,
	provider_session_id TEXT,
	last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spool_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	file_path TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	session_id TEXT,
	created_at TEXT NOT NULL,
	retry_count INTEGER DEFAULT 0,
	next_retry_at TEXT NOT NULL,
	last_error TEXT,
	status TEXT DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_spool_status
ON spool_queue(status, next_retry_at);
`

// Store wraps the shared SQLite connection used by both file_state
// and spool_queue operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the shipper database at dbPath, or
// at the default location under the Claude config directory when
// dbPath is empty.
func Open(dbPath string) (*Store, error) {
	path := dbPath
	if path == "" {
		p, err := config.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating DB directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for components (FileState, Spool) built
// on top of the same shared connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

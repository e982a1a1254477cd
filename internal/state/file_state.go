package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// TrackedFile is a tracked session file's shipping progress.
type TrackedFile struct {
	Path              string
	Provider          string
	QueuedOffset      uint64
	AckedOffset       uint64
	SessionID         string
	ProviderSessionID string
	LastUpdated       time.Time
}

// FileState is the dual-cursor per-file progress tracker.
//
// queued_offset: bytes enqueued for shipping (sent, or sitting in the
// spool waiting to be sent). acked_offset: bytes the server has
// confirmed receiving. A gap between the two means the file has data
// whose delivery status is unknown and needs recovery.
type FileState struct {
	db *sql.DB
}

// NewFileState builds a FileState over the store's shared connection.
func NewFileState(s *Store) *FileState {
	return &FileState{db: s.db}
}

// GetOffset returns the acked offset for a file, or 0 if untracked.
func (f *FileState) GetOffset(path string) (uint64, error) {
	var offset int64
	err := f.db.QueryRow("SELECT acked_offset FROM file_state WHERE path = ?", path).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get_offset %s: %w", path, err)
	}
	return uint64(offset), nil
}

// GetQueuedOffset returns the queued offset for a file, or 0 if untracked.
func (f *FileState) GetQueuedOffset(path string) (uint64, error) {
	var offset int64
	err := f.db.QueryRow("SELECT queued_offset FROM file_state WHERE path = ?", path).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get_queued_offset %s: %w", path, err)
	}
	return uint64(offset), nil
}

// SetOffset advances both queued and acked offsets together (used on
// a synchronous successful ship). Monotonic — never regresses.
func (f *FileState) SetOffset(path string, offset uint64, sessionID, providerSessionID, provider string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(
		`INSERT INTO file_state (path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated)
		 VALUES (?1, ?2, MAX(?3, 0), MAX(?3, 0), ?4, ?5, ?6)
		 ON CONFLICT(path) DO UPDATE SET
			queued_offset = MAX(queued_offset, ?3),
			acked_offset = MAX(acked_offset, ?3),
			session_id = ?4,
			provider_session_id = ?5,
			last_updated = ?6`,
		path, provider, int64(offset), sessionID, providerSessionID, now,
	)
	if err != nil {
		return fmt.Errorf("set_offset %s: %w", path, err)
	}
	return nil
}

// SetQueuedOffset advances the queued offset only, used when data has
// been handed to the spool or sent but not yet acked.
func (f *FileState) SetQueuedOffset(path string, offset uint64, provider, sessionID, providerSessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(
		`INSERT INTO file_state (path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated)
		 VALUES (?1, ?2, MAX(?3, 0), 0, ?4, ?5, ?6)
		 ON CONFLICT(path) DO UPDATE SET
			queued_offset = MAX(queued_offset, ?3),
			session_id = COALESCE(?4, session_id),
			provider_session_id = COALESCE(?5, provider_session_id),
			last_updated = ?6`,
		path, provider, int64(offset), sessionID, providerSessionID, now,
	)
	if err != nil {
		return fmt.Errorf("set_queued_offset %s: %w", path, err)
	}
	return nil
}

// SetAckedOffset advances the acked offset only, once the server
// confirms receipt. Monotonic.
func (f *FileState) SetAckedOffset(path string, offset uint64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(
		`UPDATE file_state SET acked_offset = MAX(acked_offset, ?1), last_updated = ?2 WHERE path = ?3`,
		int64(offset), now, path,
	)
	if err != nil {
		return fmt.Errorf("set_acked_offset %s: %w", path, err)
	}
	return nil
}

// ResetOffsets zeroes both offsets, used after detecting the source
// file was truncated.
func (f *FileState) ResetOffsets(path string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(
		`UPDATE file_state SET queued_offset = 0, acked_offset = 0, last_updated = ?1 WHERE path = ?2`,
		now, path,
	)
	if err != nil {
		return fmt.Errorf("reset_offsets %s: %w", path, err)
	}
	return nil
}

// GetUnackedFiles returns files where queued_offset > acked_offset —
// the set that needs startup recovery.
func (f *FileState) GetUnackedFiles() ([]TrackedFile, error) {
	rows, err := f.db.Query(
		`SELECT path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated
		 FROM file_state WHERE queued_offset > acked_offset`,
	)
	if err != nil {
		return nil, fmt.Errorf("get_unacked_files: %w", err)
	}
	defer rows.Close()

	var out []TrackedFile
	for rows.Next() {
		tf, err := scanTrackedFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, rows.Err()
}

// GetSession returns the full tracking row for a file, or nil if untracked.
func (f *FileState) GetSession(path string) (*TrackedFile, error) {
	row := f.db.QueryRow(
		`SELECT path, provider, queued_offset, acked_offset, session_id, provider_session_id, last_updated
		 FROM file_state WHERE path = ?`,
		path,
	)
	tf, err := scanTrackedFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_session %s: %w", path, err)
	}
	return &tf, nil
}

// Count returns the number of tracked files.
func (f *FileState) Count() (int, error) {
	var n int
	if err := f.db.QueryRow("SELECT COUNT(*) FROM file_state").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// PruneStale removes tracking rows whose source file no longer exists
// on disk and that haven't been updated in the given number of days.
// Returns the number of rows removed.
func (f *FileState) PruneStale(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := f.db.Query("SELECT path FROM file_state WHERE last_updated < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune_stale query: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	pruned := 0
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if _, err := f.db.Exec("DELETE FROM file_state WHERE path = ?", p); err != nil {
				return pruned, fmt.Errorf("prune_stale delete %s: %w", p, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackedFile(row rowScanner) (TrackedFile, error) {
	var (
		tf          TrackedFile
		queued      int64
		acked       int64
		sessionID   sql.NullString
		provSess    sql.NullString
		lastUpdated string
	)
	if err := row.Scan(&tf.Path, &tf.Provider, &queued, &acked, &sessionID, &provSess, &lastUpdated); err != nil {
		return TrackedFile{}, err
	}
	tf.QueuedOffset = uint64(queued)
	tf.AckedOffset = uint64(acked)
	tf.SessionID = sessionID.String
	tf.ProviderSessionID = provSess.String
	if t, err := time.Parse(time.RFC3339, lastUpdated); err == nil {
		tf.LastUpdated = t
	} else {
		tf.LastUpdated = time.Now().UTC()
	}
	return tf, nil
}

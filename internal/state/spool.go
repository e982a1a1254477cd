package state

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// MaxQueueSize is the hard cap on spool_queue rows. Enqueue rejects
// once the table reaches this size rather than advancing cursors past
// data that has nowhere to go.
const MaxQueueSize = 10_000

// BackoffBase and BackoffMax bound the exponential retry backoff:
// min(BackoffBase * 2^retry, BackoffMax) seconds.
const (
	BackoffBase = 5.0
	BackoffMax  = 3600.0
)

// DefaultMaxRetries is the retry ceiling after which a spool entry is
// marked dead instead of retried again.
const DefaultMaxRetries = 50

// SpoolEntry is a byte-range pointer into a source file awaiting
// (re-)delivery. The spool stores pointers, never payload bytes — on
// retry the source file is re-read and re-parsed from scratch.
type SpoolEntry struct {
	ID           int64
	Provider     string
	FilePath     string
	StartOffset  uint64
	EndOffset    uint64
	SessionID    string
	CreatedAt    time.Time
	RetryCount   int
	LastError    string
}

// Spool is the offline/retry queue.
type Spool struct {
	db *sql.DB
}

// NewSpool builds a Spool over the store's shared connection.
func NewSpool(s *Store) *Spool {
	return &Spool{db: s.db}
}

// Enqueue adds a byte-range pointer. Returns false if the spool is at
// capacity — the caller must not advance its queued offset in that case.
func (s *Spool) Enqueue(provider, filePath string, startOffset, endOffset uint64, sessionID string) (bool, error) {
	total, err := s.TotalSize()
	if err != nil {
		return false, err
	}
	if total >= MaxQueueSize {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		`INSERT INTO spool_queue (provider, file_path, start_offset, end_offset, session_id, created_at, next_retry_at, status)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?6, 'pending')`,
		provider, filePath, int64(startOffset), int64(endOffset), nullableString(sessionID), now,
	)
	if err != nil {
		return false, fmt.Errorf("spool enqueue: %w", err)
	}
	return true, nil
}

// DequeueBatch returns up to limit pending entries whose next_retry_at
// has elapsed, oldest first.
func (s *Spool) DequeueBatch(limit int) ([]SpoolEntry, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := s.db.Query(
		`SELECT id, provider, file_path, start_offset, end_offset, session_id, created_at, retry_count, last_error
		 FROM spool_queue
		 WHERE status = 'pending' AND next_retry_at <= ?1
		 ORDER BY created_at ASC
		 LIMIT ?2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("spool dequeue_batch: %w", err)
	}
	defer rows.Close()

	var out []SpoolEntry
	for rows.Next() {
		var (
			e           SpoolEntry
			start, end  int64
			sessionID   sql.NullString
			createdAt   string
			lastErr     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Provider, &e.FilePath, &start, &end, &sessionID, &createdAt, &e.RetryCount, &lastErr); err != nil {
			return nil, fmt.Errorf("spool dequeue_batch scan: %w", err)
		}
		e.StartOffset = uint64(start)
		e.EndOffset = uint64(end)
		e.SessionID = sessionID.String
		e.LastError = lastErr.String
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		} else {
			e.CreatedAt = time.Now().UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkShipped removes a successfully delivered entry.
func (s *Spool) MarkShipped(id int64) error {
	if _, err := s.db.Exec("DELETE FROM spool_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("spool mark_shipped %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt with the default retry
// ceiling, applying exponential backoff. Returns true if the entry is
// now permanently dead.
func (s *Spool) MarkFailed(id int64, errMsg string) (bool, error) {
	return s.MarkFailedWithMax(id, errMsg, DefaultMaxRetries)
}

// MarkFailedWithMax is MarkFailed with a caller-supplied retry ceiling.
func (s *Spool) MarkFailedWithMax(id int64, errMsg string, maxRetries int) (bool, error) {
	var retryCount int
	if err := s.db.QueryRow("SELECT retry_count FROM spool_queue WHERE id = ?", id).Scan(&retryCount); err != nil {
		return false, fmt.Errorf("spool mark_failed %d: %w", id, err)
	}
	newCount := retryCount + 1

	if newCount >= maxRetries {
		_, err := s.db.Exec(
			`UPDATE spool_queue SET status = 'dead', retry_count = ?1, last_error = ?2 WHERE id = ?3`,
			newCount, errMsg, id,
		)
		if err != nil {
			return false, fmt.Errorf("spool mark dead %d: %w", id, err)
		}
		return true, nil
	}

	backoffSecs := math.Min(BackoffBase*math.Pow(2, float64(newCount)), BackoffMax)
	nextRetry := time.Now().UTC().Add(time.Duration(backoffSecs) * time.Second).Format(time.RFC3339)

	_, err := s.db.Exec(
		`UPDATE spool_queue SET retry_count = ?1, last_error = ?2, next_retry_at = ?3 WHERE id = ?4`,
		newCount, errMsg, nextRetry, id,
	)
	if err != nil {
		return false, fmt.Errorf("spool mark_failed update %d: %w", id, err)
	}
	return false, nil
}

// PendingCount returns the number of entries still awaiting delivery.
func (s *Spool) PendingCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM spool_queue WHERE status = 'pending'").Scan(&n); err != nil {
		return 0, fmt.Errorf("spool pending_count: %w", err)
	}
	return n, nil
}

// TotalSize returns the total number of spool rows, for backpressure checks.
func (s *Spool) TotalSize() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM spool_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("spool total_size: %w", err)
	}
	return n, nil
}

// Cleanup removes dead and pending entries older than 7 days,
// regardless of status — a hard retention bound. Returns the count removed.
func (s *Spool) Cleanup() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339)

	deadResult, err := s.db.Exec("DELETE FROM spool_queue WHERE status = 'dead' AND created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("spool cleanup dead: %w", err)
	}
	deadN, _ := deadResult.RowsAffected()

	pendingResult, err := s.db.Exec("DELETE FROM spool_queue WHERE status = 'pending' AND created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("spool cleanup pending: %w", err)
	}
	pendingN, _ := pendingResult.RowsAffected()

	return int(deadN + pendingN), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

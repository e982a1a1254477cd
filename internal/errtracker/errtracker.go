// Package errtracker rate-limits error logging so a sustained outage
// doesn't flood the log: it logs the first failure and every 100th
// after that, then one recovery message on the first success after a
// run of failures.
package errtracker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker is safe for concurrent use; cheap to share across goroutines.
type Tracker struct {
	consecutive     atomic.Uint32
	totalSinceReset atomic.Uint32

	mu          sync.Mutex
	firstErrorAt time.Time
}

// New returns a zeroed Tracker.
func New() *Tracker {
	return &Tracker{}
}

// RecordError marks one failure and reports whether it should be
// logged: true for the 1st failure and every 100th after that.
func (t *Tracker) RecordError() bool {
	n := t.consecutive.Add(1) - 1
	t.totalSinceReset.Add(1)

	if n == 0 {
		t.mu.Lock()
		t.firstErrorAt = time.Now()
		t.mu.Unlock()
	}

	return n == 0 || (n+1)%100 == 0
}

// RecordSuccess marks one success. If it follows a run of failures, it
// returns the total error count since the run started (ok=true) so the
// caller can log a "recovered" message; otherwise ok is false.
func (t *Tracker) RecordSuccess() (count uint32, ok bool) {
	prev := t.consecutive.Swap(0)
	if prev == 0 {
		return 0, false
	}
	total := t.totalSinceReset.Swap(0)
	t.mu.Lock()
	t.firstErrorAt = time.Time{}
	t.mu.Unlock()
	return total, true
}

// ConsecutiveCount returns the current consecutive-error count.
func (t *Tracker) ConsecutiveCount() uint32 {
	return t.consecutive.Load()
}

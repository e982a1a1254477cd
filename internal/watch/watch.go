// Package watch wraps fsnotify to deliver batches of changed session
// file paths, coalesced over a flush interval so bursts of JSONL
// appends don't starve the daemon loop.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cipher982/longhouse-shipper/internal/logger"
	"github.com/cipher982/longhouse-shipper/internal/provider"
)

// sessionExtensions are the file extensions watched events are filtered to.
var sessionExtensions = map[string]bool{".jsonl": true, ".json": true}

// channelCapacity bounds the watcher's internal event channel. Unlike
// the original's unbounded channel, a daemon that falls behind drops
// the newest event rather than growing memory without limit — the
// periodic fallback scan (see daemon) catches anything dropped here.
const channelCapacity = 2048

// Watcher delivers batches of changed session file paths.
type Watcher struct {
	fsw *fsnotify.Watcher
	ch  chan string

	mu        sync.Mutex
	dropped   uint64
	lastWarn  time.Time
}

// New starts watching every provider's root directory recursively.
func New(providers []provider.Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw: fsw,
		ch:  make(chan string, channelCapacity),
	}

	for _, p := range providers {
		if err := addRecursive(fsw, p.Root); err != nil {
			logger.Warn("watch: failed to watch provider root", "provider", p.Name, "root", p.Root, "error", err)
			continue
		}
		logger.Info("watching for sessions", "provider", p.Name, "root", p.Root)
	}

	go w.pump()
	return w, nil
}

func (w *Watcher) pump() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				close(w.ch)
				return
			}
			if !relevant(event) {
				continue
			}
			path := event.Name
			if !hasSessionExtension(path) || isTempFile(path) {
				continue
			}
			select {
			case w.ch <- path:
			default:
				w.recordDrop(path)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) recordDrop(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped++
	if time.Since(w.lastWarn) >= time.Second {
		logger.Warn("watch: event channel full, dropping newest event", "dropped_total", w.dropped, "path", path)
		w.lastWarn = time.Now()
	}
}

// NextBatch blocks until at least one changed path arrives, then
// collects additional paths for flushInterval before returning the
// deduplicated batch. This throttles rather than debounces — it always
// flushes on schedule even under sustained writes. Returns nil if the
// watcher was closed.
func (w *Watcher) NextBatch(flushInterval time.Duration) []string {
	first, ok := <-w.ch
	if !ok {
		return nil
	}

	batch := map[string]struct{}{first: {}}
	deadline := time.NewTimer(flushInterval)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return collectKeys(batch)
		case path, ok := <-w.ch:
			if !ok {
				return collectKeys(batch)
			}
			batch[path] = struct{}{}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}

func relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func hasSessionExtension(path string) bool {
	for ext := range sessionExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func isTempFile(path string) bool {
	name := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		name = path[idx+1:]
	}
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, "~") ||
		strings.Contains(name, ".#")
}

func collectKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Package outbox drains presence events written by editor hooks to
// ~/.claude/outbox/ instead of calling the API directly. Keeping the
// hook hot path free of network I/O lets hooks run synchronously
// without risking a stall.
package outbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cipher982/longhouse-shipper/internal/transport"
)

// staleAfter is the maximum age for an outbox file before it is
// deleted unread — presence is ephemeral, not worth retrying forever.
const staleAfter = 10 * time.Minute

type candidate struct {
	path    string
	bytes   []byte
	modTime time.Time
}

// Drain reads all ready presence files from dir, coalesces them by
// session_id (latest mtime wins), POSTs each to /api/agents/presence,
// and deletes files on success. Files kept on failure are retried on
// the next tick. Returns (sent, kept).
func Drain(ctx context.Context, dir string, client *transport.Client) (sent, kept int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}

	now := time.Now()
	bySession := make(map[string]candidate)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		info, err := entry.Info()
		if err == nil && now.Sub(info.ModTime()) > staleAfter {
			os.Remove(path)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			os.Remove(path)
			continue
		}
		sid, _ := parsed["session_id"].(string)
		if sid == "" {
			os.Remove(path)
			continue
		}

		modTime := time.Unix(0, 0)
		if info != nil {
			modTime = info.ModTime()
		}

		if existing, ok := bySession[sid]; ok {
			if modTime.After(existing.modTime) {
				os.Remove(existing.path)
				bySession[sid] = candidate{path: path, bytes: data, modTime: modTime}
			} else {
				os.Remove(path)
			}
			continue
		}
		bySession[sid] = candidate{path: path, bytes: data, modTime: modTime}
	}

	for _, c := range bySession {
		if err := client.PostJSON(ctx, "/api/agents/presence", c.bytes); err != nil {
			kept++
			continue
		}
		os.Remove(c.path)
		sent++
	}

	return sent, kept
}

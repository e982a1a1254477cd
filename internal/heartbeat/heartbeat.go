// Package heartbeat periodically reports daemon health to the ingest
// API and writes a local status file for support/debugging.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cipher982/longhouse-shipper/internal/buildinfo"
	"github.com/cipher982/longhouse-shipper/internal/errtracker"
	"github.com/cipher982/longhouse-shipper/internal/state"
	"github.com/cipher982/longhouse-shipper/internal/transport"
)

// Payload is the heartbeat body sent to the server and mirrored to
// the local status file.
type Payload struct {
	Version                 string `json:"version"`
	DaemonPID               int    `json:"daemon_pid"`
	LastShipAt              string `json:"last_ship_at,omitempty"`
	SpoolPendingCount       int    `json:"spool_pending_count"`
	ParseErrorCount1h       uint32 `json:"parse_error_count_1h"`
	ConsecutiveShipFailures uint32 `json:"consecutive_ship_failures"`
	DiskFreeBytes           uint64 `json:"disk_free_bytes"`
	IsOffline               bool   `json:"is_offline"`
}

// Stats is everything needed to build a heartbeat.
type Stats struct {
	Spool      *state.Spool
	Tracker    *errtracker.Tracker
	IsOffline  bool
	LastShipAt string
}

// Build assembles a Payload from current runtime state.
func Build(stats Stats, claudeDir string) Payload {
	pending, _ := stats.Spool.PendingCount()

	return Payload{
		Version:                 buildinfo.Version,
		DaemonPID:               os.Getpid(),
		LastShipAt:              stats.LastShipAt,
		SpoolPendingCount:       pending,
		ConsecutiveShipFailures: stats.Tracker.ConsecutiveCount(),
		DiskFreeBytes:           diskFreeBytes(claudeDir),
		IsOffline:               stats.IsOffline,
	}
}

// Send POSTs the heartbeat to the ingest API's heartbeat endpoint.
func Send(ctx context.Context, client *transport.Client, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return client.PostJSON(ctx, "/api/agents/heartbeat", body)
}

// WriteStatusFile writes the heartbeat payload plus a last_updated
// timestamp to <claudeDir>/engine-status.json, best-effort.
func WriteStatusFile(payload Payload, claudeDir string) {
	status := struct {
		Payload
		LastUpdated string `json:"last_updated"`
	}{Payload: payload, LastUpdated: time.Now().UTC().Format(time.RFC3339)}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(claudeDir, "engine-status.json"), data, 0o644)
}

// diskFreeBytes returns the free bytes on the filesystem containing
// path, or 0 if it cannot be determined.
func diskFreeBytes(path string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize)
}

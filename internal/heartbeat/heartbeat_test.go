package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cipher982/longhouse-shipper/internal/errtracker"
	"github.com/cipher982/longhouse-shipper/internal/state"
)

func testSpool(t *testing.T) *state.Spool {
	t.Helper()
	dir := t.TempDir()
	s, err := state.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return state.NewSpool(s)
}

func TestBuildPayloadFields(t *testing.T) {
	spool := testSpool(t)
	spool.Enqueue("claude", "/f", 0, 100, "")

	tracker := errtracker.New()
	tracker.RecordError()
	tracker.RecordError()

	payload := Build(Stats{
		Spool:      spool,
		Tracker:    tracker,
		IsOffline:  false,
		LastShipAt: "2026-02-18T10:00:00Z",
	}, t.TempDir())

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	json.Unmarshal(data, &parsed)

	if parsed["spool_pending_count"].(float64) != 1 {
		t.Errorf("spool_pending_count = %v, want 1", parsed["spool_pending_count"])
	}
	if parsed["consecutive_ship_failures"].(float64) != 2 {
		t.Errorf("consecutive_ship_failures = %v, want 2", parsed["consecutive_ship_failures"])
	}
	if parsed["is_offline"].(bool) != false {
		t.Error("is_offline should be false")
	}
	if parsed["last_ship_at"] != "2026-02-18T10:00:00Z" {
		t.Errorf("last_ship_at = %v", parsed["last_ship_at"])
	}
}

func TestBuildPayloadOmitsEmptyLastShipAt(t *testing.T) {
	spool := testSpool(t)
	payload := Build(Stats{Spool: spool, Tracker: errtracker.New(), IsOffline: true}, t.TempDir())

	data, _ := json.Marshal(payload)
	var parsed map[string]any
	json.Unmarshal(data, &parsed)
	if _, present := parsed["last_ship_at"]; present {
		t.Error("last_ship_at should be omitted when empty")
	}
}

func TestWriteStatusFile(t *testing.T) {
	dir := t.TempDir()
	payload := Payload{Version: "0.1.0", DaemonPID: 123}
	WriteStatusFile(payload, dir)

	data, err := os.ReadFile(filepath.Join(dir, "engine-status.json"))
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["version"] != "0.1.0" {
		t.Errorf("version = %v", parsed["version"])
	}
	if _, ok := parsed["last_updated"]; !ok {
		t.Error("expected last_updated field")
	}
}

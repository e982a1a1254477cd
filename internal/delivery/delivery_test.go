package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cipher982/longhouse-shipper/internal/config"
	"github.com/cipher982/longhouse-shipper/internal/payload"
	"github.com/cipher982/longhouse-shipper/internal/provider"
	"github.com/cipher982/longhouse-shipper/internal/state"
	"github.com/cipher982/longhouse-shipper/internal/transport"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := state.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeSessionFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	line := `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-01-01T00:00:00Z","cwd":"/proj","message":{"role":"user","content":"hello"}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrepareFileNewContent(t *testing.T) {
	s := newTestStore(t)
	fs := state.NewFileState(s)
	dir := t.TempDir()
	path := writeSessionFile(t, dir)

	items, err := PrepareFile(path, "claude", payload.AlgoGzip, fs, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item for new content, got %d", len(items))
	}
	if items[0].EventCount != 1 {
		t.Errorf("event count = %d, want 1", items[0].EventCount)
	}
}

func TestPrepareFileNoNewContent(t *testing.T) {
	s := newTestStore(t)
	fs := state.NewFileState(s)
	dir := t.TempDir()
	path := writeSessionFile(t, dir)

	info, _ := os.Stat(path)
	fs.SetOffset(path, uint64(info.Size()), "s1", "s1", "claude")

	items, err := PrepareFile(path, "claude", payload.AlgoGzip, fs, 0)
	if err != nil {
		t.Fatal(err)
	}
	if items != nil {
		t.Errorf("expected no items, got %+v", items)
	}
}

func TestPrepareFileTruncationResets(t *testing.T) {
	s := newTestStore(t)
	fs := state.NewFileState(s)
	dir := t.TempDir()
	path := writeSessionFile(t, dir)

	fs.SetOffset(path, 99999, "s1", "s1", "claude")

	items, err := PrepareFile(path, "claude", payload.AlgoGzip, fs, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item after truncation reset, got %d", len(items))
	}
	if items[0].Offset != 0 {
		t.Errorf("offset = %d, want 0 after truncation", items[0].Offset)
	}
}

func TestShipAndRecordSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	client := transport.NewClient(cfg)

	item := &Item{Path: "/f", Provider: "claude", Offset: 0, NewOffset: 100, EventCount: 1, SessionID: "s1", Compressed: []byte("x")}
	events, _, err := ShipAndRecord(context.Background(), item, client, fs, spool)
	if err != nil {
		t.Fatal(err)
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}
	off, _ := fs.GetOffset("/f")
	if off != 100 {
		t.Errorf("offset = %d, want 100", off)
	}
}

func TestShipAndRecordServerErrorSpools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	client := transport.NewClient(cfg)

	item := &Item{Path: "/f", Provider: "claude", Offset: 0, NewOffset: 100, EventCount: 1, SessionID: "s1", Compressed: []byte("x")}
	events, _, err := ShipAndRecord(context.Background(), item, client, fs, spool)
	if err != nil {
		t.Fatal(err)
	}
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
	n, _ := spool.PendingCount()
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
	qoff, _ := fs.GetQueuedOffset("/f")
	if qoff != 100 {
		t.Errorf("queued offset = %d, want 100", qoff)
	}
}

func TestShipAndRecordClientErrorSkips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	client := transport.NewClient(cfg)

	item := &Item{Path: "/f", Provider: "claude", Offset: 0, NewOffset: 100, EventCount: 1, SessionID: "s1", Compressed: []byte("x")}
	events, _, err := ShipAndRecord(context.Background(), item, client, fs, spool)
	if err != nil {
		t.Fatal(err)
	}
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
	off, _ := fs.GetOffset("/f")
	if off != 100 {
		t.Errorf("offset should advance past bad data, got %d", off)
	}
	n, _ := spool.PendingCount()
	if n != 0 {
		t.Errorf("client error should not spool, pending = %d", n)
	}
}

func TestRunStartupRecovery(t *testing.T) {
	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)

	fs.SetQueuedOffset("/f", 2000, "claude", "s1", "s1")

	count, err := RunStartupRecovery(fs, spool)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("recovered count = %d, want 1", count)
	}
	n, _ := spool.PendingCount()
	if n != 1 {
		t.Errorf("spool pending = %d, want 1", n)
	}
}

func TestFullScanDiscoversAndShips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	os.MkdirAll(root, 0o755)
	writeSessionFile(t, root)

	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	cfg.Timeout = 5 * time.Second
	client := transport.NewClient(cfg)

	providers := []provider.Config{{Name: "claude", Root: root, Extension: ".jsonl"}}
	filesShipped, eventsShipped, err := FullScan(context.Background(), providers, fs, spool, client, payload.AlgoGzip, 0)
	if err != nil {
		t.Fatal(err)
	}
	if filesShipped != 1 {
		t.Errorf("files shipped = %d, want 1", filesShipped)
	}
	if eventsShipped != 1 {
		t.Errorf("events shipped = %d, want 1", eventsShipped)
	}
}

func TestBulkFullScanDiscoversAndShips(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	os.MkdirAll(root, 0o755)
	writeSessionFile(t, root)

	s := newTestStore(t)
	fs := state.NewFileState(s)
	spool := state.NewSpool(s)
	cfg := config.Default()
	cfg.APIURL = srv.URL
	cfg.Timeout = 5 * time.Second
	client := transport.NewClient(cfg)

	providers := []provider.Config{{Name: "claude", Root: root, Extension: ".jsonl"}}
	filesShipped, eventsShipped, err := BulkFullScan(context.Background(), providers, fs, spool, client, payload.AlgoGzip, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if filesShipped != 1 {
		t.Errorf("files shipped = %d, want 1", filesShipped)
	}
	if eventsShipped != 1 {
		t.Errorf("events shipped = %d, want 1", eventsShipped)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestPrepareFileSplitsOversizedFile(t *testing.T) {
	s := newTestStore(t)
	fs := state.NewFileState(s)
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	var lines string
	for i := 0; i < 5; i++ {
		lines += `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-01-01T00:00:00Z","cwd":"/proj","message":{"role":"user","content":"hello world this is a longer message body"}}` + "\n"
	}
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := PrepareFile(path, "claude", payload.AlgoGzip, fs, 80)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) < 2 {
		t.Fatalf("expected multiple items under a tight byte cap, got %d", len(items))
	}

	total := 0
	cursor := uint64(0)
	for _, item := range items {
		if item.Offset != cursor {
			t.Errorf("item offset = %d, want %d (cursor continuity)", item.Offset, cursor)
		}
		cursor = item.NewOffset
		total += item.EventCount
	}
	if total != 5 {
		t.Errorf("total events across items = %d, want 5", total)
	}
	info, _ := os.Stat(path)
	if cursor != uint64(info.Size()) {
		t.Errorf("final cursor = %d, want file size %d", cursor, info.Size())
	}
}

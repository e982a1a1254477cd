package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeJSONL(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseUserMessage(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:00Z","message":{"content":"Hello world"},"cwd":"/home/user/project","gitBranch":"main"}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	ev := result.Events[0]
	if ev.Role != RoleUser || ev.ContentText != "Hello world" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if result.Metadata.CWD != "/home/user/project" || result.Metadata.GitBranch != "main" {
		t.Errorf("unexpected metadata: %+v", result.Metadata)
	}
	if result.Metadata.Project != "project" {
		t.Errorf("Project = %q, want project", result.Metadata.Project)
	}
}

func TestParseAssistantTextAndTool(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:01Z","message":{"content":[{"type":"text","text":"Let me check"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/tmp/foo"}}]}}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(result.Events))
	}
	if result.Events[0].Role != RoleAssistant || result.Events[0].ContentText != "Let me check" {
		t.Errorf("unexpected first event: %+v", result.Events[0])
	}
	if result.Events[0].RawLine == "" {
		t.Error("first event should carry RawLine")
	}
	if result.Events[1].ToolName != "Read" {
		t.Errorf("unexpected second event: %+v", result.Events[1])
	}
	if result.Events[1].RawLine != "" {
		t.Error("second event should not carry RawLine")
	}
}

func TestRawLineDedup(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:01Z","message":{"content":[{"type":"text","text":"one"},{"type":"text","text":"two"},{"type":"text","text":"three"}]}}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(result.Events))
	}
	if result.Events[0].RawLine == "" || result.Events[1].RawLine != "" || result.Events[2].RawLine != "" {
		t.Error("only the first event from a line should carry RawLine")
	}
}

func TestToolResultExtraction(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:02Z","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file contents here"}]}}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	if result.Events[0].Role != RoleTool || result.Events[0].ToolOutputText != "file contents here" {
		t.Errorf("unexpected event: %+v", result.Events[0])
	}
}

func TestSkipMetadataTypes(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"summary","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"file-history-snapshot","timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"progress","timestamp":"2026-01-01T00:00:02Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:03Z","message":{"content":"real message"}}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	if result.Events[0].ContentText != "real message" {
		t.Errorf("unexpected event: %+v", result.Events[0])
	}
}

func TestOffsetResume(t *testing.T) {
	dir := t.TempDir()
	line1 := `{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:00Z","message":{"content":"first"}}`
	line2 := `{"type":"user","uuid":"u2","timestamp":"2026-01-01T00:00:01Z","message":{"content":"second"}}`
	path := writeJSONL(t, dir, "test-session.jsonl", []string{line1, line2})

	offset := uint64(len(line1) + 1)
	result, err := ParseSessionFile(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	if result.Events[0].ContentText != "second" {
		t.Errorf("unexpected event: %+v", result.Events[0])
	}
}

func TestPartialLineAtEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test-session.jsonl")
	complete := `{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:00Z","message":{"content":"complete"}}`
	partial := `{"type":"user","uuid":"u2","timestamp":"2026-01-01T00:00:01Z","message":{"con`
	if err := os.WriteFile(path, []byte(complete+"\n"+partial), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	if result.Events[0].ContentText != "complete" {
		t.Errorf("unexpected event: %+v", result.Events[0])
	}
}

func TestMetadataTimestamps(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "test-session.jsonl", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"content":"early"},"cwd":"/proj","version":"1.0"}`,
		`{"type":"user","uuid":"u2","timestamp":"2026-01-01T12:00:00Z","message":{"content":"late"}}`,
	})

	result, err := ParseSessionFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Metadata.StartedAt == nil || result.Metadata.EndedAt == nil {
		t.Fatal("expected started/ended timestamps to be set")
	}
	if !result.Metadata.StartedAt.Before(*result.Metadata.EndedAt) {
		t.Error("StartedAt should be before EndedAt")
	}
	if result.Metadata.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", result.Metadata.Version)
	}
}

// Package payload builds the JSON ingest payload shipped to the
// remote endpoint and streams it directly into a compressor, never
// materializing the full uncompressed JSON in memory.
package payload

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cipher982/longhouse-shipper/internal/parser"
)

var (
	hostnameOnce sync.Once
	hostname     string
)

func cachedHostname() string {
	hostnameOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil || h == "" {
			hostname = "unknown"
			return
		}
		hostname = h
	})
	return hostname
}

// IngestPayload is the wire shape the ingest endpoint expects — one
// session's worth of events plus session-level metadata.
type IngestPayload struct {
	ID                string         `json:"id"`
	Provider          string         `json:"provider"`
	Environment       string         `json:"environment"`
	Project           string         `json:"project,omitempty"`
	DeviceID          string         `json:"device_id"`
	CWD               string         `json:"cwd,omitempty"`
	GitRepo           string         `json:"git_repo,omitempty"`
	GitBranch         string         `json:"git_branch,omitempty"`
	StartedAt         string         `json:"started_at"`
	EndedAt           string         `json:"ended_at,omitempty"`
	ProviderSessionID string         `json:"provider_session_id"`
	Events            []EventIngest  `json:"events"`
}

// EventIngest is one event within an IngestPayload.
type EventIngest struct {
	Role           string          `json:"role"`
	ContentText    string          `json:"content_text,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInputJSON  json.RawMessage `json:"tool_input_json,omitempty"`
	ToolOutputText string          `json:"tool_output_text,omitempty"`
	Timestamp      string          `json:"timestamp"`
	SourcePath     string          `json:"source_path"`
	SourceOffset   uint64          `json:"source_offset"`
	RawJSON        string          `json:"raw_json,omitempty"`
}

// BuildPayload assembles an IngestPayload from a parse result.
func BuildPayload(sessionID string, events []parser.ParsedEvent, metadata parser.SessionMetadata, sourcePath, provider string) IngestPayload {
	startedAt := ""
	if metadata.StartedAt != nil {
		startedAt = metadata.StartedAt.Format(time.RFC3339)
	} else if t, ok := minTimestamp(events); ok {
		startedAt = t.Format(time.RFC3339)
	} else {
		startedAt = time.Now().UTC().Format(time.RFC3339)
	}

	endedAt := ""
	if metadata.EndedAt != nil {
		endedAt = metadata.EndedAt.Format(time.RFC3339)
	} else if t, ok := maxTimestamp(events); ok {
		endedAt = t.Format(time.RFC3339)
	}

	ingests := make([]EventIngest, len(events))
	for i, e := range events {
		ingests[i] = EventIngest{
			Role:           string(e.Role),
			ContentText:    e.ContentText,
			ToolName:       e.ToolName,
			ToolInputJSON:  e.ToolInputJSON,
			ToolOutputText: e.ToolOutputText,
			Timestamp:      e.Timestamp.Format(time.RFC3339),
			SourcePath:     sourcePath,
			SourceOffset:   e.SourceOffset,
			RawJSON:        e.RawLine,
		}
	}

	return IngestPayload{
		ID:                sessionID,
		Provider:          provider,
		Environment:       "production",
		Project:           metadata.Project,
		DeviceID:          "shipper-" + cachedHostname(),
		CWD:               metadata.CWD,
		GitBranch:         metadata.GitBranch,
		StartedAt:         startedAt,
		EndedAt:           endedAt,
		ProviderSessionID: metadata.SessionID,
		Events:            ingests,
	}
}

// SplitEvents partitions a file's events into groups so that no
// group's estimated uncompressed size exceeds maxBatchBytes, letting
// callers build one IngestPayload per group instead of one unbounded
// payload per file. maxBatchBytes <= 0 disables splitting. Splits
// only fall between events, never inside one, so a single oversized
// event still ships alone rather than being dropped.
func SplitEvents(events []parser.ParsedEvent, maxBatchBytes int64) [][]parser.ParsedEvent {
	if maxBatchBytes <= 0 || len(events) == 0 {
		return [][]parser.ParsedEvent{events}
	}

	var groups [][]parser.ParsedEvent
	start := 0
	var size int64
	for i, e := range events {
		estimated := estimatedEventSize(e)
		if size+estimated > maxBatchBytes && i > start {
			groups = append(groups, events[start:i])
			start = i
			size = 0
		}
		size += estimated
	}
	groups = append(groups, events[start:])
	return groups
}

func estimatedEventSize(e parser.ParsedEvent) int64 {
	return int64(len(e.ContentText) + len(e.ToolName) + len(e.ToolInputJSON) + len(e.ToolOutputText) + len(e.RawLine) + 128)
}

func minTimestamp(events []parser.ParsedEvent) (time.Time, bool) {
	if len(events) == 0 {
		return time.Time{}, false
	}
	min := events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(min) {
			min = e.Timestamp
		}
	}
	return min, true
}

func maxTimestamp(events []parser.ParsedEvent) (time.Time, bool) {
	if len(events) == 0 {
		return time.Time{}, false
	}
	max := events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max, true
}

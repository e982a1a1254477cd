// Package parser incrementally parses Claude Code, Codex, and Gemini
// session transcript files (JSONL) into normalized events.
package parser

import (
	"encoding/json"
	"time"
)

// MmapThreshold is the file size above which ParseSessionFile switches
// from a buffered reader to a memory-mapped read.
const MmapThreshold = 1 << 20 // 1 MiB

// Role identifies who produced an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParsedEvent is a single normalized event extracted from a session
// transcript line. Exactly one event per source line carries RawLine;
// the rest from the same line leave it empty to avoid shipping the
// same source bytes N times.
type ParsedEvent struct {
	UUID           string          `json:"uuid"`
	SessionID      string          `json:"session_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Role           Role            `json:"role"`
	ContentText    string          `json:"content_text,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInputJSON  json.RawMessage `json:"tool_input_json,omitempty"`
	ToolOutputText string          `json:"tool_output_text,omitempty"`
	SourceOffset   uint64          `json:"source_offset"`
	RawType        string          `json:"raw_type"`
	RawLine        string          `json:"raw_line,omitempty"`
}

// SessionMetadata is the summary metadata gathered across an entire
// parse pass over a session file.
type SessionMetadata struct {
	SessionID string     `json:"session_id"`
	CWD       string     `json:"cwd,omitempty"`
	GitBranch string     `json:"git_branch,omitempty"`
	Project   string     `json:"project,omitempty"`
	Version   string     `json:"version,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ParseResult is everything a single parse pass produces.
type ParseResult struct {
	Events         []ParsedEvent
	LastGoodOffset uint64
	Metadata       SessionMetadata
}

// rawLine is the minimal top-level shape every transcript line shares.
// message.content is kept as json.RawMessage so the common path never
// builds a full DOM for it — extraction decodes content on demand.
type rawLine struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	UUID      string      `json:"uuid"`
	CWD       string      `json:"cwd"`
	GitBranch string      `json:"gitBranch"`
	Version   string      `json:"version"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Content json.RawMessage `json:"content"`
}

// contentItem is the minimal shape of one entry in a message's content
// array. input and result content are kept raw: input in particular
// must never be re-serialized through a decoded map, or key order and
// number formatting can drift from the original bytes.
type contentItem struct {
	Type          string          `json:"type"`
	Text          string          `json:"text"`
	Name          string          `json:"name"`
	ID            string          `json:"id"`
	Input         json.RawMessage `json:"input"`
	ToolUseID     string          `json:"tool_use_id"`
	ResultContent json.RawMessage `json:"content"`
}

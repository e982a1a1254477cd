package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ParseSessionFile parses a JSONL session transcript starting at the
// given byte offset, returning the events found, the offset to resume
// from next time (excluding any trailing partial line), and session
// metadata gathered from the lines read in this pass.
func ParseSessionFile(path string, offset uint64) (ParseResult, error) {
	// Bare file stem, not a full-path-derived UUID — matches the
	// reference parser's file_stem() fallback for subagent files.
	sessionID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if sessionID == "" {
		sessionID = "unknown"
	}

	info, err := os.Stat(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	size := uint64(info.Size())

	if size <= offset {
		return ParseResult{
			LastGoodOffset: offset,
			Metadata:       SessionMetadata{SessionID: sessionID},
		}, nil
	}

	if size > MmapThreshold {
		return parseMmap(path, offset, sessionID)
	}
	return parseBuffered(path, offset, sessionID)
}

func parseMmap(path string, offset uint64, sessionID string) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ParseResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return ParseResult{LastGoodOffset: offset, Metadata: SessionMetadata{SessionID: sessionID}}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return ParseResult{}, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer unix.Munmap(data)

	if offset >= uint64(len(data)) {
		return ParseResult{LastGoodOffset: offset, Metadata: SessionMetadata{SessionID: sessionID}}, nil
	}
	region := data[offset:]

	p := &passState{metadata: SessionMetadata{SessionID: sessionID}}
	lastGood := offset

	pos := 0
	for pos < len(region) {
		lineStart := pos
		nl := bytes.IndexByte(region[pos:], '\n')
		if nl < 0 {
			break // partial line at EOF, don't advance offset
		}
		lineEnd := pos + nl

		lineOffset := offset + uint64(lineStart)
		afterLine := offset + uint64(lineEnd) + 1

		lineBytes := region[lineStart:lineEnd]
		pos = lineEnd + 1

		trimmed := bytes.TrimSpace(lineBytes)
		if len(trimmed) == 0 {
			lastGood = afterLine
			continue
		}

		var obj rawLine
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			lastGood = afterLine
			continue
		}
		lastGood = afterLine

		p.collectMetadata(&obj)
		p.extractEvents(&obj, lineOffset, string(trimmed))
	}

	p.finalize()
	return ParseResult{Events: p.events, LastGoodOffset: lastGood, Metadata: p.metadata}, nil
}

func parseBuffered(path string, offset uint64, sessionID string) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(int64(offset), 0); err != nil {
			return ParseResult{}, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	reader := bufio.NewReaderSize(f, 64*1024)

	p := &passState{metadata: SessionMetadata{SessionID: sessionID}}
	currentOffset := offset

	for {
		lineBytes, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break // partial line at EOF (or none), don't advance offset
		}
		if err != nil {
			return ParseResult{}, fmt.Errorf("reading %s: %w", path, err)
		}
		lineOffset := currentOffset
		currentOffset += uint64(len(lineBytes))

		trimmed := strings.TrimSpace(string(lineBytes))
		if trimmed == "" {
			continue
		}

		var obj rawLine
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			continue
		}

		p.collectMetadata(&obj)
		p.extractEvents(&obj, lineOffset, trimmed)
	}

	p.finalize()
	return ParseResult{Events: p.events, LastGoodOffset: currentOffset, Metadata: p.metadata}, nil
}

// passState accumulates events and metadata across one parse pass.
type passState struct {
	events   []ParsedEvent
	metadata SessionMetadata
	minTS    *time.Time
	maxTS    *time.Time
}

func (p *passState) collectMetadata(obj *rawLine) {
	if p.metadata.CWD == "" && obj.CWD != "" {
		p.metadata.CWD = obj.CWD
	}
	if p.metadata.GitBranch == "" && obj.GitBranch != "" {
		p.metadata.GitBranch = obj.GitBranch
	}
	if p.metadata.Version == "" && obj.Version != "" {
		p.metadata.Version = obj.Version
	}
	if ts, ok := parseTimestamp(obj.Timestamp); ok {
		if p.minTS == nil || ts.Before(*p.minTS) {
			p.minTS = &ts
		}
		if p.maxTS == nil || ts.After(*p.maxTS) {
			p.maxTS = &ts
		}
	}
}

func (p *passState) finalize() {
	p.metadata.StartedAt = p.minTS
	p.metadata.EndedAt = p.maxTS
	if p.metadata.CWD != "" {
		p.metadata.Project = filepath.Base(p.metadata.CWD)
	}
}

func (p *passState) extractEvents(obj *rawLine, lineOffset uint64, rawLineStr string) {
	switch obj.Type {
	case "summary", "file-history-snapshot", "progress":
		return
	}

	timestamp, ok := parseTimestamp(obj.Timestamp)
	if !ok {
		timestamp = time.Now().UTC()
	}

	msgUUID := obj.UUID
	if msgUUID == "" {
		msgUUID = uuid.NewString()
	}

	if obj.Message == nil {
		return
	}
	contentStr := string(obj.Message.Content)

	switch obj.Type {
	case "user":
		p.extractUserEvents(contentStr, msgUUID, timestamp, lineOffset, rawLineStr)
	case "assistant":
		p.extractAssistantEvents(contentStr, msgUUID, timestamp, lineOffset, rawLineStr)
	}
}

func (p *passState) extractUserEvents(contentStr, msgUUID string, timestamp time.Time, lineOffset uint64, rawLine string) {
	var items []contentItem
	if err := json.Unmarshal([]byte(contentStr), &items); err == nil {
		hasToolResult := false
		for _, item := range items {
			if item.Type == "tool_result" {
				hasToolResult = true
				break
			}
		}
		if hasToolResult {
			p.extractToolResultsFromItems(items, msgUUID, timestamp, lineOffset, rawLine)
			return
		}
		text := extractUserContentFromItems(items)
		if strings.TrimSpace(text) != "" {
			p.events = append(p.events, ParsedEvent{
				UUID:         msgUUID,
				SessionID:    p.metadata.SessionID,
				Timestamp:    timestamp,
				Role:         RoleUser,
				ContentText:  text,
				SourceOffset: lineOffset,
				RawType:      "user",
				RawLine:      rawLine,
			})
		}
		return
	}

	var text string
	if err := json.Unmarshal([]byte(contentStr), &text); err == nil {
		if strings.TrimSpace(text) != "" {
			p.events = append(p.events, ParsedEvent{
				UUID:         msgUUID,
				SessionID:    p.metadata.SessionID,
				Timestamp:    timestamp,
				Role:         RoleUser,
				ContentText:  text,
				SourceOffset: lineOffset,
				RawType:      "user",
				RawLine:      rawLine,
			})
		}
	}
}

func (p *passState) extractAssistantEvents(contentStr, msgUUID string, timestamp time.Time, lineOffset uint64, rawLine string) {
	var items []contentItem
	if err := json.Unmarshal([]byte(contentStr), &items); err != nil {
		return
	}

	first := true
	for idx, item := range items {
		switch item.Type {
		case "text":
			if strings.TrimSpace(item.Text) == "" {
				continue
			}
			ev := ParsedEvent{
				UUID:         fmt.Sprintf("%s-text-%d", msgUUID, idx),
				SessionID:    p.metadata.SessionID,
				Timestamp:    timestamp,
				Role:         RoleAssistant,
				ContentText:  item.Text,
				SourceOffset: lineOffset,
				RawType:      "assistant",
			}
			if first {
				ev.RawLine = rawLine
				first = false
			}
			p.events = append(p.events, ev)

		case "tool_use":
			suffix := item.ID
			if suffix == "" {
				suffix = fmt.Sprintf("%d", idx)
			}
			var toolInput json.RawMessage
			if len(item.Input) > 0 {
				trimmed := bytes.TrimSpace(item.Input)
				if len(trimmed) > 0 && trimmed[0] == '{' {
					toolInput = item.Input
				}
			}
			ev := ParsedEvent{
				UUID:          fmt.Sprintf("%s-tool-%s", msgUUID, suffix),
				SessionID:     p.metadata.SessionID,
				Timestamp:     timestamp,
				Role:          RoleAssistant,
				ToolName:      item.Name,
				ToolInputJSON: toolInput,
				SourceOffset:  lineOffset,
				RawType:       "assistant",
			}
			if first {
				ev.RawLine = rawLine
				first = false
			}
			p.events = append(p.events, ev)
		}
	}
}

func (p *passState) extractToolResultsFromItems(items []contentItem, msgUUID string, timestamp time.Time, lineOffset uint64, rawLine string) {
	first := true
	for idx, item := range items {
		if item.Type != "tool_result" {
			continue
		}
		suffix := item.ToolUseID
		if suffix == "" {
			suffix = fmt.Sprintf("%d", idx)
		}

		text, ok := extractTextFromRawContent(item.ResultContent)
		if !ok || text == "" {
			continue
		}

		ev := ParsedEvent{
			UUID:           fmt.Sprintf("%s-result-%s", msgUUID, suffix),
			SessionID:      p.metadata.SessionID,
			Timestamp:      timestamp,
			Role:           RoleTool,
			ToolOutputText: text,
			SourceOffset:   lineOffset,
			RawType:        "tool_result",
		}
		if first {
			ev.RawLine = rawLine
			first = false
		}
		p.events = append(p.events, ev)
	}
}

func extractUserContentFromItems(items []contentItem) string {
	var parts []string
	for _, item := range items {
		switch item.Type {
		case "text":
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		case "tool_result":
			if text, ok := extractTextFromRawContent(item.ResultContent); ok {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// extractTextFromRawContent handles a tool_result content field, which
// may be a plain JSON string, an array of {type:"text", text:"..."}
// parts, or something else entirely (returned verbatim as a fallback).
func extractTextFromRawContent(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, true
		}
	}

	if trimmed[0] == '[' {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(trimmed, &parts); err == nil {
			var texts []string
			for _, part := range parts {
				if part.Type == "text" && part.Text != "" {
					texts = append(texts, part.Text)
				}
			}
			if len(texts) == 0 {
				return "", false
			}
			return strings.Join(texts, "\n"), true
		}
	}

	return string(trimmed), true
}

// parseTimestamp parses an RFC3339 timestamp, falling back to
// replacing a trailing "Z" with "+00:00" for layouts time.Parse
// otherwise rejects.
func parseTimestamp(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UTC(), true
	}
	normalized := ts
	if strings.HasSuffix(ts, "Z") {
		normalized = ts[:len(ts)-1] + "+00:00"
	}
	if t, err := time.Parse(time.RFC3339Nano, normalized); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

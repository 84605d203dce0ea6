// Package transcript reads agent conversation transcripts stored as JSON
// lines, one file per external session, and tails them for live updates.
package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// entry is one transcript line. Only user and assistant lines carry
// conversation messages; summaries and bookkeeping lines are skipped.
type entry struct {
	Type      string        `json:"type"`
	UUID      string        `json:"uuid"`
	Timestamp string        `json:"timestamp"`
	SessionID string        `json:"sessionId"`
	IsMeta    bool          `json:"isMeta"`
	Message   *entryMessage `json:"message"`
}

type entryMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolUseID string `json:"tool_use_id"`
}

// parseLine converts one line into a message. ok is false for lines that
// carry no conversation content.
func parseLine(line []byte) (schema.Message, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return schema.Message{}, false, nil
	}
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return schema.Message{}, false, err
	}
	if e.Type != "user" && e.Type != "assistant" {
		return schema.Message{}, false, nil
	}
	if e.IsMeta || e.Message == nil || e.UUID == "" {
		return schema.Message{}, false, nil
	}
	role := schema.Role(e.Message.Role)
	if role != schema.RoleUser && role != schema.RoleAssistant {
		role = schema.Role(e.Type)
	}
	content, meta := renderContent(e.Message.Content)
	if strings.TrimSpace(content) == "" {
		return schema.Message{}, false, nil
	}
	msg := schema.Message{
		ID:       schema.MessageID(e.UUID),
		Role:     role,
		Content:  content,
		Metadata: meta,
		Status:   schema.MessageCompleted,
	}
	if role == schema.RoleUser {
		msg.Status = schema.MessageSent
	}
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		msg.Timestamp = ts.UTC()
	}
	return msg, true, nil
}

// renderContent flattens text-only content to plain text. Content holding
// tool blocks is kept as its JSON array so prompts and tool results stay
// machine readable; the first tool block is mirrored into metadata.
func renderContent(raw json.RawMessage) (string, map[string]string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", nil
		}
		return text, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw), nil
	}
	var (
		texts []string
		meta  map[string]string
		tools bool
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			tools = true
			if meta == nil {
				meta = map[string]string{schema.MetaToolName: block.Name, schema.MetaToolUseID: block.ID}
			}
		case "tool_result":
			tools = true
			if meta == nil {
				meta = map[string]string{schema.MetaToolUseID: block.ToolUseID}
			}
		}
	}
	if tools {
		return string(raw), meta
	}
	return strings.Join(texts, "\n"), nil
}

// continuationMarkers identify a message that restates an earlier, compacted
// part of the conversation.
var continuationMarkers = []string{
	"This session is being continued",
	"Conversation Flow Analysis",
	"Summary:",
	"conversation was summarized",
	"summarized below",
	"## Summary",
}

func isContinuation(content string) bool {
	for _, marker := range continuationMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return strings.Contains(content, "Analysis:") && len(content) > 500
}

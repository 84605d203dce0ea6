// Package prompt detects structured multiple-choice prompts in agent output.
package prompt

import (
	"encoding/json"
	"strings"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// ToolName is the tool invocation agents use to ask structured questions.
const ToolName = "AskUserQuestion"

type block struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Questions json.RawMessage `json:"questions"`
	ToolUseID string          `json:"tool_use_id"`
}

type rawQuestion struct {
	Question     string            `json:"question"`
	Header       string            `json:"header"`
	MultiSelect  *bool             `json:"multiSelect"`
	MultiSelect2 *bool             `json:"multi_select"`
	Options      []json.RawMessage `json:"options"`
}

type rawOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Extract returns the structured prompt embedded in text, if any.
//
// Accepted encodings are a bare object with a "questions" array, a tool_use
// envelope (alone or inside an array of content blocks), and either of those
// preceded by narration that names the tool. Invalid questions are dropped;
// if none remain the text carries no prompt.
func Extract(text string) (schema.StructuredPrompt, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return schema.StructuredPrompt{}, false
	}
	switch trimmed[0] {
	case '[':
		var blocks []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &blocks); err == nil {
			for _, raw := range blocks {
				if prompt, ok := fromBlock(raw); ok {
					return prompt, true
				}
			}
			return schema.StructuredPrompt{}, false
		}
	case '{':
		if prompt, ok := fromBlock(json.RawMessage(trimmed)); ok {
			return prompt, true
		}
	}
	if !strings.Contains(trimmed, ToolName) {
		return schema.StructuredPrompt{}, false
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return schema.StructuredPrompt{}, false
	}
	return fromBlock(json.RawMessage(trimmed[start : end+1]))
}

func fromBlock(raw json.RawMessage) (schema.StructuredPrompt, bool) {
	var b block
	if err := json.Unmarshal(raw, &b); err != nil {
		return schema.StructuredPrompt{}, false
	}
	var questionsRaw json.RawMessage
	toolUseID := ""
	switch {
	case b.Type == "tool_use":
		if b.Name != ToolName || len(b.Input) == 0 {
			return schema.StructuredPrompt{}, false
		}
		var input struct {
			Questions json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(b.Input, &input); err != nil {
			return schema.StructuredPrompt{}, false
		}
		questionsRaw = input.Questions
		toolUseID = b.ID
	case len(b.Questions) > 0:
		questionsRaw = b.Questions
	default:
		return schema.StructuredPrompt{}, false
	}
	questions := parseQuestions(questionsRaw)
	if len(questions) == 0 {
		return schema.StructuredPrompt{}, false
	}
	return schema.StructuredPrompt{Questions: questions, ToolUseID: toolUseID}, true
}

func parseQuestions(raw json.RawMessage) []schema.PromptQuestion {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]schema.PromptQuestion, 0, len(items))
	for _, item := range items {
		var q rawQuestion
		if err := json.Unmarshal(item, &q); err != nil {
			continue
		}
		text := strings.TrimSpace(q.Question)
		if text == "" {
			continue
		}
		options := parseOptions(q.Options)
		if len(options) == 0 {
			continue
		}
		multi := false
		if q.MultiSelect != nil {
			multi = *q.MultiSelect
		} else if q.MultiSelect2 != nil {
			multi = *q.MultiSelect2
		}
		out = append(out, schema.PromptQuestion{
			Question:    text,
			Header:      q.Header,
			MultiSelect: multi,
			Options:     options,
		})
	}
	return out
}

func parseOptions(items []json.RawMessage) []schema.PromptOption {
	out := make([]schema.PromptOption, 0, len(items))
	for _, item := range items {
		var opt rawOption
		if err := json.Unmarshal(item, &opt); err != nil {
			continue
		}
		label := strings.TrimSpace(opt.Label)
		if label == "" {
			continue
		}
		out = append(out, schema.PromptOption{Label: label, Description: opt.Description})
	}
	return out
}

package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// IsAnswerTo reports whether text is a tool_result (object or array of blocks)
// for the given tool invocation id.
func IsAnswerTo(text string, toolUseID string) bool {
	if toolUseID == "" {
		return false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	var single block
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		return single.Type == "tool_result" && single.ToolUseID == toolUseID
	}
	var blocks []block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type == "tool_result" && b.ToolUseID == toolUseID {
			return true
		}
	}
	return false
}

// PendingFromMessages returns the prompt carried by the last assistant message
// when no later message answers it.
func PendingFromMessages(messages []schema.Message) (schema.StructuredPrompt, bool) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == schema.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return schema.StructuredPrompt{}, false
	}
	prompt, ok := Extract(messages[last].Content)
	if !ok {
		return schema.StructuredPrompt{}, false
	}
	for _, msg := range messages[last+1:] {
		if answers(msg, prompt) {
			return schema.StructuredPrompt{}, false
		}
	}
	return prompt, true
}

func answers(msg schema.Message, prompt schema.StructuredPrompt) bool {
	if prompt.ToolUseID == "" {
		return msg.Role == schema.RoleUser
	}
	if msg.Meta(schema.MetaPromptToolUse) == prompt.ToolUseID {
		return true
	}
	return IsAnswerTo(msg.Content, prompt.ToolUseID)
}

// ErrInvalidAnswer reports an answer that does not fit the prompt.
var ErrInvalidAnswer = errors.New("invalid prompt answer")

// FormatAnswer validates answers against the prompt and renders them as the
// user message sent back to the agent, one line per question.
func FormatAnswer(prompt schema.StructuredPrompt, answers []schema.PromptAnswer) (string, error) {
	if len(answers) == 0 {
		return "", fmt.Errorf("%w: no answers", ErrInvalidAnswer)
	}
	byQuestion := make(map[string]schema.PromptQuestion, len(prompt.Questions))
	for _, q := range prompt.Questions {
		byQuestion[q.Question] = q
	}
	lines := make([]string, 0, len(answers))
	for _, answer := range answers {
		q, ok := byQuestion[answer.Question]
		if !ok {
			return "", fmt.Errorf("%w: unknown question %q", ErrInvalidAnswer, answer.Question)
		}
		if len(answer.Selected) == 0 {
			return "", fmt.Errorf("%w: no option selected for %q", ErrInvalidAnswer, answer.Question)
		}
		if !q.MultiSelect && len(answer.Selected) > 1 {
			return "", fmt.Errorf("%w: %q allows a single option", ErrInvalidAnswer, answer.Question)
		}
		for _, label := range answer.Selected {
			if !hasOption(q, label) {
				return "", fmt.Errorf("%w: %q is not an option of %q", ErrInvalidAnswer, label, answer.Question)
			}
		}
		title := q.Header
		if title == "" {
			title = q.Question
		}
		lines = append(lines, fmt.Sprintf("%s: %s", title, strings.Join(answer.Selected, ", ")))
	}
	return strings.Join(lines, "\n"), nil
}

func hasOption(q schema.PromptQuestion, label string) bool {
	for _, opt := range q.Options {
		if opt.Label == label {
			return true
		}
	}
	return false
}

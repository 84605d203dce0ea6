package schema

// PromptOption is a selectable answer for a prompt question.
type PromptOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// PromptQuestion is one question of a structured prompt.
type PromptQuestion struct {
	Question    string         `json:"question"`
	Header      string         `json:"header"`
	MultiSelect bool           `json:"multiSelect"`
	Options     []PromptOption `json:"options"`
}

// StructuredPrompt is a multiple-choice request the agent is blocked on.
type StructuredPrompt struct {
	Questions []PromptQuestion `json:"questions"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
}

// PromptAnswer carries the selected labels for one question.
type PromptAnswer struct {
	Question string   `json:"question"`
	Selected []string `json:"selected"`
}

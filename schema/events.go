package schema

// UpdateType identifies a session update delivered by a watcher.
type UpdateType string

const (
	// UpdateNewMessage carries a message observed in the agent transcript.
	UpdateNewMessage UpdateType = "new_message"
	// UpdateUserPromptRequired carries a structured prompt the agent is blocked on.
	UpdateUserPromptRequired UpdateType = "user_prompt_required"
	// UpdateStatusChanged reports a session status transition.
	UpdateStatusChanged UpdateType = "status_changed"
	// UpdateSessionEnded reports the agent process exited.
	UpdateSessionEnded UpdateType = "session_ended"
	// UpdateError reports a non-fatal watcher error.
	UpdateError UpdateType = "error"
)

// SessionUpdate is one event on a watched external session.
type SessionUpdate struct {
	Type       UpdateType        `json:"type"`
	ExternalID ExternalSessionID `json:"session_id"`
	Message    *Message          `json:"message,omitempty"`
	Prompt     *StructuredPrompt `json:"prompt,omitempty"`
	Status     string            `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewMessageUpdate builds a NewMessage update.
func NewMessageUpdate(id ExternalSessionID, msg Message) SessionUpdate {
	return SessionUpdate{Type: UpdateNewMessage, ExternalID: id, Message: &msg}
}

// PromptUpdate builds a UserPromptRequired update.
func PromptUpdate(id ExternalSessionID, prompt StructuredPrompt) SessionUpdate {
	return SessionUpdate{Type: UpdateUserPromptRequired, ExternalID: id, Prompt: &prompt}
}

// ErrorUpdate builds an Error update.
func ErrorUpdate(id ExternalSessionID, message string) SessionUpdate {
	return SessionUpdate{Type: UpdateError, ExternalID: id, Error: message}
}

// TabEventType describes tab lifecycle changes.
type TabEventType string

const (
	TabEventCreated   TabEventType = "created"
	TabEventUpdated   TabEventType = "updated"
	TabEventActivated TabEventType = "activated"
	TabEventClosed    TabEventType = "closed"
	TabEventActivity  TabEventType = "activity"
)

// TabEvent notifies listeners about tab lifecycle changes.
type TabEvent struct {
	ProjectID ProjectID    `json:"project_id"`
	Type      TabEventType `json:"type"`
	Tab       Tab          `json:"tab"`
	ActiveTab TabID        `json:"active_tab,omitempty"`
}

// MessageEventType describes buffer mutations.
type MessageEventType string

const (
	MessageAppended  MessageEventType = "appended"
	MessagePatched   MessageEventType = "patched"
	MessagesReplaced MessageEventType = "replaced"
	MessagesPrepend  MessageEventType = "prepended"
)

// MessageEvent notifies listeners that a tab's buffer changed.
type MessageEvent struct {
	ProjectID ProjectID        `json:"project_id"`
	TabID     TabID            `json:"tab_id"`
	Type      MessageEventType `json:"type"`
	Messages  []Message        `json:"messages"`
}

// SessionEventType describes per-tab session state visible to the UI.
type SessionEventType string

const (
	SessionEventStatus        SessionEventType = "status"
	SessionEventWaiting       SessionEventType = "waiting"
	SessionEventPrompt        SessionEventType = "prompt"
	SessionEventPromptCleared SessionEventType = "prompt_cleared"
	SessionEventNotice        SessionEventType = "notice"
)

// SessionEvent notifies listeners about session state of a tab.
type SessionEvent struct {
	ProjectID ProjectID         `json:"project_id"`
	TabID     TabID             `json:"tab_id"`
	Type      SessionEventType  `json:"type"`
	Session   Session           `json:"session"`
	Waiting   bool              `json:"waiting"`
	Prompt    *StructuredPrompt `json:"prompt,omitempty"`
	Notice    string            `json:"notice,omitempty"`
}

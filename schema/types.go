package schema

import "time"

// ProjectID identifies a project. Hosts resolve it to a working directory.
type ProjectID string

// TabID identifies a tab.
type TabID string

// AgentType names an agent plugin (e.g. "claude-code").
type AgentType string

// SessionID identifies a local session run bound to a tab.
type SessionID string

// ExternalSessionID is the agent process's own resumable session identifier.
type ExternalSessionID string

// MessageID identifies a message within a tab.
type MessageID string

// WatchID identifies a watcher subscription.
type WatchID string

// Role is the author of a message.
type Role string

const (
	// RoleUser marks messages written by the user.
	RoleUser Role = "user"
	// RoleAssistant marks messages written by the agent.
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks delivery state of a message.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageError     MessageStatus = "error"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionRunning indicates a live agent process is bound to the session.
	SessionRunning SessionStatus = "running"
	// SessionStopped indicates the session is idle but may be resumable.
	SessionStopped SessionStatus = "stopped"
)

// Recognized message metadata keys.
const (
	MetaToolName       = "tool_name"
	MetaToolUseID      = "tool_use_id"
	MetaError          = "error"
	MetaPromptToolUse  = "prompt_tool_use_id"
	MetaSource         = "source"
	MetaPendingID      = "pending_id"
	MetaSynthesized    = "synthesized"
	SourceLive         = "live"
	SourceHistory      = "history"
	SourcePersisted    = "persisted"
	MetaValueTrue      = "true"
	MetaSessionPreview = "last_message"
)

// Message is a single conversation entry owned by a tab.
type Message struct {
	ID          MessageID         `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      MessageStatus     `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsStreaming bool              `json:"is_streaming,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Meta returns a metadata value or "".
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// MessagePatch lists the fields a patch may change. Nil fields are left alone;
// Metadata entries are merged into the existing map.
type MessagePatch struct {
	ID          *MessageID        `json:"id,omitempty"`
	Status      *MessageStatus    `json:"status,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsStreaming *bool             `json:"is_streaming,omitempty"`
}

// Tab is a UI-addressable conversation slot within a project.
type Tab struct {
	ID           TabID             `json:"id"`
	ProjectID    ProjectID         `json:"project_id"`
	AgentType    AgentType         `json:"agent_type"`
	SessionID    SessionID         `json:"session_id,omitempty"`
	CLISessionID ExternalSessionID `json:"cli_session_id,omitempty"`
	Label        string            `json:"label"`
	Order        int               `json:"tab_order"`
	Active       bool              `json:"is_active"`
	HasActivity  bool              `json:"has_activity,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Session binds a tab to a running or resumable agent process.
type Session struct {
	ID           SessionID         `json:"session_id"`
	ProjectID    ProjectID         `json:"project_id"`
	TabID        TabID             `json:"tab_id"`
	AgentType    AgentType         `json:"agent_type"`
	Status       SessionStatus     `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExternalID   ExternalSessionID `json:"external_session_id,omitempty"`
}

// Resumable reports whether the session can be restarted from its external id.
func (s Session) Resumable() bool {
	return s.Status == SessionStopped && s.ExternalID != ""
}

// SessionDescriptor is what an agent host reports about a process it manages.
type SessionDescriptor struct {
	SessionID  SessionID         `json:"session_id"`
	ProjectID  ProjectID         `json:"project_id"`
	AgentType  AgentType         `json:"agent_type"`
	ExternalID ExternalSessionID `json:"external_session_id,omitempty"`
	Running    bool              `json:"running"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// SessionInfo summarizes a persisted agent conversation.
type SessionInfo struct {
	ExternalID   ExternalSessionID `json:"external_session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Preview      string            `json:"preview"`
	MessageCount int               `json:"message_count"`
}

// HistoryPage is a window over a conversation, newest first.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
	Offset     int       `json:"offset"`
}

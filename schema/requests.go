package schema

// Tab lifecycle.

// ListTabsRequest lists the tabs of a project.
type ListTabsRequest struct {
	ProjectID ProjectID `json:"project_id"`
}

// ListTabsResponse returns tabs in order with the active tab.
type ListTabsResponse struct {
	Tabs      []Tab `json:"tabs"`
	ActiveTab TabID `json:"active_tab,omitempty"`
}

// CreateTabRequest describes a request to create a tab.
type CreateTabRequest struct {
	ProjectID ProjectID `json:"project_id"`
	AgentType AgentType `json:"agent_type"`
	Label     string    `json:"label,omitempty"`
}

// CreateTabResponse reports the created tab.
type CreateTabResponse struct {
	Tab Tab `json:"tab"`
}

// UpdateTabRequest changes mutable tab fields. Nil fields are left alone.
type UpdateTabRequest struct {
	TabID        TabID              `json:"tab_id"`
	Label        *string            `json:"label,omitempty"`
	SessionID    *SessionID         `json:"session_id,omitempty"`
	CLISessionID *ExternalSessionID `json:"cli_session_id,omitempty"`
}

// UpdateTabResponse reports the updated tab.
type UpdateTabResponse struct {
	Tab Tab `json:"tab"`
}

// ActivateTabRequest describes a request to activate a tab.
type ActivateTabRequest struct {
	ProjectID ProjectID `json:"project_id"`
	TabID     TabID     `json:"tab_id"`
}

// ActivateTabResponse reports the activated tab.
type ActivateTabResponse struct {
	Tab Tab `json:"tab"`
}

// CloseTabRequest describes a request to close a tab.
type CloseTabRequest struct {
	TabID TabID `json:"tab_id"`
}

// CloseTabResponse reports the closed tab and the new active tab.
type CloseTabResponse struct {
	Tab       Tab   `json:"tab"`
	ActiveTab TabID `json:"active_tab,omitempty"`
}

// Session lifecycle.

// StartSessionRequest starts a fresh session on a tab.
type StartSessionRequest struct {
	TabID            TabID             `json:"tab_id"`
	AgentType        AgentType         `json:"agent_type,omitempty"`
	ResumeExternalID ExternalSessionID `json:"resume_external_id,omitempty"`
}

// StartSessionResponse reports the running session.
type StartSessionResponse struct {
	Session Session `json:"session"`
}

// StopSessionRequest stops the session bound to a tab.
type StopSessionRequest struct {
	TabID TabID `json:"tab_id"`
}

// StopSessionResponse reports the stopped session.
type StopSessionResponse struct {
	Session Session `json:"session"`
}

// ResumeSessionRequest binds a tab to an existing external conversation.
type ResumeSessionRequest struct {
	TabID      TabID             `json:"tab_id"`
	ExternalID ExternalSessionID `json:"external_session_id"`
}

// ResumeSessionResponse reports the stopped, resumable session and loaded history.
type ResumeSessionResponse struct {
	Session  Session           `json:"session"`
	Messages int               `json:"messages"`
	Prompt   *StructuredPrompt `json:"prompt,omitempty"`
}

// Messaging.

// SendMessageRequest sends user input to the tab's session.
type SendMessageRequest struct {
	TabID    TabID             `json:"tab_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SendMessageResponse reports the reconciled user message and session.
type SendMessageResponse struct {
	Message Message `json:"message"`
	Session Session `json:"session"`
}

// GetMessagesRequest reads a tab's buffer.
type GetMessagesRequest struct {
	TabID TabID `json:"tab_id"`
}

// GetMessagesResponse returns the buffered messages in order with the tab's
// waiting flag and pending prompt.
type GetMessagesResponse struct {
	Messages []Message        `json:"messages"`
	Waiting  bool             `json:"waiting"`
	Prompt   *StructuredPrompt `json:"prompt,omitempty"`
}

// SetFocusedRequest records whether the application window has focus.
type SetFocusedRequest struct {
	Focused bool `json:"focused"`
}

// LoadOlderRequest prepends an older history page to a tab.
type LoadOlderRequest struct {
	TabID TabID `json:"tab_id"`
	Limit int   `json:"limit,omitempty"`
}

// LoadOlderResponse reports the prepended page.
type LoadOlderResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// AnswerPromptRequest answers the pending structured prompt.
type AnswerPromptRequest struct {
	TabID   TabID          `json:"tab_id"`
	Answers []PromptAnswer `json:"answers"`
}

// CancelPromptRequest dismisses the pending structured prompt.
type CancelPromptRequest struct {
	TabID TabID `json:"tab_id"`
}

// Host commands.

// HostStartRequest asks the agent host to start or resume a process.
type HostStartRequest struct {
	ProjectID        ProjectID         `json:"project_id"`
	AgentType        AgentType         `json:"agent_type"`
	ResumeExternalID ExternalSessionID `json:"resume_external_id,omitempty"`
}

// HostSendRequest delivers text to a running session.
type HostSendRequest struct {
	SessionID SessionID `json:"session_id"`
	Text      string    `json:"text"`
}

// HostSessionRequest addresses a host session.
type HostSessionRequest struct {
	SessionID SessionID `json:"session_id"`
}

// SyncExternalIDResponse reports the external id once the agent has one.
type SyncExternalIDResponse struct {
	ExternalID ExternalSessionID `json:"external_session_id,omitempty"`
	Found      bool              `json:"found"`
}

// ListActiveResponse lists sessions the host is managing.
type ListActiveResponse struct {
	Sessions []SessionDescriptor `json:"sessions"`
}

// HistoryRequest reads a full conversation.
type HistoryRequest struct {
	AgentType  AgentType         `json:"agent_type"`
	ProjectID  ProjectID         `json:"project_id"`
	ExternalID ExternalSessionID `json:"external_session_id"`
}

// HistoryResponse returns a conversation in order.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// HistoryPageRequest reads a newest-first page of a conversation.
type HistoryPageRequest struct {
	AgentType  AgentType         `json:"agent_type"`
	ProjectID  ProjectID         `json:"project_id"`
	ExternalID ExternalSessionID `json:"external_session_id"`
	Offset     int               `json:"offset"`
	Limit      int               `json:"limit"`
}

// ListSessionsRequest lists persisted conversations of a project.
type ListSessionsRequest struct {
	AgentType AgentType `json:"agent_type"`
	ProjectID ProjectID `json:"project_id"`
}

// ListSessionsResponse returns conversation summaries.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SaveMessageRequest persists a message.
type SaveMessageRequest struct {
	ProjectID  ProjectID         `json:"project_id"`
	SessionID  SessionID         `json:"session_id"`
	ExternalID ExternalSessionID `json:"external_session_id,omitempty"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SaveMessageResponse returns the persisted message.
type SaveMessageResponse struct {
	Message Message `json:"message"`
}

// WatchRequest subscribes to updates for an external session.
type WatchRequest struct {
	AgentType  AgentType         `json:"agent_type"`
	ProjectID  ProjectID         `json:"project_id"`
	ExternalID ExternalSessionID `json:"external_session_id"`
}

// WatchResponse returns the subscription id; empty when watching is unsupported.
type WatchResponse struct {
	WatchID WatchID `json:"watch_id"`
}

// UnwatchRequest cancels a subscription.
type UnwatchRequest struct {
	WatchID WatchID `json:"watch_id"`
}

// LoadTabsRequest reads persisted tabs of a project.
type LoadTabsRequest struct {
	ProjectID ProjectID `json:"project_id"`
}

// LoadTabsResponse returns persisted tabs in order.
type LoadTabsResponse struct {
	Tabs []Tab `json:"tabs"`
}

// SaveTabsRequest replaces the persisted tabs of a project.
type SaveTabsRequest struct {
	ProjectID ProjectID `json:"project_id"`
	Tabs      []Tab     `json:"tabs"`
}

// Empty is returned by commands without a payload.
type Empty struct{}

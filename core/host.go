package core

import (
	"context"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// AgentHost starts and drives agent processes.
type AgentHost interface {
	Start(ctx context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error)
	Send(ctx context.Context, sessionID schema.SessionID, text string) error
	Stop(ctx context.Context, sessionID schema.SessionID) error
	// SyncExternalID reports the agent's own session id once it has persisted one.
	SyncExternalID(ctx context.Context, sessionID schema.SessionID) (schema.ExternalSessionID, bool, error)
	ListActive(ctx context.Context) ([]schema.SessionDescriptor, error)
}

// HistoryReader reads agent conversations.
type HistoryReader interface {
	History(ctx context.Context, req schema.HistoryRequest) ([]schema.Message, error)
	HistoryPage(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) ([]schema.SessionInfo, error)
}

// MessageSaver persists messages.
type MessageSaver interface {
	SaveMessage(ctx context.Context, req schema.SaveMessageRequest) (schema.Message, error)
}

// HistoryStore is the conversation history collaborator.
type HistoryStore interface {
	HistoryReader
	MessageSaver
}

// UpdateFunc receives session updates from an EventSource.
type UpdateFunc func(schema.SessionUpdate)

// EventSource streams session updates keyed by external session id.
// Subscribe may block until the subscription is established; the returned
// cancel func detaches the listener.
type EventSource interface {
	Subscribe(ctx context.Context, req schema.WatchRequest, fn UpdateFunc) (func(), error)
}

// TabStore persists per-project tab state.
type TabStore interface {
	LoadTabs(ctx context.Context, projectID schema.ProjectID) ([]schema.Tab, error)
	SaveTabs(ctx context.Context, projectID schema.ProjectID, tabs []schema.Tab) error
}

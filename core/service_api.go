package core

import (
	"context"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// Service is the transport-agnostic API for tabs, sessions and messages.
type Service interface {
	ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error)
	CreateTab(ctx context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error)
	UpdateTab(ctx context.Context, req schema.UpdateTabRequest) (schema.UpdateTabResponse, error)
	ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error)
	CloseTab(ctx context.Context, req schema.CloseTabRequest) (schema.CloseTabResponse, error)
	SetFocused(ctx context.Context, req schema.SetFocusedRequest) (schema.Empty, error)
	StartSession(ctx context.Context, req schema.StartSessionRequest) (schema.StartSessionResponse, error)
	StopSession(ctx context.Context, req schema.StopSessionRequest) (schema.StopSessionResponse, error)
	ResumeSession(ctx context.Context, req schema.ResumeSessionRequest) (schema.ResumeSessionResponse, error)
	SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error)
	GetMessages(ctx context.Context, req schema.GetMessagesRequest) (schema.GetMessagesResponse, error)
	LoadOlder(ctx context.Context, req schema.LoadOlderRequest) (schema.LoadOlderResponse, error)
	AnswerPrompt(ctx context.Context, req schema.AnswerPromptRequest) (schema.SendMessageResponse, error)
	CancelPrompt(ctx context.Context, req schema.CancelPromptRequest) (schema.Empty, error)
	ListCLISessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	// Close detaches watchers and waits for background polls. Sessions keep running.
	Close() error
}

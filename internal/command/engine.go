package command

import (
	"context"
	"errors"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// RegisterService exposes the engine operations of svc as commands so a
// remote client can drive tabs hosted here.
func (h *Host) RegisterService(svc core.Service) error {
	if svc == nil {
		return errors.New("command: missing service")
	}
	h.Register(schema.CmdListTabs, handler(svc.ListTabs))
	h.Register(schema.CmdCreateTab, handler(svc.CreateTab))
	h.Register(schema.CmdUpdateTab, handler(svc.UpdateTab))
	h.Register(schema.CmdActivateTab, handler(svc.ActivateTab))
	h.Register(schema.CmdCloseTab, handler(svc.CloseTab))
	h.Register(schema.CmdSetFocused, handler(svc.SetFocused))
	h.Register(schema.CmdStartTabSession, handler(svc.StartSession))
	h.Register(schema.CmdStopTabSession, handler(svc.StopSession))
	h.Register(schema.CmdResumeSession, handler(svc.ResumeSession))
	h.Register(schema.CmdSendTabMessage, handler(svc.SendMessage))
	h.Register(schema.CmdGetMessages, handler(svc.GetMessages))
	h.Register(schema.CmdLoadOlder, handler(svc.LoadOlder))
	h.Register(schema.CmdAnswerPrompt, handler(svc.AnswerPrompt))
	h.Register(schema.CmdCancelPrompt, handler(svc.CancelPrompt))
	// list_cli_sessions keeps the host's history semantics; the engine
	// variant only adds the default agent.
	h.Register(schema.CmdListCLISessions, handler(func(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
		return svc.ListCLISessions(ctx, req)
	}))
	return nil
}

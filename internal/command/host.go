package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/dispatch"
	"github.com/jariahh/ateliercode-sub000/internal/logx"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// HandlerFunc runs one command. decode fills the command's params.
type HandlerFunc func(ctx context.Context, decode dispatch.Decoder) (any, error)

// HostConfig wires the collaborators behind host commands.
type HostConfig struct {
	Agents  core.AgentHost
	History core.HistoryStore
	Tabs    core.TabStore
	// Events serves start_watching_session; nil disables watching.
	Events              core.EventSource
	DisableAuditLogging bool
}

// Host executes host commands in process. It is the target of the local
// transport and of the command router.
type Host struct {
	cfg HostConfig

	mu       sync.RWMutex
	handlers map[schema.CommandName]HandlerFunc
}

var _ dispatch.Invoker = (*Host)(nil)

// NewHost registers the host commands backed by cfg.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Agents == nil {
		return nil, errors.New("command: missing agent host")
	}
	if cfg.History == nil {
		return nil, errors.New("command: missing history store")
	}
	h := &Host{cfg: cfg, handlers: make(map[schema.CommandName]HandlerFunc)}
	h.Register(schema.CmdStartSession, handler(func(ctx context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error) {
		return cfg.Agents.Start(ctx, req)
	}))
	h.Register(schema.CmdSendMessage, handler(func(ctx context.Context, req schema.HostSendRequest) (schema.Empty, error) {
		return schema.Empty{}, cfg.Agents.Send(ctx, req.SessionID, req.Text)
	}))
	h.Register(schema.CmdStopSession, handler(func(ctx context.Context, req schema.HostSessionRequest) (schema.Empty, error) {
		return schema.Empty{}, cfg.Agents.Stop(ctx, req.SessionID)
	}))
	h.Register(schema.CmdSyncExternalID, handler(func(ctx context.Context, req schema.HostSessionRequest) (schema.SyncExternalIDResponse, error) {
		ext, found, err := cfg.Agents.SyncExternalID(ctx, req.SessionID)
		return schema.SyncExternalIDResponse{ExternalID: ext, Found: found}, err
	}))
	h.Register(schema.CmdListActiveSessions, handler(func(ctx context.Context, _ schema.Empty) (schema.ListActiveResponse, error) {
		sessions, err := cfg.Agents.ListActive(ctx)
		if sessions == nil {
			sessions = []schema.SessionDescriptor{}
		}
		return schema.ListActiveResponse{Sessions: sessions}, err
	}))
	h.Register(schema.CmdGetHistory, handler(func(ctx context.Context, req schema.HistoryRequest) (schema.HistoryResponse, error) {
		messages, err := cfg.History.History(ctx, req)
		if messages == nil {
			messages = []schema.Message{}
		}
		return schema.HistoryResponse{Messages: messages}, err
	}))
	h.Register(schema.CmdGetHistoryPage, handler(func(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
		return cfg.History.HistoryPage(ctx, req)
	}))
	h.Register(schema.CmdListCLISessions, handler(func(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
		sessions, err := cfg.History.ListSessions(ctx, req)
		if sessions == nil {
			sessions = []schema.SessionInfo{}
		}
		return schema.ListSessionsResponse{Sessions: sessions}, err
	}))
	h.Register(schema.CmdSaveMessage, handler(func(ctx context.Context, req schema.SaveMessageRequest) (schema.SaveMessageResponse, error) {
		msg, err := cfg.History.SaveMessage(ctx, req)
		return schema.SaveMessageResponse{Message: msg}, err
	}))
	if cfg.Tabs != nil {
		h.Register(schema.CmdLoadTabs, handler(func(ctx context.Context, req schema.LoadTabsRequest) (schema.LoadTabsResponse, error) {
			tabs, err := cfg.Tabs.LoadTabs(ctx, req.ProjectID)
			if tabs == nil {
				tabs = []schema.Tab{}
			}
			return schema.LoadTabsResponse{Tabs: tabs}, err
		}))
		h.Register(schema.CmdSaveTabs, handler(func(ctx context.Context, req schema.SaveTabsRequest) (schema.Empty, error) {
			return schema.Empty{}, cfg.Tabs.SaveTabs(ctx, req.ProjectID, req.Tabs)
		}))
	}
	return h, nil
}

// Events returns the event source behind watch commands.
func (h *Host) Events() core.EventSource {
	return h.cfg.Events
}

// Register installs or replaces the handler for name.
func (h *Host) Register(name schema.CommandName, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[name] = fn
	h.mu.Unlock()
}

// Commands lists registered command names in sorted order.
func (h *Host) Commands() []schema.CommandName {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]schema.CommandName, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Invoke runs the handler registered for command.
func (h *Host) Invoke(ctx context.Context, command schema.CommandName, decode dispatch.Decoder) (any, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	h.mu.RLock()
	fn, ok := h.handlers[command]
	h.mu.RUnlock()
	log := logx.Ctx(ctx).With("command", command)
	if !ok {
		log.Warn("command rejected", "reason", "unknown")
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownCommand, command)
	}
	if !h.cfg.DisableAuditLogging {
		log.Debug("audit command", "command_type", "host")
	}
	result, err := fn(ctx, decode)
	if err != nil {
		log.Debug("command failed", "err", err)
		return nil, err
	}
	return result, nil
}

// handler adapts a typed operation to a HandlerFunc.
func handler[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) HandlerFunc {
	return func(ctx context.Context, decode dispatch.Decoder) (any, error) {
		var req Req
		if decode != nil {
			if err := decode(&req); err != nil {
				return nil, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/internal/logx"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/prompt"
	"github.com/jariahh/ateliercode-sub000/schema"
	"pkt.systems/pslog"
)

// service implements the core service behavior.
type service struct {
	cfg      schema.ServiceConfig
	host     AgentHost
	history  HistoryStore
	sink     EventSink
	logger   pslog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tabs     *tabRegistry
	sessions *sessionRegistry
	buffers  *bufferSet
	watcher  *watcher

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	state      map[schema.TabID]*tabState
	byExternal map[schema.ExternalSessionID]map[schema.TabID]struct{}
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Host == nil {
		return nil, errors.New("core: missing agent host")
	}
	if deps.History == nil {
		return nil, errors.New("core: missing history store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	baseCtx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	return &service{
		cfg:        cfg,
		host:       deps.Host,
		history:    deps.History,
		sink:       deps.EventSink,
		logger:     logger,
		metrics:    deps.Metrics,
		now:        now,
		tabs:       newTabRegistry(deps.TabStore, now),
		sessions:   newSessionRegistry(deps.Host, cfg, now),
		buffers:    newBufferSet(cfg),
		watcher:    newWatcher(deps.Events, deps.Metrics),
		baseCtx:    baseCtx,
		cancel:     cancel,
		state:      make(map[schema.TabID]*tabState),
		byExternal: make(map[schema.ExternalSessionID]map[schema.TabID]struct{}),
	}, nil
}

func (s *service) ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	if ctx == nil {
		return schema.ListTabsResponse{}, errors.New("missing context")
	}
	projectID, err := schema.NormalizeProjectID(req.ProjectID)
	if err != nil {
		return schema.ListTabsResponse{}, err
	}
	tabs, active, err := s.tabs.List(ctx, projectID)
	if err != nil {
		logx.WithProject(ctx, projectID).Warn("service tab list failed", "err", err)
		return schema.ListTabsResponse{}, err
	}
	if len(tabs) == 0 && s.cfg.DefaultAgent != "" {
		tab, err := s.tabs.Create(ctx, projectID, s.cfg.DefaultAgent, "")
		if err != nil {
			return schema.ListTabsResponse{}, err
		}
		logx.WithProjectTab(ctx, projectID, tab.ID).Info("service default tab created", "agent", tab.AgentType)
		s.emitTabEvent(schema.TabEventCreated, tab, tab.ID)
		tabs = []schema.Tab{tab}
		active = tab.ID
	}
	return schema.ListTabsResponse{Tabs: tabs, ActiveTab: active}, nil
}

func (s *service) CreateTab(ctx context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error) {
	if ctx == nil {
		return schema.CreateTabResponse{}, errors.New("missing context")
	}
	projectID, err := schema.NormalizeProjectID(req.ProjectID)
	if err != nil {
		return schema.CreateTabResponse{}, err
	}
	agent, err := s.agentFor(req.AgentType)
	if err != nil {
		return schema.CreateTabResponse{}, err
	}
	log := logx.WithProject(ctx, projectID)
	tab, err := s.tabs.Create(ctx, projectID, agent, req.Label)
	if err != nil {
		log.Warn("service tab create failed", "err", err)
		return schema.CreateTabResponse{}, err
	}
	_, active, _ := s.tabs.List(ctx, projectID)
	s.emitTabEvent(schema.TabEventCreated, tab, active)
	log.Info("service tab created", "tab", tab.ID, "agent", agent, "order", tab.Order)
	return schema.CreateTabResponse{Tab: tab}, nil
}

func (s *service) UpdateTab(ctx context.Context, req schema.UpdateTabRequest) (schema.UpdateTabResponse, error) {
	if ctx == nil {
		return schema.UpdateTabResponse{}, errors.New("missing context")
	}
	tab, err := s.tabs.Update(ctx, req.TabID, TabUpdate{
		Label:        req.Label,
		SessionID:    req.SessionID,
		CLISessionID: req.CLISessionID,
	})
	if err != nil {
		return schema.UpdateTabResponse{}, err
	}
	s.emitTabEvent(schema.TabEventUpdated, tab, "")
	return schema.UpdateTabResponse{Tab: tab}, nil
}

func (s *service) ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error) {
	if ctx == nil {
		return schema.ActivateTabResponse{}, errors.New("missing context")
	}
	tab, err := s.tabs.SetActive(ctx, req.ProjectID, req.TabID)
	if err != nil {
		return schema.ActivateTabResponse{}, err
	}
	logx.WithProjectTab(ctx, tab.ProjectID, tab.ID).Debug("service tab activated")
	s.emitTabEvent(schema.TabEventActivated, tab, tab.ID)
	return schema.ActivateTabResponse{Tab: tab}, nil
}

// CloseTab removes the tab and detaches its watcher. The session keeps
// running on the host.
func (s *service) CloseTab(ctx context.Context, req schema.CloseTabRequest) (schema.CloseTabResponse, error) {
	if ctx == nil {
		return schema.CloseTabResponse{}, errors.New("missing context")
	}
	closed, active, err := s.tabs.Close(ctx, req.TabID)
	if err != nil {
		return schema.CloseTabResponse{}, err
	}
	log := logx.WithProjectTab(ctx, closed.ProjectID, closed.ID)
	s.detachWatch(closed.ID)
	s.mu.Lock()
	delete(s.state, closed.ID)
	s.mu.Unlock()
	s.buffers.Drop(closed.ID)
	if session, ok := s.sessions.Get(closed.ID); ok && session.Status == schema.SessionRunning {
		logx.WithSession(log, session).Info("service tab closed with running session")
	}
	s.sessions.Remove(closed.ID)
	s.emitTabEvent(schema.TabEventClosed, closed, active)
	log.Info("service tab closed", "active_tab", active)
	return schema.CloseTabResponse{Tab: closed, ActiveTab: active}, nil
}

func (s *service) SetFocused(ctx context.Context, req schema.SetFocusedRequest) (schema.Empty, error) {
	if ctx == nil {
		return schema.Empty{}, errors.New("missing context")
	}
	s.tabs.SetFocused(req.Focused)
	return schema.Empty{}, nil
}

// StartSession starts a fresh process on the tab and clears its buffer. A
// running session is stopped first.
func (s *service) StartSession(ctx context.Context, req schema.StartSessionRequest) (schema.StartSessionResponse, error) {
	if ctx == nil {
		return schema.StartSessionResponse{}, errors.New("missing context")
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.StartSessionResponse{}, schema.ErrTabNotFound
	}
	agent := tab.AgentType
	if req.AgentType != "" {
		normalized, err := schema.NormalizeAgentType(string(req.AgentType))
		if err != nil {
			return schema.StartSessionResponse{}, err
		}
		agent = normalized
	}
	log := logx.WithProjectTab(ctx, tab.ProjectID, tab.ID)
	if current, ok := s.sessions.Get(tab.ID); ok && current.Status == schema.SessionRunning {
		if _, err := s.stopSession(ctx, tab); err != nil {
			return schema.StartSessionResponse{}, err
		}
	}
	s.resetState(tab.ID)
	session, err := s.sessions.Start(ctx, tab, agent, req.ResumeExternalID)
	if err != nil {
		log.Warn("service session start failed", "err", err)
		return schema.StartSessionResponse{}, err
	}
	log = logx.WithSession(log, session)
	s.buffers.Clear(tab.ID)
	s.emitMessageEvent(tab, schema.MessagesReplaced, []schema.Message{})
	tab = s.bindSession(ctx, tab, session)
	s.emitSessionEvent(tab, schema.SessionEventStatus, nil)
	log.Info("service session started", "agent", agent)

	if session.ExternalID != "" {
		s.ensureWatch(ctx, tab, session.AgentType, session.ExternalID)
	} else {
		s.startPoll(ctx, tab, session)
	}
	return schema.StartSessionResponse{Session: session}, nil
}

func (s *service) StopSession(ctx context.Context, req schema.StopSessionRequest) (schema.StopSessionResponse, error) {
	if ctx == nil {
		return schema.StopSessionResponse{}, errors.New("missing context")
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.StopSessionResponse{}, schema.ErrTabNotFound
	}
	session, err := s.stopSession(ctx, tab)
	if err != nil {
		return schema.StopSessionResponse{}, err
	}
	return schema.StopSessionResponse{Session: session}, nil
}

func (s *service) stopSession(ctx context.Context, tab schema.Tab) (schema.Session, error) {
	log := logx.WithProjectTab(ctx, tab.ProjectID, tab.ID)
	session, err := s.sessions.Stop(ctx, tab.ID)
	if err != nil {
		log.Warn("service session stop failed", "err", err)
		return schema.Session{}, err
	}
	s.detachWatch(tab.ID)
	s.setWaiting(tab, false)
	s.emitSessionEvent(tab, schema.SessionEventStatus, nil)
	logx.WithSession(log, session).Info("service session stopped")
	return session, nil
}

// ResumeSession binds the tab to an existing conversation as a stopped
// session and loads its newest history page.
func (s *service) ResumeSession(ctx context.Context, req schema.ResumeSessionRequest) (schema.ResumeSessionResponse, error) {
	if ctx == nil {
		return schema.ResumeSessionResponse{}, errors.New("missing context")
	}
	if strings.TrimSpace(string(req.ExternalID)) == "" {
		return schema.ResumeSessionResponse{}, schema.ErrInvalidRequest
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.ResumeSessionResponse{}, schema.ErrTabNotFound
	}
	log := logx.WithExternal(logx.WithProjectTab(ctx, tab.ProjectID, tab.ID), req.ExternalID)
	if current, ok := s.sessions.Get(tab.ID); ok && current.Status == schema.SessionRunning {
		if _, err := s.stopSession(ctx, tab); err != nil {
			return schema.ResumeSessionResponse{}, err
		}
	}
	s.resetState(tab.ID)
	session, err := s.sessions.Resume(tab, tab.AgentType, req.ExternalID)
	if err != nil {
		return schema.ResumeSessionResponse{}, err
	}
	messages, offset, hasMore := s.loadHistory(ctx, tab, req.ExternalID)
	s.buffers.Replace(tab.ID, messages)
	s.emitMessageEvent(tab, schema.MessagesReplaced, s.buffers.Snapshot(tab.ID))
	tab = s.bindSession(ctx, tab, session)

	var pending *schema.StructuredPrompt
	if p, ok := prompt.PendingFromMessages(messages); ok {
		pending = &p
	}
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	st.historyOffset = offset
	st.hasMore = hasMore
	st.waiting = false
	st.prompt = pending
	s.mu.Unlock()
	if pending != nil {
		s.emitSessionEvent(tab, schema.SessionEventPrompt, func(ev *schema.SessionEvent) { ev.Prompt = pending })
	}
	s.ensureWatch(ctx, tab, session.AgentType, session.ExternalID)
	s.emitSessionEvent(tab, schema.SessionEventStatus, nil)
	log.Info("service session resumed", "messages", len(messages), "has_more", hasMore, "prompt_pending", pending != nil)
	return schema.ResumeSessionResponse{Session: session, Messages: len(messages), Prompt: pending}, nil
}

func (s *service) SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error) {
	if ctx == nil {
		return schema.SendMessageResponse{}, errors.New("missing context")
	}
	return s.send(ctx, req.TabID, req.Content, req.Metadata, false)
}

// send appends an optimistic user message, reconciles it with the persisted
// copy and delivers it to the agent. A stopped resumable session is restarted
// first.
func (s *service) send(ctx context.Context, tabID schema.TabID, content string, metadata map[string]string, answering bool) (schema.SendMessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return schema.SendMessageResponse{}, schema.ErrEmptyMessage
	}
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		return schema.SendMessageResponse{}, schema.ErrTabNotFound
	}
	log := logx.WithProjectTab(ctx, tab.ProjectID, tab.ID)
	if !answering {
		s.mu.Lock()
		pending := s.stateLocked(tab.ID).prompt != nil
		s.mu.Unlock()
		if pending {
			return schema.SendMessageResponse{}, schema.ErrPromptPending
		}
	}
	session, ok := s.sessions.Get(tab.ID)
	if !ok {
		return schema.SendMessageResponse{}, schema.ErrNoActiveSession
	}
	if session.Status == schema.SessionStopped {
		if !session.Resumable() {
			return schema.SendMessageResponse{}, schema.ErrNotResumable
		}
		restarted, err := s.restart(ctx, tab, session)
		if err != nil {
			return schema.SendMessageResponse{}, err
		}
		session = restarted
	}
	log = logx.WithSession(log, session)

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[schema.MetaSource] = schema.SourceLive
	optimistic := schema.Message{
		ID:        pendingMessageID(),
		Role:      schema.RoleUser,
		Content:   content,
		Timestamp: s.now(),
		Status:    schema.MessageSending,
		Metadata:  meta,
	}
	s.appendMessage(tab, optimistic)
	s.mu.Lock()
	s.stateLocked(tab.ID).echoes[content]++
	s.mu.Unlock()

	sent := schema.MessageSent
	patch := schema.MessagePatch{Status: &sent}
	saved, err := s.history.SaveMessage(ctx, schema.SaveMessageRequest{
		ProjectID:  tab.ProjectID,
		SessionID:  session.ID,
		ExternalID: session.ExternalID,
		Role:       schema.RoleUser,
		Content:    content,
		Metadata:   metadata,
	})
	if err != nil {
		log.Warn("service message persist failed", "err", NewError(ErrorPersistence, "save message", err))
	} else if saved.ID != "" {
		id := saved.ID
		patch.ID = &id
	}
	reconciled := s.patchMessage(tab, optimistic.ID, patch)

	s.setWaiting(tab, true)
	if err := s.host.Send(ctx, session.ID, content); err != nil {
		herr := hostError("send message", err)
		log.Warn("service message send failed", "err", herr)
		failed := schema.MessageError
		reconciled = s.patchMessage(tab, reconciled.ID, schema.MessagePatch{
			Status:   &failed,
			Metadata: map[string]string{schema.MetaError: herr.Error()},
		})
		s.mu.Lock()
		s.stateLocked(tab.ID).consumeEcho(content)
		s.mu.Unlock()
		s.setWaiting(tab, false)
		return schema.SendMessageResponse{Message: reconciled, Session: session}, herr
	}
	s.sessions.Touch(tab.ID)
	log.Debug("service message sent", "message", reconciled.ID, "bytes", len(content))
	return schema.SendMessageResponse{Message: reconciled, Session: session}, nil
}

// restart starts a fresh process for a stopped session using its external id
// as the resume token.
func (s *service) restart(ctx context.Context, tab schema.Tab, stopped schema.Session) (schema.Session, error) {
	log := logx.WithSession(logx.WithProjectTab(ctx, tab.ProjectID, tab.ID), stopped)
	session, err := s.sessions.Start(ctx, tab, stopped.AgentType, stopped.ExternalID)
	if err != nil {
		log.Warn("service session resume on send failed", "err", err)
		return schema.Session{}, err
	}
	tab = s.bindSession(ctx, tab, session)
	s.emitSessionEvent(tab, schema.SessionEventStatus, nil)
	s.ensureWatch(ctx, tab, session.AgentType, session.ExternalID)
	log.Info("service session resumed on send", "new_session", session.ID)
	return session, nil
}

func (s *service) GetMessages(ctx context.Context, req schema.GetMessagesRequest) (schema.GetMessagesResponse, error) {
	if ctx == nil {
		return schema.GetMessagesResponse{}, errors.New("missing context")
	}
	if _, ok := s.tabs.Get(req.TabID); !ok {
		return schema.GetMessagesResponse{}, schema.ErrTabNotFound
	}
	resp := schema.GetMessagesResponse{Messages: s.buffers.Snapshot(req.TabID)}
	s.mu.Lock()
	if st := s.state[req.TabID]; st != nil {
		resp.Waiting = st.waiting
		if st.prompt != nil {
			p := *st.prompt
			resp.Prompt = &p
		}
	}
	s.mu.Unlock()
	return resp, nil
}

// LoadOlder prepends the next older history page to the tab.
func (s *service) LoadOlder(ctx context.Context, req schema.LoadOlderRequest) (schema.LoadOlderResponse, error) {
	if ctx == nil {
		return schema.LoadOlderResponse{}, errors.New("missing context")
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.LoadOlderResponse{}, schema.ErrTabNotFound
	}
	ext := tab.CLISessionID
	if session, ok := s.sessions.Get(tab.ID); ok && session.ExternalID != "" {
		ext = session.ExternalID
	}
	if ext == "" {
		return schema.LoadOlderResponse{}, schema.ErrNoActiveSession
	}
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	offset, hasMore := st.historyOffset, st.hasMore
	s.mu.Unlock()
	if !hasMore {
		return schema.LoadOlderResponse{Messages: []schema.Message{}, HasMore: false}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.HistoryPageSize
	}
	page, err := s.history.HistoryPage(ctx, schema.HistoryPageRequest{
		AgentType:  tab.AgentType,
		ProjectID:  tab.ProjectID,
		ExternalID: ext,
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		logx.WithProjectTab(ctx, tab.ProjectID, tab.ID).Warn("service history page failed", "err", err)
		return schema.LoadOlderResponse{}, err
	}
	older := chronological(page.Messages, schema.SourceHistory)
	added := s.buffers.PrependPage(tab.ID, older)
	s.mu.Lock()
	st = s.stateLocked(tab.ID)
	st.historyOffset = offset + len(page.Messages)
	st.hasMore = page.HasMore
	s.mu.Unlock()
	if len(added) > 0 {
		s.emitMessageEvent(tab, schema.MessagesPrepend, added)
	}
	if added == nil {
		added = []schema.Message{}
	}
	return schema.LoadOlderResponse{Messages: added, HasMore: page.HasMore}, nil
}

// AnswerPrompt sends the formatted answer and clears the pending prompt.
func (s *service) AnswerPrompt(ctx context.Context, req schema.AnswerPromptRequest) (schema.SendMessageResponse, error) {
	if ctx == nil {
		return schema.SendMessageResponse{}, errors.New("missing context")
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.SendMessageResponse{}, schema.ErrTabNotFound
	}
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	pending := st.prompt
	s.mu.Unlock()
	if pending == nil {
		return schema.SendMessageResponse{}, schema.ErrNoPrompt
	}
	text, err := prompt.FormatAnswer(*pending, req.Answers)
	if err != nil {
		return schema.SendMessageResponse{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	var meta map[string]string
	if pending.ToolUseID != "" {
		meta = map[string]string{schema.MetaPromptToolUse: pending.ToolUseID}
	}
	s.clearPrompt(tab)
	resp, err := s.send(ctx, tab.ID, text, meta, true)
	if err != nil && resp.Message.ID == "" {
		s.setPrompt(tab, *pending)
	}
	return resp, err
}

func (s *service) CancelPrompt(ctx context.Context, req schema.CancelPromptRequest) (schema.Empty, error) {
	if ctx == nil {
		return schema.Empty{}, errors.New("missing context")
	}
	tab, ok := s.tabs.Get(req.TabID)
	if !ok {
		return schema.Empty{}, schema.ErrTabNotFound
	}
	if !s.clearPrompt(tab) {
		return schema.Empty{}, schema.ErrNoPrompt
	}
	return schema.Empty{}, nil
}

func (s *service) ListCLISessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	if ctx == nil {
		return schema.ListSessionsResponse{}, errors.New("missing context")
	}
	projectID, err := schema.NormalizeProjectID(req.ProjectID)
	if err != nil {
		return schema.ListSessionsResponse{}, err
	}
	agent, err := s.agentFor(req.AgentType)
	if err != nil {
		return schema.ListSessionsResponse{}, err
	}
	sessions, err := s.history.ListSessions(ctx, schema.ListSessionsRequest{AgentType: agent, ProjectID: projectID})
	if err != nil {
		return schema.ListSessionsResponse{}, err
	}
	if sessions == nil {
		sessions = []schema.SessionInfo{}
	}
	return schema.ListSessionsResponse{Sessions: sessions}, nil
}

func (s *service) Close() error {
	s.cancel()
	s.watcher.StopAll()
	s.wg.Wait()
	return nil
}

// onUpdate routes a watcher update to every tab bound to its external id.
func (s *service) onUpdate(update schema.SessionUpdate) {
	s.metrics.WatchEvent(string(update.Type))
	s.mu.Lock()
	tabIDs := make([]schema.TabID, 0, len(s.byExternal[update.ExternalID]))
	for tabID := range s.byExternal[update.ExternalID] {
		tabIDs = append(tabIDs, tabID)
	}
	s.mu.Unlock()
	slices.Sort(tabIDs)
	for _, tabID := range tabIDs {
		tab, ok := s.tabs.Get(tabID)
		if !ok {
			continue
		}
		s.applyUpdate(tab, update)
	}
}

func (s *service) applyUpdate(tab schema.Tab, update schema.SessionUpdate) {
	ctx := s.baseCtx
	log := logx.WithExternal(logx.WithProjectTab(ctx, tab.ProjectID, tab.ID), update.ExternalID)
	switch update.Type {
	case schema.UpdateNewMessage:
		if update.Message != nil {
			s.handleLiveMessage(ctx, tab, *update.Message)
		}
	case schema.UpdateUserPromptRequired:
		if update.Prompt != nil {
			s.setPrompt(tab, *update.Prompt)
		}
	case schema.UpdateError:
		log.Warn("service watcher error", "err", update.Error)
		s.emitSessionEvent(tab, schema.SessionEventNotice, func(ev *schema.SessionEvent) { ev.Notice = update.Error })
	case schema.UpdateStatusChanged:
		log.Debug("service session status changed", "status", update.Status)
		s.emitSessionEvent(tab, schema.SessionEventNotice, func(ev *schema.SessionEvent) { ev.Notice = update.Status })
	case schema.UpdateSessionEnded:
		if session, changed := s.sessions.MarkEnded(tab.ID); changed {
			logx.WithSession(log, session).Info("service session ended")
			s.setWaiting(tab, false)
			s.emitSessionEvent(tab, schema.SessionEventStatus, nil)
		}
	default:
		log.Debug("service watcher update ignored", "type", update.Type)
	}
}

func (s *service) handleLiveMessage(ctx context.Context, tab schema.Tab, msg schema.Message) {
	msg = msg.Clone()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.Status == "" {
		msg.Status = schema.MessageCompleted
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	if msg.Metadata[schema.MetaSource] == "" {
		msg.Metadata[schema.MetaSource] = schema.SourceLive
	}
	if msg.Role == schema.RoleUser {
		s.mu.Lock()
		st := s.stateLocked(tab.ID)
		echoed := st.consumeEcho(msg.Content)
		answered := st.prompt != nil && st.prompt.ToolUseID != "" && prompt.IsAnswerTo(msg.Content, st.prompt.ToolUseID)
		s.mu.Unlock()
		if answered {
			s.clearPrompt(tab)
		}
		if echoed {
			return
		}
	}
	stored, added, dropped := s.buffers.AppendLive(tab.ID, msg)
	if !added {
		return
	}
	s.metrics.MessageAppended(stored.Meta(schema.MetaSource))
	s.metrics.BufferTruncated(dropped)
	s.emitMessageEvent(tab, schema.MessageAppended, []schema.Message{stored})
	s.sessions.Touch(tab.ID)
	if stored.Role != schema.RoleAssistant {
		return
	}
	s.setWaiting(tab, false)
	if p, ok := prompt.Extract(stored.Content); ok {
		s.setPrompt(tab, p)
	}
	updated, flagged, err := s.tabs.MarkActivity(ctx, tab.ID)
	if err != nil {
		logx.WithProjectTab(ctx, tab.ProjectID, tab.ID).Warn("service tab activity persist failed", "err", err)
		return
	}
	if flagged {
		s.emitTabEvent(schema.TabEventActivity, updated, "")
	}
}

// bindSession records the session and external ids on the tab.
func (s *service) bindSession(ctx context.Context, tab schema.Tab, session schema.Session) schema.Tab {
	update := TabUpdate{SessionID: &session.ID}
	if session.ExternalID != "" {
		update.CLISessionID = &session.ExternalID
	}
	updated, err := s.tabs.Update(ctx, tab.ID, update)
	if err != nil {
		logx.WithProjectTab(ctx, tab.ProjectID, tab.ID).Warn("service tab session persist failed", "err", err)
		return tab
	}
	s.emitTabEvent(schema.TabEventUpdated, updated, "")
	return updated
}

// startPoll waits in the background for the agent's external id and starts
// watching once it is known.
func (s *service) startPoll(ctx context.Context, tab schema.Tab, session schema.Session) {
	pollCtx, cancel := context.WithCancel(logx.CopyContextFields(s.baseCtx, ctx))
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	if st.pollCancel != nil {
		st.pollCancel()
	}
	st.pollCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		log := logx.WithSession(logx.WithProjectTab(pollCtx, tab.ProjectID, tab.ID), session)
		ext, found, err := s.sessions.PollForExternalID(pollCtx, tab.ID)
		if err != nil {
			if pollCtx.Err() == nil {
				log.Warn("service external id poll failed", "err", err)
			}
			return
		}
		if !found {
			log.Debug("service external id not found")
			return
		}
		current, ok := s.tabs.Get(tab.ID)
		if !ok {
			return
		}
		current = s.bindSession(pollCtx, current, schema.Session{ID: session.ID, ExternalID: ext})
		s.emitSessionEvent(current, schema.SessionEventStatus, nil)
		log.Info("service external id synced", "external_session", ext)
		s.ensureWatch(pollCtx, current, session.AgentType, ext)
	}()
}

// ensureWatch subscribes the tab to its external session, replacing any
// previous subscription.
func (s *service) ensureWatch(ctx context.Context, tab schema.Tab, agent schema.AgentType, ext schema.ExternalSessionID) {
	if ext == "" {
		return
	}
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	if st.external == ext && st.watch != "" && s.watcher.Active(ext) {
		s.mu.Unlock()
		return
	}
	previousExt := st.external
	st.watch = ""
	st.external = ext
	releasedPrevious := false
	if previousExt != "" && previousExt != ext {
		releasedPrevious = s.releaseExternalLocked(previousExt, tab.ID)
	}
	if s.byExternal[ext] == nil {
		s.byExternal[ext] = make(map[schema.TabID]struct{})
	}
	s.byExternal[ext][tab.ID] = struct{}{}
	s.mu.Unlock()
	if releasedPrevious {
		s.watcher.StopExternal(previousExt)
	}

	log := logx.WithExternal(logx.WithProjectTab(ctx, tab.ProjectID, tab.ID), ext)
	handle, err := s.watcher.Start(logx.CopyContextFields(s.baseCtx, ctx), schema.WatchRequest{
		AgentType:  agent,
		ProjectID:  tab.ProjectID,
		ExternalID: ext,
	}, s.onUpdate)
	if err != nil {
		if errors.Is(err, schema.ErrWatchUnsupported) {
			log.Debug("service watch unsupported")
		} else {
			log.Warn("service watch start failed", "err", err)
		}
		return
	}
	s.mu.Lock()
	current := s.state[tab.ID]
	if current == nil || current.external != ext {
		_, shared := s.byExternal[ext]
		s.mu.Unlock()
		if !shared {
			s.watcher.StopExternal(ext)
		}
		return
	}
	current.watch = handle
	s.mu.Unlock()
	log.Debug("service watch started", "watch", handle)
}

// releaseExternalLocked unbinds tabID from ext and reports whether it was
// the last tab watching ext.
func (s *service) releaseExternalLocked(ext schema.ExternalSessionID, tabID schema.TabID) bool {
	tabs, ok := s.byExternal[ext]
	if !ok {
		return false
	}
	delete(tabs, tabID)
	if len(tabs) > 0 {
		return false
	}
	delete(s.byExternal, ext)
	return true
}

// detachWatch cancels the tab's poll and watcher but keeps its runtime state.
func (s *service) detachWatch(tabID schema.TabID) {
	s.mu.Lock()
	st := s.state[tabID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	ext := st.external
	if st.pollCancel != nil {
		st.pollCancel()
		st.pollCancel = nil
	}
	last := ext != "" && s.releaseExternalLocked(ext, tabID)
	st.external = ""
	st.watch = ""
	s.mu.Unlock()
	if last {
		s.watcher.StopExternal(ext)
	}
}

// resetState detaches the tab and clears its runtime state.
func (s *service) resetState(tabID schema.TabID) {
	s.detachWatch(tabID)
	s.mu.Lock()
	s.state[tabID] = newTabState()
	s.mu.Unlock()
}

func (s *service) loadHistory(ctx context.Context, tab schema.Tab, ext schema.ExternalSessionID) ([]schema.Message, int, bool) {
	log := logx.WithExternal(logx.WithProjectTab(ctx, tab.ProjectID, tab.ID), ext)
	page, err := s.history.HistoryPage(ctx, schema.HistoryPageRequest{
		AgentType:  tab.AgentType,
		ProjectID:  tab.ProjectID,
		ExternalID: ext,
		Offset:     0,
		Limit:      s.cfg.HistoryPageSize,
	})
	if err == nil {
		return chronological(page.Messages, schema.SourceHistory), len(page.Messages), page.HasMore
	}
	log.Warn("service history page failed, loading full history", "err", err)
	messages, err := s.history.History(ctx, schema.HistoryRequest{
		AgentType:  tab.AgentType,
		ProjectID:  tab.ProjectID,
		ExternalID: ext,
	})
	if err != nil {
		log.Warn("service history load failed", "err", err)
		return []schema.Message{}, 0, false
	}
	out := make([]schema.Message, len(messages))
	for i, msg := range messages {
		out[i] = normalizeHistoryMessage(msg, schema.SourceHistory)
	}
	return out, len(out), false
}

// chronological reverses a newest-first page.
func chronological(page []schema.Message, source string) []schema.Message {
	out := make([]schema.Message, len(page))
	for i, msg := range page {
		out[len(page)-1-i] = normalizeHistoryMessage(msg, source)
	}
	return out
}

func normalizeHistoryMessage(msg schema.Message, source string) schema.Message {
	msg = msg.Clone()
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	if msg.Metadata[schema.MetaSource] == "" {
		msg.Metadata[schema.MetaSource] = source
	}
	if msg.ID == "" {
		msg.ID = SynthesizeMessageID(msg.Role, msg.Content, msg.Timestamp)
		msg.Metadata[schema.MetaSynthesized] = schema.MetaValueTrue
	}
	if msg.Status == "" {
		msg.Status = schema.MessageCompleted
	}
	return msg
}

func (s *service) appendMessage(tab schema.Tab, msg schema.Message) {
	added, dropped := s.buffers.Append(tab.ID, msg)
	if !added {
		return
	}
	s.metrics.MessageAppended(msg.Meta(schema.MetaSource))
	s.metrics.BufferTruncated(dropped)
	s.emitMessageEvent(tab, schema.MessageAppended, []schema.Message{msg})
}

func (s *service) patchMessage(tab schema.Tab, id schema.MessageID, patch schema.MessagePatch) schema.Message {
	msg, err := s.buffers.Patch(tab.ID, id, patch)
	if err != nil {
		s.logger.Debug("service message patch skipped", "tab", tab.ID, "message", id, "err", err)
		return schema.Message{ID: id}
	}
	s.emitMessageEvent(tab, schema.MessagePatched, []schema.Message{msg})
	return msg
}

func (s *service) setWaiting(tab schema.Tab, waiting bool) {
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	if st.waiting == waiting {
		s.mu.Unlock()
		return
	}
	st.waiting = waiting
	s.mu.Unlock()
	s.emitSessionEvent(tab, schema.SessionEventWaiting, func(ev *schema.SessionEvent) { ev.Waiting = waiting })
}

func (s *service) setPrompt(tab schema.Tab, p schema.StructuredPrompt) {
	s.mu.Lock()
	st := s.stateLocked(tab.ID)
	if st.prompt != nil && samePrompt(*st.prompt, p) {
		s.mu.Unlock()
		return
	}
	st.prompt = &p
	st.waiting = false
	s.mu.Unlock()
	s.emitSessionEvent(tab, schema.SessionEventPrompt, func(ev *schema.SessionEvent) { ev.Prompt = &p })
}

// samePrompt matches by tool use id, or by content when neither has one.
func samePrompt(held, incoming schema.StructuredPrompt) bool {
	if held.ToolUseID != "" || incoming.ToolUseID != "" {
		return held.ToolUseID == incoming.ToolUseID
	}
	return reflect.DeepEqual(held.Questions, incoming.Questions)
}

func (s *service) clearPrompt(tab schema.Tab) bool {
	s.mu.Lock()
	st := s.state[tab.ID]
	if st == nil || st.prompt == nil {
		s.mu.Unlock()
		return false
	}
	st.prompt = nil
	s.mu.Unlock()
	s.emitSessionEvent(tab, schema.SessionEventPromptCleared, nil)
	return true
}

func (s *service) stateLocked(tabID schema.TabID) *tabState {
	st := s.state[tabID]
	if st == nil {
		st = newTabState()
		s.state[tabID] = st
	}
	return st
}

func (s *service) agentFor(agent schema.AgentType) (schema.AgentType, error) {
	if strings.TrimSpace(string(agent)) == "" {
		if s.cfg.DefaultAgent == "" {
			return "", schema.ErrNoAgent
		}
		return s.cfg.DefaultAgent, nil
	}
	return schema.NormalizeAgentType(string(agent))
}

func (s *service) emitTabEvent(eventType schema.TabEventType, tab schema.Tab, active schema.TabID) {
	if s.sink == nil {
		return
	}
	s.sink.OnTabEvent(schema.TabEvent{ProjectID: tab.ProjectID, Type: eventType, Tab: tab, ActiveTab: active})
}

func (s *service) emitMessageEvent(tab schema.Tab, eventType schema.MessageEventType, messages []schema.Message) {
	if s.sink == nil {
		return
	}
	s.sink.OnMessageEvent(schema.MessageEvent{ProjectID: tab.ProjectID, TabID: tab.ID, Type: eventType, Messages: messages})
}

func (s *service) emitSessionEvent(tab schema.Tab, eventType schema.SessionEventType, fill func(*schema.SessionEvent)) {
	if s.sink == nil {
		return
	}
	event := schema.SessionEvent{ProjectID: tab.ProjectID, TabID: tab.ID, Type: eventType}
	if session, ok := s.sessions.Get(tab.ID); ok {
		event.Session = session
	}
	if fill != nil {
		fill(&event)
	}
	s.sink.OnSessionEvent(event)
}

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jariahh/ateliercode-sub000/schema"
)

type fakeHost struct {
	mu       sync.Mutex
	next     int
	starts   []schema.HostStartRequest
	sends    []string
	stops    []schema.SessionID
	external map[schema.SessionID]schema.ExternalSessionID
	syncs    int
	sendErr  error
	startErr error
	// syncAfter is the number of sync calls before the external id appears.
	syncAfter int
}

func newFakeHost() *fakeHost {
	return &fakeHost{external: make(map[schema.SessionID]schema.ExternalSessionID)}
}

func (h *fakeHost) Start(_ context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return schema.SessionDescriptor{}, h.startErr
	}
	h.next++
	h.starts = append(h.starts, req)
	id := schema.SessionID(fmt.Sprintf("host-%d", h.next))
	return schema.SessionDescriptor{SessionID: id, ProjectID: req.ProjectID, AgentType: req.AgentType, ExternalID: req.ResumeExternalID, Running: true}, nil
}

func (h *fakeHost) Send(_ context.Context, _ schema.SessionID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sends = append(h.sends, text)
	return nil
}

func (h *fakeHost) Stop(_ context.Context, id schema.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, id)
	return nil
}

func (h *fakeHost) SyncExternalID(_ context.Context, id schema.SessionID) (schema.ExternalSessionID, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs++
	if h.syncs <= h.syncAfter {
		return "", false, nil
	}
	ext, ok := h.external[id]
	return ext, ok, nil
}

func (h *fakeHost) ListActive(context.Context) ([]schema.SessionDescriptor, error) {
	return nil, nil
}

func (h *fakeHost) setExternal(id schema.SessionID, ext schema.ExternalSessionID) {
	h.mu.Lock()
	h.external[id] = ext
	h.mu.Unlock()
}

func (h *fakeHost) startCalls() []schema.HostStartRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.HostStartRequest(nil), h.starts...)
}

func (h *fakeHost) sentTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sends...)
}

type fakeHistory struct {
	mu       sync.Mutex
	messages map[schema.ExternalSessionID][]schema.Message
	saved    []schema.SaveMessageRequest
	saveErr  error
	pageErr  error
	nextID   int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{messages: make(map[schema.ExternalSessionID][]schema.Message)}
}

func (f *fakeHistory) History(_ context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneMessages(f.messages[req.ExternalID]), nil
}

func (f *fakeHistory) HistoryPage(_ context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return schema.HistoryPage{}, f.pageErr
	}
	all := f.messages[req.ExternalID]
	newest := make([]schema.Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		newest = append(newest, all[i])
	}
	start := req.Offset
	if start > len(newest) {
		start = len(newest)
	}
	end := start + req.Limit
	if end > len(newest) {
		end = len(newest)
	}
	return schema.HistoryPage{
		Messages:   cloneMessages(newest[start:end]),
		TotalCount: len(newest),
		HasMore:    end < len(newest),
		Offset:     req.Offset,
	}, nil
}

func (f *fakeHistory) ListSessions(context.Context, schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.SessionInfo, 0, len(f.messages))
	for ext, msgs := range f.messages {
		out = append(out, schema.SessionInfo{ExternalID: ext, MessageCount: len(msgs)})
	}
	return out, nil
}

func (f *fakeHistory) SaveMessage(_ context.Context, req schema.SaveMessageRequest) (schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return schema.Message{}, f.saveErr
	}
	f.saved = append(f.saved, req)
	f.nextID++
	return schema.Message{ID: schema.MessageID(fmt.Sprintf("db-%d", f.nextID)), Role: req.Role, Content: req.Content, Status: schema.MessageSent}, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	listeners map[schema.ExternalSessionID][]UpdateFunc
	subs      int
	cancels   int
	// gate blocks Subscribe until closed when set.
	gate chan struct{}
	// entered is signalled when Subscribe starts waiting on gate.
	entered chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{listeners: make(map[schema.ExternalSessionID][]UpdateFunc)}
}

func (f *fakeEvents) Subscribe(ctx context.Context, req schema.WatchRequest, fn UpdateFunc) (func(), error) {
	if f.gate != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.subs++
	f.listeners[req.ExternalID] = append(f.listeners[req.ExternalID], fn)
	idx := len(f.listeners[req.ExternalID]) - 1
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.cancels++
			list := f.listeners[req.ExternalID]
			if idx < len(list) {
				list[idx] = nil
			}
		})
	}, nil
}

func (f *fakeEvents) emit(update schema.SessionUpdate) int {
	f.mu.Lock()
	list := append([]UpdateFunc(nil), f.listeners[update.ExternalID]...)
	f.mu.Unlock()
	delivered := 0
	for _, fn := range list {
		if fn == nil {
			continue
		}
		fn(update)
		delivered++
	}
	return delivered
}

func (f *fakeEvents) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs, f.cancels
}

type recordingSink struct {
	mu       sync.Mutex
	tabs     []schema.TabEvent
	messages []schema.MessageEvent
	sessions []schema.SessionEvent
}

func (r *recordingSink) OnTabEvent(event schema.TabEvent) {
	r.mu.Lock()
	r.tabs = append(r.tabs, event)
	r.mu.Unlock()
}

func (r *recordingSink) OnMessageEvent(event schema.MessageEvent) {
	r.mu.Lock()
	r.messages = append(r.messages, event)
	r.mu.Unlock()
}

func (r *recordingSink) OnSessionEvent(event schema.SessionEvent) {
	r.mu.Lock()
	r.sessions = append(r.sessions, event)
	r.mu.Unlock()
}

func (r *recordingSink) messageEvents() []schema.MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.MessageEvent(nil), r.messages...)
}

func (r *recordingSink) sessionEvents(eventType schema.SessionEventType) []schema.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.SessionEvent
	for _, ev := range r.sessions {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingSink) tabEvents(eventType schema.TabEventType) []schema.TabEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.TabEvent
	for _, ev := range r.tabs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// failingTabStore fails saves once fail is set.
type failingTabStore struct {
	*memoryTabStore
	fail bool
}

func (f *failingTabStore) SaveTabs(ctx context.Context, projectID schema.ProjectID, tabs []schema.Tab) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.memoryTabStore.SaveTabs(ctx, projectID, tabs)
}

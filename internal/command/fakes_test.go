package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

type fakeAgents struct {
	mu      sync.Mutex
	started []schema.HostStartRequest
	sent    []string
	stopped []schema.SessionID
	ext     map[schema.SessionID]schema.ExternalSessionID
	sendErr error
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{ext: map[schema.SessionID]schema.ExternalSessionID{}}
}

func (f *fakeAgents) Start(_ context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	id := schema.SessionID(fmt.Sprintf("host-%d", len(f.started)))
	return schema.SessionDescriptor{SessionID: id, ProjectID: req.ProjectID, AgentType: req.AgentType, ExternalID: req.ResumeExternalID, Running: true, StartedAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (f *fakeAgents) Send(_ context.Context, sessionID schema.SessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(sessionID)+":"+text)
	return nil
}

func (f *fakeAgents) Stop(_ context.Context, sessionID schema.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeAgents) SyncExternalID(_ context.Context, sessionID schema.SessionID) (schema.ExternalSessionID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ext, ok := f.ext[sessionID]
	return ext, ok, nil
}

func (f *fakeAgents) ListActive(context.Context) ([]schema.SessionDescriptor, error) {
	return nil, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	messages map[schema.ExternalSessionID][]schema.Message
	saved    []schema.SaveMessageRequest
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{messages: map[schema.ExternalSessionID][]schema.Message{}}
}

func (f *fakeHistory) History(_ context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Message(nil), f.messages[req.ExternalID]...), nil
}

func (f *fakeHistory) HistoryPage(_ context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[req.ExternalID]
	return schema.HistoryPage{Messages: all, TotalCount: len(all), Offset: req.Offset}, nil
}

func (f *fakeHistory) ListSessions(context.Context, schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	return []schema.SessionInfo{{ExternalID: "ext-1", MessageCount: 2}}, nil
}

func (f *fakeHistory) SaveMessage(_ context.Context, req schema.SaveMessageRequest) (schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, req)
	return schema.Message{ID: schema.MessageID(fmt.Sprintf("db-%d", len(f.saved))), Role: req.Role, Content: req.Content, Status: schema.MessageSent}, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	subs map[schema.ExternalSessionID][]core.UpdateFunc
	subc chan schema.ExternalSessionID
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: map[schema.ExternalSessionID][]core.UpdateFunc{}, subc: make(chan schema.ExternalSessionID, 8)}
}

func (f *fakeEvents) Subscribe(_ context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error) {
	f.mu.Lock()
	f.subs[req.ExternalID] = append(f.subs[req.ExternalID], fn)
	idx := len(f.subs[req.ExternalID]) - 1
	f.mu.Unlock()
	f.subc <- req.ExternalID
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if idx < len(f.subs[req.ExternalID]) {
			f.subs[req.ExternalID][idx] = nil
		}
	}, nil
}

// emit delivers update to every subscriber, including ones for other ids,
// so tests can check that the router filters.
func (f *fakeEvents) emit(update schema.SessionUpdate) {
	f.mu.Lock()
	var fns []core.UpdateFunc
	for _, set := range f.subs {
		for _, fn := range set {
			if fn != nil {
				fns = append(fns, fn)
			}
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

func (f *fakeEvents) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.subs {
		for _, fn := range set {
			if fn != nil {
				n++
			}
		}
	}
	return n
}

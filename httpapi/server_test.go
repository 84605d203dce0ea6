package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/eventbus"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/peerlink"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

type fakeService struct {
	core.Service

	mu      sync.Mutex
	tabs    []schema.Tab
	buffers map[schema.TabID][]schema.Message
	sent    []schema.SendMessageRequest
}

func newFakeService() *fakeService {
	return &fakeService{
		tabs: []schema.Tab{{ID: "tab1", ProjectID: "/proj", AgentType: "claude-code", Label: "Claude"}},
		buffers: map[schema.TabID][]schema.Message{
			"tab1": {{ID: "m1", Role: schema.RoleUser, Content: "hello"}},
		},
	}
}

func (f *fakeService) ListTabs(_ context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	if req.ProjectID == "" {
		return schema.ListTabsResponse{}, schema.ErrNoProject
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schema.Tab
	for _, tab := range f.tabs {
		if tab.ProjectID == req.ProjectID {
			out = append(out, tab)
		}
	}
	return schema.ListTabsResponse{Tabs: out, ActiveTab: "tab1"}, nil
}

func (f *fakeService) CreateTab(_ context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab := schema.Tab{ID: "tab2", ProjectID: req.ProjectID, AgentType: req.AgentType, Label: req.Label}
	f.tabs = append(f.tabs, tab)
	return schema.CreateTabResponse{Tab: tab}, nil
}

func (f *fakeService) GetMessages(_ context.Context, req schema.GetMessagesRequest) (schema.GetMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages, ok := f.buffers[req.TabID]
	if !ok {
		return schema.GetMessagesResponse{}, schema.ErrTabNotFound
	}
	return schema.GetMessagesResponse{Messages: messages}, nil
}

func (f *fakeService) SendMessage(_ context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[req.TabID]; !ok {
		return schema.SendMessageResponse{}, schema.ErrTabNotFound
	}
	f.sent = append(f.sent, req)
	return schema.SendMessageResponse{Message: schema.Message{ID: "m2", Role: schema.RoleUser, Content: req.Content}}, nil
}

type peerFunc func(ctx context.Context, link wire.Link) error

func (f peerFunc) Serve(ctx context.Context, link wire.Link) error { return f(ctx, link) }

func newTestServer(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Service == nil {
		deps.Service = newFakeService()
	}
	srv, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, client *http.Client, url string, out any) int {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{}, Deps{})
	var body map[string]any
	if status := getJSON(t, ts.Client(), ts.URL+"/healthz", &body); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if body["status"] != "ok" || body["version"] == "" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTabsAndMessages(t *testing.T) {
	svc := newFakeService()
	ts := newTestServer(t, Config{}, Deps{Service: svc})
	client := ts.Client()

	var tabs schema.ListTabsResponse
	if status := getJSON(t, client, ts.URL+"/api/tabs?project=/proj", &tabs); status != http.StatusOK {
		t.Fatalf("unexpected list status %d", status)
	}
	if len(tabs.Tabs) != 1 || tabs.Tabs[0].ID != "tab1" || tabs.ActiveTab != "tab1" {
		t.Fatalf("unexpected tabs %+v", tabs)
	}
	if status := getJSON(t, client, ts.URL+"/api/tabs", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without project, got %d", status)
	}

	resp, err := client.Post(ts.URL+"/api/tabs", "application/json", strings.NewReader(`{"project_id":"/proj","agent_type":"claude-code","label":"Second"}`))
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	var created schema.CreateTabResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || created.Tab.Label != "Second" {
		t.Fatalf("unexpected create %d %+v", resp.StatusCode, created)
	}

	resp, err = client.Post(ts.URL+"/api/tabs", "application/json", strings.NewReader(`{"bogus":true}`))
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}

	var buffer schema.GetMessagesResponse
	if status := getJSON(t, client, ts.URL+"/api/messages?tab=tab1", &buffer); status != http.StatusOK {
		t.Fatalf("unexpected messages status %d", status)
	}
	if len(buffer.Messages) != 1 || buffer.Messages[0].ID != "m1" {
		t.Fatalf("unexpected buffer %+v", buffer)
	}
	if status := getJSON(t, client, ts.URL+"/api/messages?tab=ghost", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tab, got %d", status)
	}

	resp, err = client.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"tab_id":"tab1","content":"hi"}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected send status %d", resp.StatusCode)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.sent) != 1 || svc.sent[0].Content != "hi" {
		t.Fatalf("unexpected sent %+v", svc.sent)
	}
}

func readSSEData(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var id, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if data != "" {
				return id, data
			}
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStreamSnapshotThenLive(t *testing.T) {
	bus := eventbus.New(nil, eventbus.Options{})
	bus.OnTabEvent(schema.TabEvent{ProjectID: "/proj", Type: schema.TabEventCreated})
	ts := newTestServer(t, Config{}, Deps{Events: bus})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?project=/proj", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	_, data := readSSEData(t, reader)
	var snap snapshotEvent
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Type != "snapshot" || snap.Snapshot.Seq != 1 || len(snap.Snapshot.Tabs) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Snapshot)
	}
	if got := snap.Snapshot.Buffers["tab1"].Messages; len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("unexpected snapshot buffer %+v", got)
	}

	bus.OnMessageEvent(schema.MessageEvent{
		ProjectID: "/proj",
		TabID:     "tab1",
		Type:      schema.MessageAppended,
		Messages:  []schema.Message{{ID: "m2", Content: "live"}},
	})
	id, data := readSSEData(t, reader)
	if id != "2" {
		t.Fatalf("expected event id 2, got %q", id)
	}
	var event eventbus.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != eventbus.EventMessage || event.Message == nil || event.Message.Messages[0].ID != "m2" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestEventStreamReplaysAfterLastEventID(t *testing.T) {
	bus := eventbus.New(nil, eventbus.Options{})
	for i := 0; i < 3; i++ {
		bus.OnSessionEvent(schema.SessionEvent{ProjectID: "/proj", TabID: "tab1", Type: schema.SessionEventWaiting})
	}
	ts := newTestServer(t, Config{}, Deps{Events: bus})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?project=/proj", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	if _, data := readSSEData(t, reader); !strings.Contains(data, `"type":"snapshot"`) {
		t.Fatalf("expected snapshot first, got %s", data)
	}
	if id, _ := readSSEData(t, reader); id != "2" {
		t.Fatalf("expected replay from 2, got %q", id)
	}
	if id, _ := readSSEData(t, reader); id != "3" {
		t.Fatalf("expected replay of 3, got %q", id)
	}
}

func TestEventStreamRequiresProject(t *testing.T) {
	ts := newTestServer(t, Config{}, Deps{Events: eventbus.New(nil, eventbus.Options{})})
	if status := getJSON(t, ts.Client(), ts.URL+"/api/events", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestBasePathPrefixesRoutes(t *testing.T) {
	ts := newTestServer(t, Config{BasePath: "atelier/"}, Deps{})
	if status := getJSON(t, ts.Client(), ts.URL+"/atelier/healthz", nil); status != http.StatusOK {
		t.Fatalf("expected prefixed healthz, got %d", status)
	}
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", resp.StatusCode)
	}
}

func TestPeerWebSocketReachesPeerServer(t *testing.T) {
	accepted := make(chan string, 1)
	peers := peerFunc(func(_ context.Context, link wire.Link) error {
		accepted <- link.Codec().Name()
		return link.Close()
	})
	ts := newTestServer(t, Config{PeerPath: "/peer"}, Deps{Peers: peers})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/peer"
	link, err := peerlink.DialWebSocket(context.Background(), url, wire.CBOR(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer link.Close()
	select {
	case name := <-accepted:
		if name != wire.CodecCBOR {
			t.Fatalf("expected cbor link, got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer server never saw the link")
	}
}

func TestSignalingAndMetricsRoutes(t *testing.T) {
	m := metrics.New()
	relay := peerlink.NewMemorySignaler()
	ts := newTestServer(t, Config{MetricsPath: "/metrics"}, Deps{Signaler: relay, Metrics: m})

	client := &peerlink.HTTPSignaler{BaseURL: ts.URL + peerlink.SignalingPath, Client: ts.Client()}
	if err := client.PublishOffer(context.Background(), "ui", "host", "offer"); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	offers, err := relay.PollOffers(context.Background(), "host")
	if err != nil || len(offers) != 1 {
		t.Fatalf("expected relayed offer, got %v %v", offers, err)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `atelier_http_requests_total{code="204",route="/api/signal/"} 1`) {
		t.Fatalf("signal request not counted:\n%s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		schema.ErrTabNotFound:      http.StatusNotFound,
		schema.ErrPromptPending:    http.StatusConflict,
		schema.ErrAgentUnavailable: http.StatusServiceUnavailable,
		schema.ErrTimeout:          http.StatusGatewayTimeout,
		schema.ErrEmptyMessage:     http.StatusBadRequest,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	teapot := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	go func() { done <- Serve(ctx, ln, teapot) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

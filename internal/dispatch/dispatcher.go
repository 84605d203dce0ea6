package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/schema"
	"pkt.systems/pslog"
)

var (
	_ core.AgentHost    = (*Dispatcher)(nil)
	_ core.HistoryStore = (*Dispatcher)(nil)
	_ core.EventSource  = (*Dispatcher)(nil)
	_ core.TabStore     = (*Dispatcher)(nil)
)

// Dispatcher turns core collaborator calls into host commands. Each call
// goes through the peer transport when one is attached and the local
// transport otherwise.
type Dispatcher struct {
	local   Transport
	metrics *metrics.Metrics

	mu   sync.RWMutex
	peer Transport
}

// New builds a dispatcher over a local transport. local may be nil for a
// pure peer client.
func New(local Transport, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{local: local, metrics: m}
}

// AttachPeer routes subsequent calls through peer. When peer exposes Done,
// the dispatcher falls back to the local transport once it closes.
func (d *Dispatcher) AttachPeer(peer Transport) {
	d.mu.Lock()
	d.peer = peer
	d.mu.Unlock()
	notifier, ok := peer.(interface{ Done() <-chan struct{} })
	if !ok {
		return
	}
	go func() {
		<-notifier.Done()
		d.mu.Lock()
		if d.peer == peer {
			d.peer = nil
		}
		d.mu.Unlock()
	}()
}

// DetachPeer returns to the local topology.
func (d *Dispatcher) DetachPeer() {
	d.mu.Lock()
	d.peer = nil
	d.mu.Unlock()
}

// Topology reports the strategy the next call will use.
func (d *Dispatcher) Topology() Topology {
	t, err := d.transport()
	if err != nil {
		return ""
	}
	return t.Topology()
}

func (d *Dispatcher) transport() (Transport, error) {
	d.mu.RLock()
	peer := d.peer
	d.mu.RUnlock()
	if peer != nil {
		return peer, nil
	}
	if d.local != nil {
		return d.local, nil
	}
	return nil, core.NewError(core.ErrorTransport, "dispatch", schema.ErrPeerClosed)
}

// Call issues command on the transport selected for this call.
func (d *Dispatcher) Call(ctx context.Context, command schema.CommandName, params any, out any) error {
	t, err := d.transport()
	if err != nil {
		return err
	}
	start := time.Now()
	err = t.Call(ctx, command, params, out)
	d.metrics.ObserveCall(string(t.Topology()), string(command), err, time.Since(start))
	if err != nil {
		pslog.Ctx(ctx).Debug("dispatch call failed", "command", command, "topology", t.Topology(), "err", err)
	}
	return err
}

func (d *Dispatcher) Start(ctx context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error) {
	var resp schema.SessionDescriptor
	err := d.Call(ctx, schema.CmdStartSession, req, &resp)
	return resp, err
}

func (d *Dispatcher) Send(ctx context.Context, sessionID schema.SessionID, text string) error {
	return d.Call(ctx, schema.CmdSendMessage, schema.HostSendRequest{SessionID: sessionID, Text: text}, nil)
}

func (d *Dispatcher) Stop(ctx context.Context, sessionID schema.SessionID) error {
	return d.Call(ctx, schema.CmdStopSession, schema.HostSessionRequest{SessionID: sessionID}, nil)
}

func (d *Dispatcher) SyncExternalID(ctx context.Context, sessionID schema.SessionID) (schema.ExternalSessionID, bool, error) {
	var resp schema.SyncExternalIDResponse
	if err := d.Call(ctx, schema.CmdSyncExternalID, schema.HostSessionRequest{SessionID: sessionID}, &resp); err != nil {
		return "", false, err
	}
	return resp.ExternalID, resp.Found && resp.ExternalID != "", nil
}

func (d *Dispatcher) ListActive(ctx context.Context) ([]schema.SessionDescriptor, error) {
	var resp schema.ListActiveResponse
	err := d.Call(ctx, schema.CmdListActiveSessions, schema.Empty{}, &resp)
	return resp.Sessions, err
}

func (d *Dispatcher) History(ctx context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	var resp schema.HistoryResponse
	err := d.Call(ctx, schema.CmdGetHistory, req, &resp)
	return resp.Messages, err
}

func (d *Dispatcher) HistoryPage(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	var resp schema.HistoryPage
	err := d.Call(ctx, schema.CmdGetHistoryPage, req, &resp)
	return resp, err
}

func (d *Dispatcher) ListSessions(ctx context.Context, req schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	var resp schema.ListSessionsResponse
	err := d.Call(ctx, schema.CmdListCLISessions, req, &resp)
	return resp.Sessions, err
}

func (d *Dispatcher) SaveMessage(ctx context.Context, req schema.SaveMessageRequest) (schema.Message, error) {
	var resp schema.SaveMessageResponse
	err := d.Call(ctx, schema.CmdSaveMessage, req, &resp)
	return resp.Message, err
}

// Subscribe attaches fn through the selected transport. The subscription
// stays on that transport even if the topology changes later.
func (d *Dispatcher) Subscribe(ctx context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error) {
	t, err := d.transport()
	if err != nil {
		return nil, err
	}
	cancel, err := t.Subscribe(ctx, req, fn)
	if err != nil {
		if !errors.Is(err, schema.ErrWatchUnsupported) {
			pslog.Ctx(ctx).Debug("dispatch subscribe failed", "external_session", req.ExternalID, "err", err)
		}
		return nil, err
	}
	return cancel, nil
}

func (d *Dispatcher) LoadTabs(ctx context.Context, projectID schema.ProjectID) ([]schema.Tab, error) {
	var resp schema.LoadTabsResponse
	err := d.Call(ctx, schema.CmdLoadTabs, schema.LoadTabsRequest{ProjectID: projectID}, &resp)
	return resp.Tabs, err
}

func (d *Dispatcher) SaveTabs(ctx context.Context, projectID schema.ProjectID, tabs []schema.Tab) error {
	return d.Call(ctx, schema.CmdSaveTabs, schema.SaveTabsRequest{ProjectID: projectID, Tabs: tabs}, nil)
}

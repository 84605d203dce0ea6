package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

type invokerFunc func(ctx context.Context, command schema.CommandName, decode Decoder) (any, error)

func (f invokerFunc) Invoke(ctx context.Context, command schema.CommandName, decode Decoder) (any, error) {
	return f(ctx, command, decode)
}

// remoteHost answers request frames on the far end of a pipe.
type remoteHost struct {
	link wire.Link

	mu       sync.Mutex
	requests []wire.Frame
	respond  func(wire.Frame) (wire.Frame, bool)
}

func newPeerPair(t *testing.T, respond func(wire.Frame) (wire.Frame, bool), timeout time.Duration) (*Peer, *remoteHost) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	remote := &remoteHost{link: wire.NewStreamLink(serverConn, wire.JSON()), respond: respond}
	go remote.serve()
	peer := NewPeer(wire.NewStreamLink(clientConn, wire.JSON()), PeerOptions{Timeout: timeout})
	t.Cleanup(func() {
		_ = peer.Close()
		_ = remote.link.Close()
	})
	return peer, remote
}

func (r *remoteHost) serve() {
	for {
		frame, err := r.link.Recv()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.requests = append(r.requests, frame)
		respond := r.respond
		r.mu.Unlock()
		if respond == nil {
			continue
		}
		if reply, ok := respond(frame); ok {
			_ = r.link.Send(context.Background(), reply)
		}
	}
}

func (r *remoteHost) commands() []schema.CommandName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.CommandName, 0, len(r.requests))
	for _, frame := range r.requests {
		out = append(out, frame.Command)
	}
	return out
}

func TestPeerCallDecodesResult(t *testing.T) {
	peer, _ := newPeerPair(t, func(req wire.Frame) (wire.Frame, bool) {
		var params schema.HostSessionRequest
		if err := wire.Decode(wire.JSON(), req.Params, &params); err != nil {
			return wire.NewErrorResponse(req.ID, err), true
		}
		resp, _ := wire.NewResponse(wire.JSON(), req.ID, schema.SyncExternalIDResponse{ExternalID: schema.ExternalSessionID("ext-" + params.SessionID), Found: true})
		return resp, true
	}, time.Second)

	var resp schema.SyncExternalIDResponse
	require.NoError(t, peer.Call(context.Background(), schema.CmdSyncExternalID, schema.HostSessionRequest{SessionID: "s1"}, &resp))
	assert.Equal(t, schema.ExternalSessionID("ext-s1"), resp.ExternalID)
	assert.True(t, resp.Found)
}

func TestPeerCallTimesOut(t *testing.T) {
	peer, _ := newPeerPair(t, nil, 50*time.Millisecond)
	err := peer.Call(context.Background(), schema.CmdListActiveSessions, schema.Empty{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrTimeout)
	assert.True(t, core.IsKind(err, core.ErrorTransport))
}

func TestPeerCallContextDeadlineIsTimeout(t *testing.T) {
	peer, _ := newPeerPair(t, nil, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := peer.Call(ctx, schema.CmdListActiveSessions, schema.Empty{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrTimeout)
	assert.True(t, core.IsKind(err, core.ErrorTransport))
}

func TestPeerCallCanceledContextIsNotTimeout(t *testing.T) {
	peer, _ := newPeerPair(t, nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := peer.Call(ctx, schema.CmdListActiveSessions, schema.Empty{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, schema.ErrTimeout)
}

func TestPeerRemoteErrorKeepsSentinel(t *testing.T) {
	peer, _ := newPeerPair(t, func(req wire.Frame) (wire.Frame, bool) {
		return wire.NewErrorResponse(req.ID, schema.ErrSessionNotFound), true
	}, time.Second)
	err := peer.Call(context.Background(), schema.CmdStopSession, schema.HostSessionRequest{SessionID: "gone"}, nil)
	assert.ErrorIs(t, err, schema.ErrSessionNotFound)
	assert.True(t, core.IsKind(err, core.ErrorHost))
}

func TestPeerDisconnectFailsPendingCalls(t *testing.T) {
	peer, remote := newPeerPair(t, nil, 5*time.Second)
	errc := make(chan error, 1)
	go func() {
		errc <- peer.Call(context.Background(), schema.CmdGetHistory, schema.HistoryRequest{ExternalID: "ext"}, nil)
	}()
	require.Eventually(t, func() bool { return len(remote.commands()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, remote.link.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, schema.ErrPeerClosed)
		assert.True(t, core.IsKind(err, core.ErrorTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}
	select {
	case <-peer.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not done after disconnect")
	}
	err := peer.Call(context.Background(), schema.CmdGetHistory, schema.HistoryRequest{}, nil)
	assert.ErrorIs(t, err, schema.ErrPeerClosed)
}

func TestPeerRoutesEventsBySession(t *testing.T) {
	peer, remote := newPeerPair(t, func(req wire.Frame) (wire.Frame, bool) {
		switch req.Command {
		case schema.CmdStartWatching:
			resp, _ := wire.NewResponse(wire.JSON(), req.ID, schema.WatchResponse{WatchID: "w1"})
			return resp, true
		default:
			resp, _ := wire.NewResponse(wire.JSON(), req.ID, schema.Empty{})
			return resp, true
		}
	}, time.Second)

	var mu sync.Mutex
	var got []schema.SessionUpdate
	cancel, err := peer.Subscribe(context.Background(), schema.WatchRequest{ExternalID: "ext-a"}, func(u schema.SessionUpdate) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	require.NoError(t, err)

	other, err := wire.NewEvent(wire.JSON(), schema.ErrorUpdate("ext-b", "ignored"))
	require.NoError(t, err)
	mine, err := wire.NewEvent(wire.JSON(), schema.NewMessageUpdate("ext-a", schema.Message{ID: "m1", Content: "hi"}))
	require.NoError(t, err)
	require.NoError(t, remote.link.Send(context.Background(), other))
	require.NoError(t, remote.link.Send(context.Background(), mine))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, schema.ExternalSessionID("ext-a"), got[0].ExternalID)
	assert.Equal(t, "hi", got[0].Message.Content)
	mu.Unlock()

	cancel()
	require.Eventually(t, func() bool {
		for _, cmd := range remote.commands() {
			if cmd == schema.CmdStopWatching {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPeerSubscribeUnsupported(t *testing.T) {
	peer, _ := newPeerPair(t, func(req wire.Frame) (wire.Frame, bool) {
		resp, _ := wire.NewResponse(wire.JSON(), req.ID, schema.WatchResponse{})
		return resp, true
	}, time.Second)
	_, err := peer.Subscribe(context.Background(), schema.WatchRequest{ExternalID: "ext"}, func(schema.SessionUpdate) {})
	assert.ErrorIs(t, err, schema.ErrWatchUnsupported)
}

func TestLocalAssignsDirectly(t *testing.T) {
	want := schema.HistoryPage{Messages: []schema.Message{{ID: "m1"}}, TotalCount: 1}
	local, err := NewLocal(invokerFunc(func(_ context.Context, command schema.CommandName, decode Decoder) (any, error) {
		var req schema.HistoryPageRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		if req.Limit != 50 {
			return nil, errors.New("limit not passed through")
		}
		return want, nil
	}), nil)
	require.NoError(t, err)

	var got schema.HistoryPage
	require.NoError(t, local.Call(context.Background(), schema.CmdGetHistoryPage, schema.HistoryPageRequest{Limit: 50}, &got))
	assert.Equal(t, want, got)

	_, err = local.Subscribe(context.Background(), schema.WatchRequest{ExternalID: "ext"}, func(schema.SessionUpdate) {})
	assert.ErrorIs(t, err, schema.ErrWatchUnsupported)
}

func TestAssignFallsBackToJSON(t *testing.T) {
	var got schema.HostStartRequest
	require.NoError(t, assign(map[string]any{"project_id": "p", "agent_type": "codex"}, &got))
	assert.Equal(t, schema.ProjectID("p"), got.ProjectID)
	assert.Equal(t, schema.AgentType("codex"), got.AgentType)

	assert.Error(t, assign(schema.Empty{}, got))
	assert.NoError(t, assign(schema.Empty{}, nil))
}

func TestDispatcherSwitchesTopology(t *testing.T) {
	var localCalls int
	var mu sync.Mutex
	local, err := NewLocal(invokerFunc(func(context.Context, schema.CommandName, Decoder) (any, error) {
		mu.Lock()
		localCalls++
		mu.Unlock()
		return schema.ListActiveResponse{Sessions: []schema.SessionDescriptor{{SessionID: "local-1"}}}, nil
	}), nil)
	require.NoError(t, err)
	d := New(local, metrics.New())
	assert.Equal(t, TopologyLocal, d.Topology())

	peer, remote := newPeerPair(t, func(req wire.Frame) (wire.Frame, bool) {
		resp, _ := wire.NewResponse(wire.JSON(), req.ID, schema.ListActiveResponse{Sessions: []schema.SessionDescriptor{{SessionID: "remote-1"}}})
		return resp, true
	}, time.Second)
	d.AttachPeer(peer)
	assert.Equal(t, TopologyPeer, d.Topology())

	sessions, err := d.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, schema.SessionID("remote-1"), sessions[0].SessionID)

	require.NoError(t, remote.link.Close())
	require.Eventually(t, func() bool { return d.Topology() == TopologyLocal }, 2*time.Second, 5*time.Millisecond)

	sessions, err = d.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.SessionID("local-1"), sessions[0].SessionID)
	mu.Lock()
	assert.Equal(t, 1, localCalls)
	mu.Unlock()
}

func TestDispatcherWithoutTransport(t *testing.T) {
	d := New(nil, nil)
	err := d.Stop(context.Background(), "s1")
	assert.ErrorIs(t, err, schema.ErrPeerClosed)
	assert.Equal(t, Topology(""), d.Topology())
}

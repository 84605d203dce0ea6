package command

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/dispatch"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

type routerFixture struct {
	agents     *fakeAgents
	history    *fakeHistory
	events     *fakeEvents
	dispatcher *dispatch.Dispatcher
	peer       *dispatch.Peer
	served     chan error
}

func newRouterFixture(t *testing.T, codec wire.Codec) *routerFixture {
	t.Helper()
	f := &routerFixture{
		agents:  newFakeAgents(),
		history: newFakeHistory(),
		events:  newFakeEvents(),
		served:  make(chan error, 1),
	}
	host, err := NewHost(HostConfig{Agents: f.agents, History: f.history, Events: f.events})
	require.NoError(t, err)
	router, err := NewRouter(host, RouterConfig{})
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		f.served <- router.Serve(ctx, wire.NewStreamLink(serverConn, codec))
	}()
	f.peer = dispatch.NewPeer(wire.NewStreamLink(clientConn, codec), dispatch.PeerOptions{Timeout: 2 * time.Second})
	f.dispatcher = dispatch.New(nil, nil)
	f.dispatcher.AttachPeer(f.peer)
	t.Cleanup(func() {
		_ = f.peer.Close()
		cancel()
	})
	return f
}

func TestRouterServesHostCommands(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON(), wire.CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			f := newRouterFixture(t, codec)
			ctx := context.Background()

			desc, err := f.dispatcher.Start(ctx, schema.HostStartRequest{ProjectID: "proj", AgentType: "claude-code"})
			require.NoError(t, err)
			assert.Equal(t, schema.SessionID("host-1"), desc.SessionID)
			assert.True(t, desc.Running)

			require.NoError(t, f.dispatcher.Send(ctx, desc.SessionID, "hello"))
			f.agents.mu.Lock()
			assert.Equal(t, []string{"host-1:hello"}, f.agents.sent)
			f.agents.mu.Unlock()

			saved, err := f.dispatcher.SaveMessage(ctx, schema.SaveMessageRequest{ProjectID: "proj", Role: schema.RoleUser, Content: "hello"})
			require.NoError(t, err)
			assert.Equal(t, schema.MessageID("db-1"), saved.ID)

			sessions, err := f.dispatcher.ListSessions(ctx, schema.ListSessionsRequest{ProjectID: "proj"})
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, schema.ExternalSessionID("ext-1"), sessions[0].ExternalID)
		})
	}
}

func TestRouterKeepsErrorSentinels(t *testing.T) {
	f := newRouterFixture(t, wire.JSON())
	ctx := context.Background()

	err := f.dispatcher.Call(ctx, "no_such_command", schema.Empty{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrUnknownCommand))
	assert.True(t, core.IsKind(err, core.ErrorHost))

	f.agents.mu.Lock()
	f.agents.sendErr = schema.ErrAgentUnavailable
	f.agents.mu.Unlock()
	err = f.dispatcher.Send(ctx, "host-9", "hi")
	assert.True(t, errors.Is(err, schema.ErrAgentUnavailable))
}

func TestRouterForwardsWatchedSessionOnly(t *testing.T) {
	f := newRouterFixture(t, wire.CBOR())
	ctx := context.Background()

	updates := make(chan schema.SessionUpdate, 4)
	cancel, err := f.dispatcher.Subscribe(ctx, schema.WatchRequest{ExternalID: "ext-1"}, func(u schema.SessionUpdate) {
		updates <- u
	})
	require.NoError(t, err)
	select {
	case ext := <-f.events.subc:
		assert.Equal(t, schema.ExternalSessionID("ext-1"), ext)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not subscribe")
	}

	f.events.emit(schema.NewMessageUpdate("ext-2", schema.Message{ID: "other", Content: "not mine"}))
	f.events.emit(schema.NewMessageUpdate("ext-1", schema.Message{ID: "m1", Role: schema.RoleAssistant, Content: "mine"}))

	select {
	case update := <-updates:
		assert.Equal(t, schema.UpdateNewMessage, update.Type)
		assert.Equal(t, schema.ExternalSessionID("ext-1"), update.ExternalID)
		require.NotNil(t, update.Message)
		assert.Equal(t, "mine", update.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	require.Eventually(t, func() bool { return f.events.active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRouterForwardsPromptForWatchedSessionOnly(t *testing.T) {
	f := newRouterFixture(t, wire.JSON())
	ctx := context.Background()

	updates := make(chan schema.SessionUpdate, 4)
	cancel, err := f.dispatcher.Subscribe(ctx, schema.WatchRequest{ExternalID: "ext-1"}, func(u schema.SessionUpdate) {
		updates <- u
	})
	require.NoError(t, err)
	defer cancel()
	select {
	case <-f.events.subc:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not subscribe")
	}

	question := []schema.PromptQuestion{{Question: "Deploy?", Options: []schema.PromptOption{{Label: "yes"}}}}
	f.events.emit(schema.PromptUpdate("ext-2", schema.StructuredPrompt{Questions: question, ToolUseID: "toolu_other"}))
	f.events.emit(schema.PromptUpdate("ext-1", schema.StructuredPrompt{Questions: question, ToolUseID: "toolu_mine"}))

	select {
	case update := <-updates:
		assert.Equal(t, schema.UpdateUserPromptRequired, update.Type)
		assert.Equal(t, schema.ExternalSessionID("ext-1"), update.ExternalID)
		require.NotNil(t, update.Prompt)
		assert.Equal(t, "toolu_mine", update.Prompt.ToolUseID)
		assert.Equal(t, "Deploy?", update.Prompt.Questions[0].Question)
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt delivered")
	}
	select {
	case update := <-updates:
		t.Fatalf("unexpected extra update %+v", update)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterWatchUnsupportedWithoutEvents(t *testing.T) {
	host, err := NewHost(HostConfig{Agents: newFakeAgents(), History: newFakeHistory()})
	require.NoError(t, err)
	router, err := NewRouter(host, RouterConfig{})
	require.NoError(t, err)
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Serve(ctx, wire.NewStreamLink(serverConn, wire.JSON())) }()
	peer := dispatch.NewPeer(wire.NewStreamLink(clientConn, wire.JSON()), dispatch.PeerOptions{Timeout: 2 * time.Second})
	defer peer.Close()

	_, err = peer.Subscribe(context.Background(), schema.WatchRequest{ExternalID: "ext-1"}, func(schema.SessionUpdate) {})
	assert.ErrorIs(t, err, schema.ErrWatchUnsupported)
}

func TestRouterCancelsWatchesWhenLinkCloses(t *testing.T) {
	f := newRouterFixture(t, wire.JSON())
	_, err := f.dispatcher.Subscribe(context.Background(), schema.WatchRequest{ExternalID: "ext-1"}, func(schema.SessionUpdate) {})
	require.NoError(t, err)
	require.Equal(t, 1, f.events.active())

	require.NoError(t, f.peer.Close())
	select {
	case err := <-f.served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not return after link close")
	}
	assert.Equal(t, 0, f.events.active())

	err = f.dispatcher.Send(context.Background(), "host-1", "late")
	assert.ErrorIs(t, err, schema.ErrPeerClosed)
}

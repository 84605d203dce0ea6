package peerlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

func TestMemorySignalerDeliversOnce(t *testing.T) {
	s := NewMemorySignaler()
	ctx := context.Background()
	require.NoError(t, s.PublishOffer(ctx, "ui", "host", "offer-sdp"))

	offers, err := s.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "ui", offers[0].Peer)

	again, err := s.PollOffers(ctx, "host")
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := s.PollOffers(ctx, "ui")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.PublishAnswer(ctx, "ui", "host", "answer-sdp"))
	answers, err := s.PollAnswers(ctx, "ui")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "host", answers[0].Peer)
	assert.Equal(t, "answer-sdp", answers[0].SDP)
}

func TestMemorySignalerRepublishIsSeen(t *testing.T) {
	s := NewMemorySignaler()
	fixed := time.Unix(100, 0)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()
	require.NoError(t, s.PublishOffer(ctx, "ui", "host", "first"))
	_, _ = s.PollOffers(ctx, "host")
	require.NoError(t, s.PublishOffer(ctx, "ui", "host", "second"))
	offers, err := s.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "second", offers[0].SDP)
}

func TestWebSocketCodecNegotiation(t *testing.T) {
	accepted := make(chan string, 1)
	srv := httptest.NewServer(WebSocketHandler(wire.JSON(), func(_ *http.Request, link wire.Link) {
		accepted <- link.Codec().Name()
		_ = link.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	link, err := DialWebSocket(context.Background(), url, wire.CBOR(), nil)
	require.NoError(t, err)
	defer link.Close()
	select {
	case name := <-accepted:
		assert.Equal(t, wire.CodecCBOR, name)
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
}

func TestWebRTCDialAndServe(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc loopback negotiation")
	}
	signaler := NewMemorySignaler()
	host := &WebRTC{Signaler: signaler, Local: "host", Codec: wire.JSON()}
	ui := &WebRTC{Signaler: signaler, Local: "ui", Codec: wire.JSON()}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer cancel()
	received := make(chan wire.Frame, 1)
	go func() {
		_ = host.Serve(ctx, func(link wire.Link) {
			defer link.Close()
			frame, err := link.Recv()
			if err != nil {
				return
			}
			received <- frame
			resp, err := wire.NewResponse(link.Codec(), frame.ID, schema.Empty{})
			if err == nil {
				_ = link.Send(ctx, resp)
			}
			<-ctx.Done()
		})
	}()

	link, err := ui.Dial(ctx, "host")
	require.NoError(t, err)
	defer link.Close()
	req, err := wire.NewRequest(link.Codec(), "r1", schema.CmdListActiveSessions, schema.Empty{})
	require.NoError(t, err)
	require.NoError(t, link.Send(ctx, req))
	resp, err := link.Recv()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
	frame := <-received
	assert.Equal(t, schema.CmdListActiveSessions, frame.Command)
}

func TestHTTPSignalerRelaysThroughHandler(t *testing.T) {
	relay := NewMemorySignaler()
	srv := httptest.NewServer(http.StripPrefix(SignalingPath, SignalingHandler(relay)))
	defer srv.Close()
	client := &HTTPSignaler{BaseURL: srv.URL + SignalingPath, Client: srv.Client()}
	ctx := context.Background()

	require.NoError(t, client.PublishOffer(ctx, "ui", "host", "offer-sdp"))
	offers, err := relay.PollOffers(ctx, "host")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "offer-sdp", offers[0].SDP)

	require.NoError(t, relay.PublishAnswer(ctx, "ui", "host", "answer-sdp"))
	answers, err := client.PollAnswers(ctx, "ui")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "host", answers[0].Peer)

	empty, err := client.PollOffers(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	err = client.PublishOffer(ctx, "", "host", "sdp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestSignalingURL(t *testing.T) {
	got, err := SignalingURL("ws://127.0.0.1:27510/peer", "/peer")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:27510/api/signal", got)

	got, err = SignalingURL("wss://example.com/atelier/peer?x=1", "/peer")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/atelier/api/signal", got)

	_, err = SignalingURL("ftp://example.com", "/peer")
	assert.Error(t, err)
}

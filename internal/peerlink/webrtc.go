package peerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/internal/wire"
)

// ChannelLabel names the data channel carrying peer frames.
const ChannelLabel = "atelier"

const (
	iceGatherTimeout   = 15 * time.Second
	answerPollInterval = 200 * time.Millisecond
	answerTimeout      = 30 * time.Second
	channelOpenTimeout = 15 * time.Second
	offerPollInterval  = 500 * time.Millisecond
)

// ICEConfig lists ICE servers. Empty means host candidates only.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from STUN/TURN urls.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: urls, Username: username, Credential: credential}}}
}

// WebRTC dials and accepts data channel links through a Signaler.
type WebRTC struct {
	Signaler Signaler
	// Local identifies this endpoint in signaling.
	Local  string
	ICE    ICEConfig
	Codec  wire.Codec
	Logger pslog.Logger
}

func (w *WebRTC) logger(ctx context.Context) pslog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return pslog.Ctx(ctx)
}

func (w *WebRTC) newPeerConnection() (*webrtc.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: w.ICE.Servers})
}

// Dial offers a link to remote and waits for the data channel to open.
func (w *WebRTC) Dial(ctx context.Context, remote string) (wire.Link, error) {
	if w.Signaler == nil {
		return nil, errors.New("peerlink: missing signaler")
	}
	log := w.logger(ctx).With("peer", remote)
	pc, err := w.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peerlink: peer connection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: data channel: %w", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: offer: %w", err)
	}
	sdp, err := gather(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := w.Signaler.PublishOffer(ctx, w.Local, remote, sdp); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: publish offer: %w", err)
	}
	log.Debug("peerlink offer published")

	answer, err := w.waitForAnswer(ctx, remote)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: remote description: %w", err)
	}

	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: data channel did not open within %s", channelOpenTimeout)
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
	raw, err := dc.Detach()
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: detach: %w", err)
	}
	log.Info("peerlink data channel open")
	return wire.NewStreamLink(&channelConn{rwc: raw, pc: pc}, w.Codec), nil
}

func (w *WebRTC) waitForAnswer(ctx context.Context, remote string) (string, error) {
	deadline := time.NewTimer(answerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()
	for {
		answers, err := w.Signaler.PollAnswers(ctx, w.Local)
		if err != nil {
			return "", fmt.Errorf("peerlink: poll answers: %w", err)
		}
		for _, answer := range answers {
			if answer.Peer == remote {
				return answer.SDP, nil
			}
		}
		select {
		case <-deadline.C:
			return "", fmt.Errorf("peerlink: no answer from %s within %s", remote, answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve answers offers addressed to Local until ctx ends, handing each open
// data channel to handle on its own goroutine.
func (w *WebRTC) Serve(ctx context.Context, handle func(wire.Link)) error {
	if w.Signaler == nil {
		return errors.New("peerlink: missing signaler")
	}
	log := w.logger(ctx)
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()
	for {
		offers, err := w.Signaler.PollOffers(ctx, w.Local)
		if err != nil {
			log.Warn("peerlink poll offers failed", "err", err)
		}
		for _, offer := range offers {
			go func(offer SignalMessage) {
				link, err := w.answer(ctx, offer)
				if err != nil {
					log.Warn("peerlink answer failed", "peer", offer.Peer, "err", err)
					return
				}
				handle(link)
			}(offer)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *WebRTC) answer(ctx context.Context, offer SignalMessage) (wire.Link, error) {
	pc, err := w.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peerlink: peer connection: %w", err)
	}
	channels := make(chan io.ReadWriteCloser, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			dc.OnOpen(func() { _ = dc.Close() })
			return
		}
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				w.logger(ctx).Warn("peerlink detach failed", "peer", offer.Peer, "err", err)
				return
			}
			select {
			case channels <- raw:
			default:
				_ = raw.Close()
			}
		})
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: answer: %w", err)
	}
	sdp, err := gather(ctx, pc, answer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := w.Signaler.PublishAnswer(ctx, offer.Peer, w.Local, sdp); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: publish answer: %w", err)
	}
	select {
	case raw := <-channels:
		w.logger(ctx).Info("peerlink data channel accepted", "peer", offer.Peer)
		return wire.NewStreamLink(&channelConn{rwc: raw, pc: pc}, w.Codec), nil
	case <-time.After(channelOpenTimeout):
		_ = pc.Close()
		return nil, fmt.Errorf("peerlink: data channel from %s did not open within %s", offer.Peer, channelOpenTimeout)
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
}

// gather sets the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("peerlink: local description: %w", err)
	}
	select {
	case <-done:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("peerlink: ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// channelConn closes the peer connection along with its data channel.
type channelConn struct {
	rwc  io.ReadWriteCloser
	pc   *webrtc.PeerConnection
	once sync.Once
}

func (c *channelConn) Read(p []byte) (int, error)  { return c.rwc.Read(p) }
func (c *channelConn) Write(p []byte) (int, error) { return c.rwc.Write(p) }

func (c *channelConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.rwc.Close()
		if pcErr := c.pc.Close(); err == nil {
			err = pcErr
		}
	})
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000"
	"github.com/jariahh/ateliercode-sub000/internal/appconfig"
	"github.com/jariahh/ateliercode-sub000/internal/dispatch"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/peerlink"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
)

// linkOptions selects how a client command reaches the engine.
type linkOptions struct {
	PeerURL string
	WebRTC  bool
}

// openTransport returns a transport for client commands and a func that
// releases it. Without a peer url the engine runs in process.
func openTransport(ctx context.Context, cfg appconfig.Config, opts linkOptions, m *metrics.Metrics) (dispatch.Transport, func() error, error) {
	logger := pslog.Ctx(ctx)
	peerURL := opts.PeerURL
	if peerURL == "" {
		peerURL = cfg.Peer.URL
	}
	if peerURL == "" {
		if opts.WebRTC {
			return nil, nil, errors.New("webrtc requires a peer url")
		}
		return openLocalTransport(cfg, logger, m)
	}
	codec, err := wire.CodecByName(cfg.Peer.Codec)
	if err != nil {
		return nil, nil, err
	}

	var link wire.Link
	if opts.WebRTC {
		signalURL, err := peerlink.SignalingURL(peerURL, cfg.Peer.WebSocketPath)
		if err != nil {
			return nil, nil, err
		}
		rtc := &peerlink.WebRTC{
			Signaler: &peerlink.HTTPSignaler{BaseURL: signalURL},
			Local:    "atelier-cli-" + uuid.NewString(),
			ICE:      peerlink.ICEConfigFromURLs(cfg.Peer.WebRTC.ICEServers, cfg.Peer.WebRTC.Username, cfg.Peer.WebRTC.Credential),
			Codec:    codec,
			Logger:   logger.With("component", "webrtc"),
		}
		logger.Debug("webrtc dial start", "signal_url", signalURL, "remote", cfg.Peer.WebRTC.LocalID)
		link, err = rtc.Dial(ctx, cfg.Peer.WebRTC.LocalID)
		if err != nil {
			return nil, nil, fmt.Errorf("webrtc dial: %w", err)
		}
	} else {
		link, err = peerlink.DialWebSocket(ctx, peerURL, codec, nil)
		if err != nil {
			return nil, nil, err
		}
	}
	peer := dispatch.NewPeer(link, dispatch.PeerOptions{
		Timeout: cfg.CallTimeout(),
		Logger:  logger.With("component", "peer"),
		Metrics: m,
	})
	return peer, peer.Close, nil
}

func openLocalTransport(cfg appconfig.Config, logger pslog.Logger, m *metrics.Metrics) (dispatch.Transport, func() error, error) {
	host, err := ateliercode.OpenLocalHost(cfg, logger, m)
	if err != nil {
		return nil, nil, err
	}
	srv, err := ateliercode.New(serviceOnlyConfig(cfg), localDeps(host, logger, m))
	if err != nil {
		_ = host.Close()
		return nil, nil, err
	}
	transport, err := ateliercode.LocalTransport(srv)
	if err != nil {
		_ = host.Close()
		return nil, nil, err
	}
	release := func() error {
		var errs []error
		if svc, ok := ateliercode.Service(srv); ok {
			errs = append(errs, svc.Close())
		}
		errs = append(errs, host.Close())
		return errors.Join(errs...)
	}
	return transport, release, nil
}

// localDeps wires the in-process host into the compositor.
func localDeps(host *ateliercode.LocalHost, logger pslog.Logger, m *metrics.Metrics) ateliercode.ServerDeps {
	deps := ateliercode.ServerDeps{Logger: logger, Metrics: m}
	if host == nil {
		return deps
	}
	deps.Agents = host.Agents
	deps.History = host.History
	deps.Tabs = host.Tabs
	deps.Events = host.Events
	return deps
}

func serviceOnlyConfig(cfg appconfig.Config) ateliercode.ServerConfig {
	return ateliercode.ServerConfig{
		Service:             cfg.ServiceConfig(),
		DisableAuditLogging: cfg.Logging.DisableAuditTrails,
	}
}

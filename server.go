// Package ateliercode composes the engine: the core service over a command
// dispatcher, the command host and router, the event bus and the HTTP
// listener serving peers and UI streams.
package ateliercode

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/httpapi"
	"github.com/jariahh/ateliercode-sub000/internal/command"
	"github.com/jariahh/ateliercode-sub000/internal/dispatch"
	"github.com/jariahh/ateliercode-sub000/internal/eventbus"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/peerlink"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// Server composes the engine and its listeners.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	// Addr is the HTTP listen address.
	Addr         string
	HTTP         httpapi.Config
	EventHistory int
	// PeerURL names a remote host websocket. When set, agent commands are
	// dispatched to that host instead of the local one.
	PeerURL             string
	CallTimeout         time.Duration
	WebRTC              WebRTCConfig
	DisableAuditLogging bool
}

// WebRTCConfig configures data channel links.
type WebRTCConfig struct {
	LocalID    string
	ICEServers []string
	Username   string
	Credential string
}

// ServerDeps are the host collaborators. Agents and History are required
// unless the server dispatches to a peer.
type ServerDeps struct {
	Agents  core.AgentHost
	History core.HistoryStore
	Tabs    core.TabStore
	Events  core.EventSource
	// EventSink receives engine events next to the built-in bus.
	EventSink core.EventSink
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP   bool
	enableWebRTC bool
}

// WithHTTP enables the HTTP listener.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithWebRTC answers data channel offers relayed through the HTTP listener.
func WithWebRTC() ServerOption {
	return func(o *serverOptions) { o.enableWebRTC = true }
}

// New constructs a composable server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.enableWebRTC && !options.enableHTTP {
		return nil, errors.New("webrtc signaling requires the http listener")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	var host *command.Host
	var local dispatch.Transport
	if deps.Agents != nil {
		host, err = command.NewHost(command.HostConfig{
			Agents:              deps.Agents,
			History:             deps.History,
			Tabs:                deps.Tabs,
			Events:              deps.Events,
			DisableAuditLogging: cfg.DisableAuditLogging,
		})
		if err != nil {
			return nil, err
		}
		local, err = dispatch.NewLocal(host, deps.Events)
		if err != nil {
			return nil, err
		}
	} else if cfg.PeerURL == "" {
		return nil, errors.New("agent host dependency is required without a peer url")
	}
	dispatcher := dispatch.New(local, deps.Metrics)

	bus := eventbus.New(logger.With("component", "eventbus"), eventbus.Options{History: cfg.EventHistory})
	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		Host:      dispatcher,
		History:   dispatcher,
		Events:    dispatcher,
		TabStore:  dispatcher,
		EventSink: fanout(bus, deps.EventSink),
		Logger:    logger.With("component", "core"),
		Metrics:   deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var router *command.Router
	if host != nil {
		if err := host.RegisterService(service); err != nil {
			return nil, err
		}
		router, err = command.NewRouter(host, command.RouterConfig{Metrics: deps.Metrics, Logger: logger.With("component", "router")})
		if err != nil {
			return nil, err
		}
	}

	srv := &compositeServer{
		cfg:        cfg,
		options:    options,
		service:    service,
		dispatcher: dispatcher,
		bus:        bus,
		host:       host,
		events:     deps.Events,
		router:     router,
		metrics:    deps.Metrics,
	}
	if options.enableWebRTC && router != nil {
		srv.signaler = peerlink.NewMemorySignaler()
	}
	if options.enableHTTP {
		httpDeps := httpapi.Deps{Service: service, Events: bus, Metrics: deps.Metrics}
		if router != nil {
			httpDeps.Peers = router
		}
		if srv.signaler != nil {
			httpDeps.Signaler = srv.signaler
		}
		httpSrv, err := httpapi.NewServer(cfg.HTTP, httpDeps)
		if err != nil {
			return nil, err
		}
		srv.httpSrv = httpSrv
	}
	return srv, nil
}

type compositeServer struct {
	cfg        ServerConfig
	options    serverOptions
	service    core.Service
	dispatcher *dispatch.Dispatcher
	bus        *eventbus.Bus
	host       *command.Host
	events     core.EventSource
	router     *command.Router
	httpSrv    *httpapi.Server
	signaler   *peerlink.MemorySignaler
	metrics    *metrics.Metrics
	logger     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
	peer    *dispatch.Peer
}

// Service returns the engine of a server built by New.
func Service(s Server) (core.Service, bool) {
	cs, ok := s.(*compositeServer)
	if !ok || cs.service == nil {
		return nil, false
	}
	return cs.service, true
}

// LocalTransport invokes the host and engine commands of a server built
// with local agents.
func LocalTransport(s Server) (dispatch.Transport, error) {
	cs, ok := s.(*compositeServer)
	if !ok || cs.host == nil {
		return nil, errors.New("server has no local host")
	}
	local, err := dispatch.NewLocal(cs.host, cs.events)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 3)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"webrtc", s.signaler != nil,
		"http_addr", s.cfg.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"peer_url", s.cfg.PeerURL,
	)
	if s.cfg.PeerURL != "" {
		if err := s.connectPeer(s.ctx); err != nil {
			log.Error("server peer connect failed", "err", err)
			s.mu.Lock()
			s.cancel()
			s.started = false
			s.mu.Unlock()
			return err
		}
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.signaler != nil {
		rtc := &peerlink.WebRTC{
			Signaler: s.signaler,
			Local:    s.cfg.WebRTC.LocalID,
			ICE:      peerlink.ICEConfigFromURLs(s.cfg.WebRTC.ICEServers, s.cfg.WebRTC.Username, s.cfg.WebRTC.Credential),
			Codec:    s.cfg.HTTP.Codec,
			Logger:   log.With("component", "webrtc"),
		}
		go func() {
			err := rtc.Serve(s.ctx, func(link wire.Link) {
				if err := s.router.Serve(s.ctx, link); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("webrtc link ended", "err", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("webrtc server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) connectPeer(ctx context.Context) error {
	link, err := peerlink.DialWebSocket(ctx, s.cfg.PeerURL, s.cfg.HTTP.Codec, nil)
	if err != nil {
		return err
	}
	peer := dispatch.NewPeer(link, dispatch.PeerOptions{
		Timeout: s.cfg.CallTimeout,
		Logger:  s.logger.With("component", "peer"),
		Metrics: s.metrics,
	})
	s.dispatcher.AttachPeer(peer)
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.logger.Info("server peer connected", "peer_url", s.cfg.PeerURL, "topology", s.dispatcher.Topology())
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		if err := s.service.Close(); err != nil {
			log.Warn("server service close failed", "err", err)
		} else {
			log.Info("server service close ok")
		}
	}
	if peer != nil {
		s.dispatcher.DetachPeer()
		_ = peer.Close()
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

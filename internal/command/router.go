package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// RouterConfig configures a command router.
type RouterConfig struct {
	Metrics *metrics.Metrics
	Logger  pslog.Logger
}

// Router answers request frames arriving on peer links with the host's
// handlers and streams watched session updates back as event frames.
type Router struct {
	host    *Host
	metrics *metrics.Metrics
	log     pslog.Logger
}

// NewRouter builds a router for host.
func NewRouter(host *Host, cfg RouterConfig) (*Router, error) {
	if host == nil {
		return nil, errors.New("command: missing host")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Router{host: host, metrics: cfg.Metrics, log: logger}, nil
}

// linkState tracks the subscriptions opened through one link.
type linkState struct {
	link wire.Link
	log  pslog.Logger

	mu      sync.Mutex
	watches map[schema.WatchID]func()
	closed  bool
}

// Serve handles link until it closes or ctx ends. Requests run
// concurrently; watches opened on the link are cancelled on return.
func (r *Router) Serve(ctx context.Context, link wire.Link) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	state := &linkState{
		link:    link,
		log:     r.log.With("codec", link.Codec().Name()),
		watches: make(map[schema.WatchID]func()),
	}
	r.metrics.LinkOpened()
	defer r.metrics.LinkClosed()
	state.log.Info("router link opened")

	go func() {
		select {
		case <-ctx.Done():
			_ = link.Close()
		case <-link.Done():
		}
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		r.stopAll(state)
		state.log.Info("router link closed")
	}()
	for {
		frame, err := link.Recv()
		if err != nil {
			if errors.Is(err, wire.ErrLinkClosed) {
				return nil
			}
			state.log.Warn("router frame dropped", "err", err)
			continue
		}
		if frame.Type != wire.FrameRequest {
			state.log.Debug("router frame ignored", "type", frame.Type)
			continue
		}
		if err := frame.Validate(); err != nil {
			r.reply(ctx, state, wire.NewErrorResponse(frame.ID, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)))
			continue
		}
		wg.Add(1)
		go func(frame wire.Frame) {
			defer wg.Done()
			r.handle(ctx, state, frame)
		}(frame)
	}
}

func (r *Router) handle(ctx context.Context, state *linkState, frame wire.Frame) {
	codec := state.link.Codec()
	decode := func(v any) error { return wire.Decode(codec, frame.Params, v) }
	var (
		result any
		err    error
	)
	switch frame.Command {
	case schema.CmdStartWatching:
		result, err = r.startWatching(ctx, state, decode)
	case schema.CmdStopWatching:
		result, err = r.stopWatching(state, decode)
	default:
		result, err = r.host.Invoke(ctx, frame.Command, decode)
	}
	r.metrics.RouterRequest(string(frame.Command), err)
	if err != nil {
		r.reply(ctx, state, wire.NewErrorResponse(frame.ID, err))
		return
	}
	resp, err := wire.NewResponse(codec, frame.ID, result)
	if err != nil {
		state.log.Warn("router encode failed", "command", frame.Command, "err", err)
		resp = wire.NewErrorResponse(frame.ID, err)
	}
	r.reply(ctx, state, resp)
}

func (r *Router) reply(ctx context.Context, state *linkState, frame wire.Frame) {
	if err := state.link.Send(ctx, frame); err != nil && !errors.Is(err, wire.ErrLinkClosed) {
		state.log.Warn("router reply failed", "id", frame.ID, "err", err)
	}
}

// startWatching subscribes the host event source and forwards updates of
// the requested session only. An empty watch id tells the caller that the
// host cannot watch.
func (r *Router) startWatching(ctx context.Context, state *linkState, decode func(any) error) (schema.WatchResponse, error) {
	var req schema.WatchRequest
	if err := decode(&req); err != nil {
		return schema.WatchResponse{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	if req.ExternalID == "" {
		return schema.WatchResponse{}, fmt.Errorf("%w: external_session_id required", schema.ErrInvalidRequest)
	}
	events := r.host.Events()
	if events == nil {
		return schema.WatchResponse{}, nil
	}
	codec := state.link.Codec()
	log := state.log.With("external_session", req.ExternalID)
	// Subscriptions outlive this request.
	watchCtx := pslog.ContextWithLogger(context.WithoutCancel(ctx), log)
	forward := func(update schema.SessionUpdate) {
		if update.ExternalID == "" {
			update.ExternalID = req.ExternalID
		}
		if update.ExternalID != req.ExternalID {
			return
		}
		frame, err := wire.NewEvent(codec, update)
		if err != nil {
			log.Warn("router event encode failed", "err", err)
			return
		}
		r.metrics.WatchEvent(string(update.Type))
		if err := state.link.Send(watchCtx, frame); err != nil && !errors.Is(err, wire.ErrLinkClosed) {
			log.Warn("router event send failed", "err", err)
		}
	}
	cancel, err := events.Subscribe(watchCtx, req, forward)
	if err != nil {
		if errors.Is(err, schema.ErrWatchUnsupported) {
			return schema.WatchResponse{}, nil
		}
		return schema.WatchResponse{}, err
	}
	id := schema.WatchID(uuid.NewString())
	state.mu.Lock()
	if state.closed {
		state.mu.Unlock()
		cancel()
		return schema.WatchResponse{}, schema.ErrPeerClosed
	}
	state.watches[id] = cancel
	state.mu.Unlock()
	r.metrics.WatcherStarted()
	log.Debug("router watch started", "watch", id)
	return schema.WatchResponse{WatchID: id}, nil
}

func (r *Router) stopWatching(state *linkState, decode func(any) error) (schema.Empty, error) {
	var req schema.UnwatchRequest
	if err := decode(&req); err != nil {
		return schema.Empty{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	state.mu.Lock()
	cancel, ok := state.watches[req.WatchID]
	delete(state.watches, req.WatchID)
	state.mu.Unlock()
	if ok {
		cancel()
		r.metrics.WatcherStopped()
		state.log.Debug("router watch stopped", "watch", req.WatchID)
	}
	return schema.Empty{}, nil
}

func (r *Router) stopAll(state *linkState) {
	state.mu.Lock()
	state.closed = true
	watches := state.watches
	state.watches = make(map[schema.WatchID]func())
	state.mu.Unlock()
	for _, cancel := range watches {
		cancel()
		r.metrics.WatcherStopped()
	}
}


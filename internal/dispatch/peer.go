package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// DefaultCallTimeout bounds every peer call. A context deadline may end a
// call sooner and is reported the same way.
const DefaultCallTimeout = 30 * time.Second

const unwatchTimeout = 5 * time.Second

// PeerOptions configures a peer transport.
type PeerOptions struct {
	Timeout time.Duration
	Logger  pslog.Logger
	Metrics *metrics.Metrics
}

// Peer relays commands over a link and correlates responses by request id.
type Peer struct {
	link    wire.Link
	timeout time.Duration
	log     pslog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	pending   map[string]chan wire.Frame
	listeners map[schema.ExternalSessionID]map[uint64]core.UpdateFunc
	nextID    uint64
	closed    bool
	closeErr  error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPeer starts reading frames from link.
func NewPeer(link wire.Link, opts PeerOptions) *Peer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	p := &Peer{
		link:      link,
		timeout:   timeout,
		log:       logger,
		metrics:   opts.Metrics,
		pending:   make(map[string]chan wire.Frame),
		listeners: make(map[schema.ExternalSessionID]map[uint64]core.UpdateFunc),
		done:      make(chan struct{}),
	}
	p.metrics.LinkOpened()
	p.wg.Add(1)
	go p.readLoop()
	return p
}

func (p *Peer) Topology() Topology { return TopologyPeer }

// Done is closed once the link is gone and every pending call has failed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Call(ctx context.Context, command schema.CommandName, params any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	frame, err := wire.NewRequest(p.link.Codec(), id, command, params)
	if err != nil {
		return core.NewError(core.ErrorTransport, string(command), fmt.Errorf("encode params: %w", err))
	}
	reply := make(chan wire.Frame, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.NewError(core.ErrorTransport, string(command), schema.ErrPeerClosed)
	}
	p.pending[id] = reply
	p.mu.Unlock()
	defer p.forget(id)

	if err := p.link.Send(ctx, frame); err != nil {
		if errors.Is(err, wire.ErrLinkClosed) {
			err = schema.ErrPeerClosed
		}
		return core.NewError(core.ErrorTransport, string(command), err)
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-reply:
		if !ok {
			return core.NewError(core.ErrorTransport, string(command), p.closedErr())
		}
		if !resp.Succeeded() {
			var remote error = resp.Error
			if resp.Error == nil {
				remote = errors.New("peer reported failure without error")
			}
			return core.NewError(core.ErrorHost, string(command), remote)
		}
		if err := wire.Decode(p.link.Codec(), resp.Data, out); err != nil {
			return core.NewError(core.ErrorTransport, string(command), fmt.Errorf("decode result: %w", err))
		}
		return nil
	case <-timer.C:
		return core.NewError(core.ErrorTransport, string(command), schema.ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewError(core.ErrorTransport, string(command), schema.ErrTimeout)
		}
		return ctx.Err()
	}
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Subscribe registers fn for event frames of req.ExternalID and asks the
// host to start watching. The listener is attached before the request so
// no early event is lost.
func (p *Peer) Subscribe(ctx context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error) {
	key := p.listen(req.ExternalID, fn)
	var resp schema.WatchResponse
	if err := p.Call(ctx, schema.CmdStartWatching, req, &resp); err != nil {
		p.unlisten(req.ExternalID, key)
		return nil, err
	}
	if resp.WatchID == "" {
		p.unlisten(req.ExternalID, key)
		return nil, schema.ErrWatchUnsupported
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			p.unlisten(req.ExternalID, key)
			p.mu.Lock()
			closed := p.closed
			if !closed {
				p.wg.Add(1)
			}
			p.mu.Unlock()
			if closed {
				return
			}
			go func() {
				defer p.wg.Done()
				unwatchCtx, cancel := context.WithTimeout(context.Background(), unwatchTimeout)
				defer cancel()
				if err := p.Call(unwatchCtx, schema.CmdStopWatching, schema.UnwatchRequest{WatchID: resp.WatchID}, nil); err != nil && !errors.Is(err, schema.ErrPeerClosed) {
					p.log.Debug("dispatch unwatch failed", "watch", resp.WatchID, "err", err)
				}
			}()
		})
	}, nil
}

func (p *Peer) listen(ext schema.ExternalSessionID, fn core.UpdateFunc) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	set := p.listeners[ext]
	if set == nil {
		set = make(map[uint64]core.UpdateFunc)
		p.listeners[ext] = set
	}
	set[p.nextID] = fn
	return p.nextID
}

func (p *Peer) unlisten(ext schema.ExternalSessionID, key uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.listeners[ext]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(p.listeners, ext)
		}
	}
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	for {
		frame, err := p.link.Recv()
		if err != nil {
			if errors.Is(err, wire.ErrLinkClosed) {
				p.shutdown(schema.ErrPeerClosed)
				return
			}
			p.log.Warn("dispatch peer frame dropped", "err", err)
			continue
		}
		switch frame.Type {
		case wire.FrameResponse:
			p.deliverResponse(frame)
		case wire.FrameEvent:
			p.deliverEvent(frame)
		default:
			p.log.Debug("dispatch peer frame ignored", "type", frame.Type)
		}
	}
}

func (p *Peer) deliverResponse(frame wire.Frame) {
	p.mu.Lock()
	reply, ok := p.pending[frame.ID]
	delete(p.pending, frame.ID)
	p.mu.Unlock()
	if !ok {
		p.log.Debug("dispatch response without caller", "id", frame.ID)
		return
	}
	reply <- frame
}

// deliverEvent hands an update to the listeners of its session only.
func (p *Peer) deliverEvent(frame wire.Frame) {
	var update schema.SessionUpdate
	if err := wire.Decode(p.link.Codec(), frame.Event, &update); err != nil {
		p.log.Warn("dispatch event decode failed", "session", frame.SessionID, "err", err)
		return
	}
	if update.ExternalID == "" {
		update.ExternalID = frame.SessionID
	}
	if update.ExternalID != frame.SessionID {
		p.log.Warn("dispatch event session mismatch", "frame_session", frame.SessionID, "update_session", update.ExternalID)
		return
	}
	p.mu.Lock()
	set := p.listeners[frame.SessionID]
	fns := make([]core.UpdateFunc, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

// shutdown fails every pending call. It runs once, when the link is lost or
// Close is called.
func (p *Peer) shutdown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	pending := p.pending
	p.pending = make(map[string]chan wire.Frame)
	p.listeners = make(map[schema.ExternalSessionID]map[uint64]core.UpdateFunc)
	p.mu.Unlock()
	for _, reply := range pending {
		close(reply)
	}
	p.metrics.LinkClosed()
	close(p.done)
	if len(pending) > 0 {
		p.log.Warn("dispatch peer link lost", "pending_calls", len(pending))
	} else {
		p.log.Info("dispatch peer link closed")
	}
}

func (p *Peer) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeErr != nil {
		return p.closeErr
	}
	return schema.ErrPeerClosed
}

// Close closes the link, fails pending calls and waits for the reader.
func (p *Peer) Close() error {
	err := p.link.Close()
	p.shutdown(schema.ErrPeerClosed)
	p.wg.Wait()
	return err
}

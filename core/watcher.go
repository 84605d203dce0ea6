package core

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// subscription is one watcher per external session id.
type subscription struct {
	handle        schema.WatchID
	externalID    schema.ExternalSessionID
	cancel        func()
	ready         bool
	stopRequested bool
}

// watcher keeps at most one EventSource subscription per external session id.
// A stop that arrives before the subscription is established is remembered and
// applied as soon as the source returns.
type watcher struct {
	mu      sync.Mutex
	source  EventSource
	group   singleflight.Group
	subs    map[schema.ExternalSessionID]*subscription
	handles map[schema.WatchID]*subscription
	metrics *metrics.Metrics
}

func newWatcher(source EventSource, m *metrics.Metrics) *watcher {
	return &watcher{
		source:  source,
		subs:    make(map[schema.ExternalSessionID]*subscription),
		handles: make(map[schema.WatchID]*subscription),
		metrics: m,
	}
}

// Start subscribes fn to updates of req.ExternalID. When a subscription for
// the id already exists its handle is returned and fn is not attached.
func (w *watcher) Start(ctx context.Context, req schema.WatchRequest, fn UpdateFunc) (schema.WatchID, error) {
	if w.source == nil {
		return "", schema.ErrWatchUnsupported
	}
	if req.ExternalID == "" {
		return "", schema.ErrInvalidRequest
	}
	w.mu.Lock()
	if sub, ok := w.subs[req.ExternalID]; ok {
		sub.stopRequested = false
		handle := sub.handle
		w.mu.Unlock()
		return handle, nil
	}
	w.mu.Unlock()

	v, err, _ := w.group.Do(string(req.ExternalID), func() (any, error) {
		return w.subscribe(ctx, req, fn)
	})
	if err != nil {
		return "", err
	}
	return v.(schema.WatchID), nil
}

func (w *watcher) subscribe(ctx context.Context, req schema.WatchRequest, fn UpdateFunc) (schema.WatchID, error) {
	w.mu.Lock()
	if sub, ok := w.subs[req.ExternalID]; ok {
		w.mu.Unlock()
		return sub.handle, nil
	}
	sub := &subscription{handle: schema.WatchID(newID()), externalID: req.ExternalID}
	w.subs[req.ExternalID] = sub
	w.handles[sub.handle] = sub
	w.mu.Unlock()

	cancel, err := w.source.Subscribe(ctx, req, fn)

	w.mu.Lock()
	if err != nil {
		w.forgetLocked(sub)
		w.mu.Unlock()
		return "", err
	}
	if sub.stopRequested {
		w.forgetLocked(sub)
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return sub.handle, nil
	}
	sub.cancel = cancel
	sub.ready = true
	w.mu.Unlock()
	w.metrics.WatcherStarted()
	return sub.handle, nil
}

// Stop cancels the subscription behind handle.
func (w *watcher) Stop(handle schema.WatchID) bool {
	w.mu.Lock()
	sub, ok := w.handles[handle]
	if !ok {
		w.mu.Unlock()
		return false
	}
	return w.stopLocked(sub)
}

// StopExternal cancels the subscription for an external session id.
func (w *watcher) StopExternal(ext schema.ExternalSessionID) bool {
	w.mu.Lock()
	sub, ok := w.subs[ext]
	if !ok {
		w.mu.Unlock()
		return false
	}
	return w.stopLocked(sub)
}

// stopLocked releases w.mu.
func (w *watcher) stopLocked(sub *subscription) bool {
	if !sub.ready {
		sub.stopRequested = true
		w.mu.Unlock()
		return true
	}
	w.forgetLocked(sub)
	cancel := sub.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.metrics.WatcherStopped()
	return true
}

func (w *watcher) forgetLocked(sub *subscription) {
	if current, ok := w.subs[sub.externalID]; ok && current == sub {
		delete(w.subs, sub.externalID)
	}
	delete(w.handles, sub.handle)
}

// Active reports whether an established subscription exists for ext.
func (w *watcher) Active(ext schema.ExternalSessionID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[ext]
	return ok && sub.ready
}

// StopAll cancels every subscription.
func (w *watcher) StopAll() {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	for _, sub := range subs {
		w.mu.Lock()
		if w.handles[sub.handle] != sub {
			w.mu.Unlock()
			continue
		}
		w.stopLocked(sub)
	}
}

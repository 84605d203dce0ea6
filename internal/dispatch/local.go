package dispatch

import (
	"context"
	"errors"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// Local invokes the command host in process.
type Local struct {
	invoker Invoker
	events  core.EventSource
}

// NewLocal builds a local transport. events may be nil when the host has no
// event source.
func NewLocal(invoker Invoker, events core.EventSource) (*Local, error) {
	if invoker == nil {
		return nil, errors.New("dispatch: missing command host")
	}
	return &Local{invoker: invoker, events: events}, nil
}

func (l *Local) Topology() Topology { return TopologyLocal }

func (l *Local) Call(ctx context.Context, command schema.CommandName, params any, out any) error {
	result, err := l.invoker.Invoke(ctx, command, func(v any) error { return assign(params, v) })
	if err != nil {
		return err
	}
	return assign(result, out)
}

func (l *Local) Subscribe(ctx context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error) {
	if l.events == nil {
		return nil, schema.ErrWatchUnsupported
	}
	return l.events.Subscribe(ctx, req, fn)
}

func (l *Local) Close() error { return nil }

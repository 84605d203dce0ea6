// Package dispatch issues host commands through a local or peer transport
// and exposes them as the collaborators of the core service.
package dispatch

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// Topology names a transport strategy.
type Topology string

const (
	TopologyLocal Topology = "local"
	TopologyPeer  Topology = "peer"
)

// Transport carries host commands and session updates.
type Transport interface {
	Topology() Topology
	// Call invokes command with params and decodes the result into out.
	Call(ctx context.Context, command schema.CommandName, params any, out any) error
	// Subscribe attaches fn to updates of req.ExternalID until cancel is called.
	Subscribe(ctx context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error)
	Close() error
}

// Decoder fills v with command params.
type Decoder func(v any) error

// Invoker runs host commands in process.
type Invoker interface {
	Invoke(ctx context.Context, command schema.CommandName, decode Decoder) (any, error)
}

// assign copies src into the value dst points at. Matching types are
// assigned directly; anything else goes through JSON.
func assign(src any, dst any) error {
	if dst == nil {
		return nil
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return &json.InvalidUnmarshalError{Type: reflect.TypeOf(dst)}
	}
	if src == nil {
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Kind() == reflect.Pointer && !sv.IsNil() && sv.Elem().Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv.Elem())
		return nil
	}
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

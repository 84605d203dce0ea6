// Package wire defines the peer frame protocol and the links that carry it.
package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes frames and their payloads. Payloads travel as RawMessage in
// the codec that encoded the enclosing frame.
type Codec interface {
	Name() string
	// Binary reports whether encoded frames are binary rather than text.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	// CodecJSON is the default codec name.
	CodecJSON = "json"
	// CodecCBOR selects deterministic CBOR.
	CodecCBOR = "cbor"
)

type jsonCodec struct{}

// JSON returns the JSON codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() cborCodec {
	opts := cbor.CoreDetEncOptions()
	// Message timestamps need sub-second precision.
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic("wire: cbor encoder: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// CBOR returns the core deterministic CBOR codec.
func CBOR() Codec { return defaultCBOR }

func (cborCodec) Name() string                         { return CodecCBOR }
func (cborCodec) Binary() bool                         { return true }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName resolves a configured codec name. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSON(), nil
	case CodecCBOR:
		return CBOR(), nil
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}

// Encode marshals v into a payload for a frame encoded with codec.
func Encode(codec Codec, v any) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}

// Decode unmarshals a payload produced by Encode. An empty payload leaves v
// untouched.
func Decode(codec Codec, raw RawMessage, v any) error {
	if len(raw) == 0 || v == nil {
		return nil
	}
	return codec.Unmarshal(raw, v)
}

// RawMessage is a payload already encoded with the frame's codec.
type RawMessage []byte

var cborNull = []byte{0xf6}

func (m RawMessage) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *RawMessage) UnmarshalJSON(data []byte) error {
	if m == nil {
		return fmt.Errorf("wire: UnmarshalJSON on nil RawMessage")
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (m RawMessage) MarshalCBOR() ([]byte, error) {
	if len(m) == 0 {
		return cborNull, nil
	}
	return m, nil
}

func (m *RawMessage) UnmarshalCBOR(data []byte) error {
	if m == nil {
		return fmt.Errorf("wire: UnmarshalCBOR on nil RawMessage")
	}
	*m = append((*m)[:0], data...)
	return nil
}

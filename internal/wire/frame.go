package wire

import (
	"errors"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// FrameType discriminates peer frames.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Frame is one message on a peer link.
//
//	request:  {id, type, command, params}
//	response: {type, id, success, data | error}
//	event:    {type, session_id, event}
type Frame struct {
	Type      FrameType                `json:"type"`
	ID        string                   `json:"id,omitempty"`
	Command   schema.CommandName       `json:"command,omitempty"`
	Params    RawMessage               `json:"params,omitempty"`
	Success   *bool                    `json:"success,omitempty"`
	Data      RawMessage               `json:"data,omitempty"`
	Error     *Error                   `json:"error,omitempty"`
	SessionID schema.ExternalSessionID `json:"session_id,omitempty"`
	Event     RawMessage               `json:"event,omitempty"`
}

// Succeeded reports whether a response frame carries a result.
func (f Frame) Succeeded() bool {
	return f.Success != nil && *f.Success && f.Error == nil
}

// NewRequest encodes params into a request frame.
func NewRequest(codec Codec, id string, command schema.CommandName, params any) (Frame, error) {
	raw, err := Encode(codec, params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameRequest, ID: id, Command: command, Params: raw}, nil
}

// NewResponse encodes data into a successful response frame.
func NewResponse(codec Codec, id string, data any) (Frame, error) {
	raw, err := Encode(codec, data)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: FrameResponse, ID: id, Success: &ok, Data: raw}, nil
}

// NewErrorResponse builds a failed response frame for err.
func NewErrorResponse(id string, err error) Frame {
	failed := false
	return Frame{Type: FrameResponse, ID: id, Success: &failed, Error: ErrorFrom(err)}
}

// NewEvent encodes a session update into an event frame.
func NewEvent(codec Codec, update schema.SessionUpdate) (Frame, error) {
	raw, err := Encode(codec, update)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, SessionID: update.ExternalID, Event: raw}, nil
}

// Validate checks the fields required by the frame type.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" || f.Command == "" {
			return errors.New("wire: request frame requires id and command")
		}
	case FrameResponse:
		if f.ID == "" || f.Success == nil {
			return errors.New("wire: response frame requires id and success")
		}
		if !*f.Success && f.Error == nil {
			return errors.New("wire: failed response frame requires error")
		}
	case FrameEvent:
		if f.SessionID == "" || len(f.Event) == 0 {
			return errors.New("wire: event frame requires session_id and event")
		}
	default:
		return errors.New("wire: unknown frame type " + string(f.Type))
	}
	return nil
}

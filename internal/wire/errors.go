package wire

import (
	"errors"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// Error is the structured error carried by failed response frames.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes understood by both ends of a link.
const (
	CodeHost = "host_error"
)

var codes = []struct {
	code string
	err  error
}{
	{"unknown_command", schema.ErrUnknownCommand},
	{"invalid_request", schema.ErrInvalidRequest},
	{"no_project", schema.ErrNoProject},
	{"no_agent", schema.ErrNoAgent},
	{"tab_not_found", schema.ErrTabNotFound},
	{"session_not_found", schema.ErrSessionNotFound},
	{"no_active_session", schema.ErrNoActiveSession},
	{"not_resumable", schema.ErrNotResumable},
	{"session_running", schema.ErrSessionRunning},
	{"empty_message", schema.ErrEmptyMessage},
	{"message_not_found", schema.ErrMessageNotFound},
	{"prompt_pending", schema.ErrPromptPending},
	{"no_prompt", schema.ErrNoPrompt},
	{"agent_unavailable", schema.ErrAgentUnavailable},
	{"watch_unsupported", schema.ErrWatchUnsupported},
	{"timeout", schema.ErrTimeout},
}

// ErrorFrom converts err into a wire error, keeping known sentinels
// recognizable on the other side.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) && wireErr != nil {
		return &Error{Code: wireErr.Code, Message: wireErr.Message}
	}
	for _, entry := range codes {
		if errors.Is(err, entry.err) {
			return &Error{Code: entry.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeHost, Message: err.Error()}
}

func (e *Error) Error() string {
	if e == nil {
		return "peer error"
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Unwrap maps the code back to its sentinel so errors.Is works across a link.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	for _, entry := range codes {
		if entry.code == e.Code {
			return entry.err
		}
	}
	return nil
}

package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the engine boundary.
type ErrorKind string

const (
	// ErrorTransport covers peer disconnects, timeouts and malformed responses.
	ErrorTransport ErrorKind = "transport"
	// ErrorHost covers unknown commands and failures of the host operation itself.
	ErrorHost ErrorKind = "host"
	// ErrorParse covers malformed prompts and tool metadata.
	ErrorParse ErrorKind = "parse"
	// ErrorPersistence covers failed message or tab saves.
	ErrorPersistence ErrorKind = "persistence"
)

// Error wraps a failure with a stable classification.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "core error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s failed", e.Kind, e.Op)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var target *Error
	if errors.As(err, &target) && target != nil {
		return target.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

package workflowerrors

import (
	"encoding/json"
	"errors"
)

// Error is the persisted form of a task or instance failure.
type Error struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	// Details carries structured information reported by a task handler, e.g. an HTTP status.
	Details map[string]any `json:"details,omitempty"`

	Permanent  bool   `json:"permanent,omitempty"`
	Cause      error  `json:"cause,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func (we *Error) UnmarshalJSON(b []byte) error {
	type Alias Error
	a := &struct {
		Cause *Error `json:"cause,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(we),
	}

	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	if a.Cause != nil {
		we.Cause = a.Cause
	} else {
		we.Cause = nil
	}

	return nil
}

func (we *Error) Error() string {
	return we.Message
}

func (we *Error) Unwrap() error {
	if we == nil || we.Cause == (*Error)(nil) {
		return nil
	}

	return we.Cause
}

func (we *Error) Stack() string {
	return we.Stacktrace
}

var _ error = (*Error)(nil)

// FromError wraps the given error into an error which can be persisted and restored
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	// Already converted, do not wrap again
	if e, ok := err.(*Error); ok {
		return e
	}

	e := &Error{
		Type:    typeName(err),
		Message: err.Error(),
	}

	if stackTracer, ok := err.(interface{ Stack() string }); ok {
		e.Stacktrace = stackTracer.Stack()
	}

	if cause := errors.Unwrap(err); cause != nil {
		e.Cause = FromError(cause)
	}

	return e
}

// ToError converts a restored error back into a concrete error for known types and keeps
// the Error for unknown ones
func ToError(err *Error) error {
	if err == nil {
		return nil
	}

	e := *err

	switch err.Type {
	case typeName(&PanicError{}):
		return &PanicError{message: e.Message, stacktrace: e.Stacktrace}

	default:
		return &e
	}
}

func NewPermanentError(err error) *Error {
	e := *FromError(err)
	e.Permanent = true
	return &e
}

// CanRetry returns true if the given error is retryable
func CanRetry(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return !e.Permanent
	}

	// Retry errors by default
	return true
}

// Encode returns the JSON document stored in a task's or instance's error column.
func Encode(err error) json.RawMessage {
	if err == nil {
		return nil
	}

	b, merr := json.Marshal(FromError(err))
	if merr != nil {
		b, _ = json.Marshal(&Error{Message: err.Error()})
	}

	return b
}

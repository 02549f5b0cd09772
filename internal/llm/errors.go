package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can render it without string parsing.
type Kind string

const (
	KindIO                Kind = "io"
	KindHTTP              Kind = "http"
	KindSerialization     Kind = "serialization"
	KindBackendNotFound   Kind = "backendNotFound"
	KindModelNotFound     Kind = "modelNotFound"
	KindBackendNotRunning Kind = "backendNotRunning"
	KindBoot              Kind = "boot"
	KindDisposed          Kind = "disposed"
	KindInternal          Kind = "internal"
)

// Error is the structured error returned by backends, models and sessions.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status code for KindHTTP errors when one was received.
	Status int
	// Backend names the backend involved, when known.
	Backend string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Backend != "" && (e.Kind == KindBoot || e.Kind == KindBackendNotRunning) {
		msg = e.Backend + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: KindBoot}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// MarshalJSON renders {"kind": ..., "message": ...}.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Message string `json:"message"`
		Status  int    `json:"status,omitempty"`
	}{Kind: e.Kind, Message: e.Error(), Status: e.Status})
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func ErrIO(msg string, err error) error { return &Error{Kind: KindIO, Message: msg, Err: err} }

// ErrHTTP builds a transport error; status is 0 when no response was received.
func ErrHTTP(msg string, status int, err error) error {
	return &Error{Kind: KindHTTP, Message: msg, Status: status, Err: err}
}

func ErrSerialization(msg string, err error) error {
	return &Error{Kind: KindSerialization, Message: msg, Err: err}
}

func ErrBackendNotFound(name string) error {
	return &Error{Kind: KindBackendNotFound, Message: "backend not found: " + name, Backend: name}
}

func ErrModelNotFound(backend, model string) error {
	return &Error{Kind: KindModelNotFound, Message: fmt.Sprintf("model %q not found in backend %q", model, backend), Backend: backend}
}

func ErrBackendNotRunning(backend string, err error) error {
	return &Error{Kind: KindBackendNotRunning, Message: "backend is not running", Backend: backend, Err: err}
}

func ErrBoot(backend, reason string) error {
	return &Error{Kind: KindBoot, Message: reason, Backend: backend}
}

func ErrDisposed(what string) error {
	return &Error{Kind: KindDisposed, Message: what + " is already disposed"}
}

func ErrInternal(msg string) error { return &Error{Kind: KindInternal, Message: msg} }

// IsNotFound reports whether err is a backend or model lookup failure.
func IsNotFound(err error) bool {
	return IsKind(err, KindBackendNotFound) || IsKind(err, KindModelNotFound)
}

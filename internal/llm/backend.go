// Package llm defines the contract shared by every LLM service integration:
// backends that own a process/connection and a set of models, models that
// report their runtime state and stream chat completions, and the sessions
// those completions are delivered through.
//
// Concrete services live under internal/backend (e.g. ollama). Callers should
// only depend on the interfaces here; variant-specific configuration is reached
// through an explicit variant check in the implementing package.
package llm

import "context"

// Backend is one LLM service instance hosting zero or more models.
type Backend interface {
	// Name is the stable registry key.
	Name() string
	// State reports the lifecycle state (stopped, booting, running).
	State() State
	// Models returns the model set as of the last successful refresh.
	Models() []Model
	// RefreshModels replaces the model set with the service's current catalog.
	// On failure the previous set is left untouched.
	RefreshModels(ctx context.Context) error
	// RunningModels reports every model the service currently holds in memory.
	RunningModels(ctx context.Context) ([]RuntimeSnapshot, error)
	// IsRunning is a liveness probe with a short timeout. It never fails;
	// every error is reported as not running.
	IsRunning(ctx context.Context) bool
	// Boot starts the service unless it is already running.
	Boot(ctx context.Context) error
	// Shutdown clears the model set and stops the service if this backend
	// started it. Safe to call in any state.
	Shutdown(ctx context.Context) error
	// Close shuts the backend down and disposes it. Models holding a reference
	// to a closed backend fail with a disposed error.
	Close(ctx context.Context) error
}

// Model is one addressable LLM inside a Backend.
type Model interface {
	Descriptor() ModelDescriptor
	// Backend resolves the non-owning reference to the owning backend.
	Backend() (Backend, error)

	IsLoaded(ctx context.Context) (bool, error)
	// LoadedSize returns the VRAM footprint in bytes, or -1 when not loaded.
	LoadedSize(ctx context.Context) (int64, error)
	// RuntimeInfo returns the cached snapshot while it is valid and refetches
	// once it expires. A nil snapshot means the model is not loaded.
	RuntimeInfo(ctx context.Context) (*RuntimeSnapshot, error)

	Load(ctx context.Context) error
	Unload(ctx context.Context) error

	// Prompt starts a streaming chat completion over history + [message]. It
	// returns once the service accepted the request; the stream is consumed
	// through the returned Session.
	Prompt(ctx context.Context, message ChatMessage, history []ChatMessage, think *bool) (Session, error)
}

// Session is a live handle to an in-progress completion stream.
type Session interface {
	// Events hands out the event stream. It may be called once; later calls
	// return an internal error. The channel is closed after the Stop event.
	Events() (<-chan Event, error)
	// Abort stops the stream. Idempotent; no effect after the stream ended.
	Abort()
	// Done is closed once the stream has terminated and its response is released.
	Done() <-chan struct{}
}

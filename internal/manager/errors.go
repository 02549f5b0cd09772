package manager

import (
	"errors"

	"llmd/internal/llm"
)

// ErrNotRunning is wrapped by the error ModelRuntimeInfo returns for a model
// the service does not currently hold in memory.
var ErrNotRunning = errors.New("model is not running")

func errModelNotRunning(backend, model string) error {
	return &llm.Error{Kind: llm.KindInternal, Message: "model " + model, Backend: backend, Err: ErrNotRunning}
}

// IsModelNotRunning reports whether err came from runtime info of an unloaded model.
func IsModelNotRunning(err error) bool { return errors.Is(err, ErrNotRunning) }

// errClosed is returned by every operation after Close.
func errClosed() error { return llm.ErrDisposed("manager") }

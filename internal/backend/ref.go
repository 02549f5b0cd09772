// Package backend holds the building blocks shared by concrete LLM service
// integrations: non-owning back references, managed service processes and
// the HTTP clients used to talk to the services.
package backend

import (
	"sync/atomic"
	"weak"

	"llmd/internal/llm"
)

// Lifetime marks an owner as disposed. It must be allocated separately from
// the owner so that refs holding it do not keep the owner reachable.
type Lifetime struct {
	disposed atomic.Bool
}

func NewLifetime() *Lifetime { return &Lifetime{} }

// Dispose marks the owner gone. It reports true for the first call only.
func (l *Lifetime) Dispose() bool { return l.disposed.CompareAndSwap(false, true) }

func (l *Lifetime) Disposed() bool { return l.disposed.Load() }

// Ref is a non-owning reference to a *T. Resolve fails once the owner was
// disposed or collected.
type Ref[T any] struct {
	wp   weak.Pointer[T]
	life *Lifetime
	what string
}

// NewRef creates a weak reference to v tied to life. what names the target
// in disposed errors.
func NewRef[T any](v *T, life *Lifetime, what string) Ref[T] {
	return Ref[T]{wp: weak.Make(v), life: life, what: what}
}

// Resolve returns the referenced value or a disposed error.
func (r Ref[T]) Resolve() (*T, error) {
	if r.life == nil || r.life.Disposed() {
		return nil, llm.ErrDisposed(r.what)
	}
	v := r.wp.Value()
	if v == nil {
		return nil, llm.ErrDisposed(r.what)
	}
	return v, nil
}

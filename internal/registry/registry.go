// Package registry maps backend names to their llm.Backend. The map is
// built once at startup and never changes afterwards, so lookups need no
// locking.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"llmd/internal/backend/ollama"
	"llmd/internal/config"
	"llmd/internal/llm"
)

// Registry owns every configured backend.
type Registry struct {
	backends map[string]llm.Backend
	order    []string
}

// New registers backends in order. Names must be unique and non-empty.
func New(backends ...llm.Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]llm.Backend, len(backends))}
	for _, b := range backends {
		name := b.Name()
		if name == "" {
			return nil, errors.New("backend with empty name")
		}
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("duplicate backend %q", name)
		}
		r.backends[name] = b
		r.order = append(r.order, name)
	}
	return r, nil
}

// FromConfig builds the backends enabled in cfg.
func FromConfig(cfg config.Config, log zerolog.Logger) (*Registry, error) {
	var backends []llm.Backend
	if o := cfg.Ollama; o.IsEnabled() {
		b, err := ollama.New(ollama.Config{
			Name:         o.Name,
			URL:          o.URL,
			ModelsPath:   o.ModelsPath,
			Binary:       o.Binary,
			BootAttempts: o.BootAttempts,
			BootDelay:    o.BootDelay(),
			ProbeTimeout: o.ProbeTimeout(),
			StopGrace:    o.StopGrace(),
			KeepAlive:    o.KeepAlive,
			HTTPRetries:  o.HTTPRetries,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama backend: %w", err)
		}
		backends = append(backends, b)
	}
	return New(backends...)
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (llm.Backend, error) {
	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	return nil, llm.ErrBackendNotFound(name)
}

// Names lists backend names in registration order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// All lists backends in registration order.
func (r *Registry) All() []llm.Backend {
	out := make([]llm.Backend, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.backends[n])
	}
	return out
}

// Model finds a model by name in the backend's current model set. The set
// is only as fresh as the backend's last refresh.
func (r *Registry) Model(backendName, modelName string) (llm.Model, error) {
	b, err := r.Get(backendName)
	if err != nil {
		return nil, err
	}
	for _, m := range b.Models() {
		if m.Descriptor().Name == modelName {
			return m, nil
		}
	}
	return nil, llm.ErrModelNotFound(backendName, modelName)
}

// Close shuts down and disposes every backend, in reverse registration order.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.backends[name].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

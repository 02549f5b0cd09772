package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llmd/internal/llm"
	"llmd/internal/registry"
	"llmd/pkg/types"
)

type Manager struct {
	mu        sync.RWMutex
	reg       *registry.Registry
	log       zerolog.Logger
	pub       EventPublisher
	forwardSz int
	now       func() time.Time
	startTime time.Time

	sessions map[string]*session
	closed   bool
	quit     chan struct{}
	// forwarders in flight
	wg sync.WaitGroup
}

// New builds a Manager over reg with default tunables.
func New(reg *registry.Registry, log zerolog.Logger) *Manager {
	return NewWithConfig(ManagerConfig{Registry: reg, Logger: log})
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) backend(name string) (llm.Backend, error) {
	if m.isClosed() {
		return nil, errClosed()
	}
	return m.reg.Get(name)
}

// Model resolves a model by backend and model name.
func (m *Manager) Model(backend, model string) (llm.Model, error) {
	if m.isClosed() {
		return nil, errClosed()
	}
	return m.reg.Model(backend, model)
}

// Ready reports whether any backend is running.
func (m *Manager) Ready() bool {
	if m.isClosed() {
		return false
	}
	for _, b := range m.reg.All() {
		if b.State() == llm.StateRunning {
			return true
		}
	}
	return false
}

// BackendNames lists registered backends in registration order.
func (m *Manager) BackendNames() []string { return m.reg.Names() }

// Backends reports every backend's state and a liveness probe, probing in
// parallel.
func (m *Manager) Backends(ctx context.Context) []types.BackendStatus {
	all := m.reg.All()
	out := make([]types.BackendStatus, len(all))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range all {
		g.Go(func() error {
			running := b.IsRunning(gctx)
			out[i] = types.BackendStatus{Name: b.Name(), State: string(b.State()), Running: &running}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Boot starts the named backend unless it is already running.
func (m *Manager) Boot(ctx context.Context, name string) error {
	b, err := m.backend(name)
	if err != nil {
		return err
	}
	m.publish(Event{Name: EventBootStart, Backend: name})
	start := m.now()
	if err := b.Boot(ctx); err != nil {
		backendBootsTotal.WithLabelValues(name, "error").Inc()
		m.publish(Event{Name: EventBootFailed, Backend: name, Fields: map[string]any{"error": err.Error()}})
		m.log.Warn().Str("backend", name).Err(err).Msg("boot failed")
		return err
	}
	took := m.now().Sub(start)
	backendBootsTotal.WithLabelValues(name, "ok").Inc()
	m.publish(Event{Name: EventBootReady, Backend: name, Fields: map[string]any{"duration_ms": took.Milliseconds()}})
	m.log.Info().Str("backend", name).Dur("took", took).Msg("boot ready")
	return nil
}

// Shutdown aborts the backend's live sessions and stops it.
func (m *Manager) Shutdown(ctx context.Context, name string) error {
	b, err := m.backend(name)
	if err != nil {
		return err
	}
	m.abortWhere(func(s *session) bool { return s.backend == name }, "shutdown")
	if err := b.Shutdown(ctx); err != nil {
		m.log.Warn().Str("backend", name).Err(err).Msg("shutdown")
		return err
	}
	m.publish(Event{Name: EventShutdown, Backend: name})
	m.log.Info().Str("backend", name).Msg("shutdown")
	return nil
}

// IsRunning probes the named backend.
func (m *Manager) IsRunning(ctx context.Context, name string) (bool, error) {
	b, err := m.backend(name)
	if err != nil {
		return false, err
	}
	return b.IsRunning(ctx), nil
}

// State reports the named backend's lifecycle state.
func (m *Manager) State(name string) (llm.State, error) {
	b, err := m.backend(name)
	if err != nil {
		return "", err
	}
	return b.State(), nil
}

// RefreshModels reloads the named backend's catalog.
func (m *Manager) RefreshModels(ctx context.Context, name string) error {
	b, err := m.backend(name)
	if err != nil {
		return err
	}
	if err := b.RefreshModels(ctx); err != nil {
		m.log.Warn().Str("backend", name).Err(err).Msg("refresh models failed")
		return err
	}
	n := len(b.Models())
	m.publish(Event{Name: EventRefreshDone, Backend: name, Fields: map[string]any{"models": n}})
	m.log.Debug().Str("backend", name).Int("models", n).Msg("models refreshed")
	return nil
}

// ListModels returns the descriptors of the backend's current model set.
func (m *Manager) ListModels(name string) ([]llm.ModelDescriptor, error) {
	b, err := m.backend(name)
	if err != nil {
		return nil, err
	}
	models := b.Models()
	out := make([]llm.ModelDescriptor, len(models))
	for i, mdl := range models {
		out[i] = mdl.Descriptor()
	}
	return out, nil
}

// RunningModels reports what the backend currently holds in memory.
func (m *Manager) RunningModels(ctx context.Context, name string) ([]llm.RuntimeSnapshot, error) {
	b, err := m.backend(name)
	if err != nil {
		return nil, err
	}
	return b.RunningModels(ctx)
}

// Close aborts every live session, waits for their forwarders, then shuts
// down and disposes every backend. Later calls are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		m.abort(s, "close")
	}
	var errs []error
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := m.reg.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	m.log.Info().Int("aborted_sessions", len(live)).Msg("manager closed")
	return errors.Join(errs...)
}

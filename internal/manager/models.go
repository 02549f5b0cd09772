package manager

import (
	"context"

	"llmd/internal/llm"
)

// ModelLoaded reports whether the service holds the model in memory.
func (m *Manager) ModelLoaded(ctx context.Context, backend, model string) (bool, error) {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return false, err
	}
	return mdl.IsLoaded(ctx)
}

// ModelLoadedSize returns the model's VRAM footprint, -1 when not loaded.
func (m *Manager) ModelLoadedSize(ctx context.Context, backend, model string) (int64, error) {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return 0, err
	}
	return mdl.LoadedSize(ctx)
}

// ModelRuntimeInfo returns the runtime snapshot of a loaded model. A model
// that is not loaded yields an error matching IsModelNotRunning.
func (m *Manager) ModelRuntimeInfo(ctx context.Context, backend, model string) (llm.RuntimeSnapshot, error) {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return llm.RuntimeSnapshot{}, err
	}
	info, err := mdl.RuntimeInfo(ctx)
	if err != nil {
		return llm.RuntimeSnapshot{}, err
	}
	if info == nil {
		return llm.RuntimeSnapshot{}, errModelNotRunning(backend, model)
	}
	return *info, nil
}

func (m *Manager) LoadModel(ctx context.Context, backend, model string) error {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return err
	}
	if err := mdl.Load(ctx); err != nil {
		return err
	}
	m.publish(Event{Name: EventLoadDone, Backend: backend, Model: model})
	m.log.Info().Str("backend", backend).Str("model", model).Msg("model loaded")
	return nil
}

func (m *Manager) UnloadModel(ctx context.Context, backend, model string) error {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return err
	}
	if err := mdl.Unload(ctx); err != nil {
		return err
	}
	m.publish(Event{Name: EventUnloadDone, Backend: backend, Model: model})
	m.log.Info().Str("backend", backend).Str("model", model).Msg("model unloaded")
	return nil
}

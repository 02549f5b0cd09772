package manager

import (
	"context"
	"fmt"

	"llmd/internal/backend/ollama"
	"llmd/internal/llm"
)

func (m *Manager) ollama(name string) (*ollama.Backend, error) {
	b, err := m.backend(name)
	if err != nil {
		return nil, err
	}
	ob, ok := ollama.As(b)
	if !ok {
		return nil, llm.ErrInternal(fmt.Sprintf("backend %q is not an ollama backend", name))
	}
	return ob, nil
}

// APIURL returns the Ollama backend's API base URL.
func (m *Manager) APIURL(backend string) (string, error) {
	ob, err := m.ollama(backend)
	if err != nil {
		return "", err
	}
	return ob.APIURL(), nil
}

// SetAPIURL points the Ollama backend at a new API base URL.
func (m *Manager) SetAPIURL(backend, raw string) error {
	ob, err := m.ollama(backend)
	if err != nil {
		return err
	}
	if err := ob.SetAPIURL(raw); err != nil {
		return err
	}
	m.publish(Event{Name: EventSettingChange, Backend: backend, Fields: map[string]any{"api_url": ob.APIURL()}})
	m.log.Info().Str("backend", backend).Str("url", ob.APIURL()).Msg("api url changed")
	return nil
}

// ModelsPath returns the directory the Ollama service stores models in.
func (m *Manager) ModelsPath(backend string) (string, error) {
	ob, err := m.ollama(backend)
	if err != nil {
		return "", err
	}
	return ob.ModelsPath(), nil
}

// SetModelsPath changes the models directory. The service restarts, so live
// sessions on the backend are aborted first.
func (m *Manager) SetModelsPath(ctx context.Context, backend, path string) error {
	ob, err := m.ollama(backend)
	if err != nil {
		return err
	}
	m.abortWhere(func(s *session) bool { return s.backend == backend }, "restart")
	if err := ob.SetModelsPath(ctx, path); err != nil {
		return err
	}
	m.publish(Event{Name: EventSettingChange, Backend: backend, Fields: map[string]any{"models_path": ob.ModelsPath()}})
	m.log.Info().Str("backend", backend).Str("path", ob.ModelsPath()).Msg("models path changed")
	return nil
}

// Pull downloads tag through the Ollama backend and streams progress. The
// last item has Status "done".
func (m *Manager) Pull(ctx context.Context, backend, tag string) (<-chan ollama.PullProgress, error) {
	ob, err := m.ollama(backend)
	if err != nil {
		return nil, err
	}
	ch, err := ob.PullModel(ctx, tag)
	if err != nil {
		return nil, err
	}
	m.publish(Event{Name: EventPullStart, Backend: backend, Model: tag})
	m.log.Info().Str("backend", backend).Str("model", tag).Msg("pull start")
	return ch, nil
}

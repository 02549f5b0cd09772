package httpapi

import (
	"context"
	"sync"

	"llmd/internal/backend/ollama"
	"llmd/internal/llm"
	"llmd/internal/manager"
	"llmd/pkg/types"
)

// mockService is an in-memory Service. Fields are set before the mux is
// built; recorded calls are guarded by mu.
type mockService struct {
	ready    bool
	backends []types.BackendStatus
	models   map[string][]llm.ModelDescriptor
	loaded   map[string]bool
	runtime  map[string]llm.RuntimeSnapshot
	err      error // returned by every fallible call when set

	events []llm.Event
	// hold keeps the prompt stream open until the request context ends
	hold     bool
	progress []ollama.PullProgress

	mu         sync.Mutex
	lastPrompt promptCall
	stopped    []string
	apiURL     string
	modelsPath string
	promptDone chan struct{}
}

type promptCall struct {
	backend, model string
	msg            llm.ChatMessage
	history        []llm.ChatMessage
	think          *bool
}

func newMock() *mockService {
	return &mockService{
		ready:      true,
		backends:   []types.BackendStatus{{Name: "ollama", State: "running"}},
		models:     map[string][]llm.ModelDescriptor{},
		loaded:     map[string]bool{},
		runtime:    map[string]llm.RuntimeSnapshot{},
		apiURL:     "http://localhost:11434/api/",
		promptDone: make(chan struct{}),
	}
}

func (m *mockService) Ready() bool { return m.ready }

func (m *mockService) Status(ctx context.Context) types.StatusResponse {
	return types.StatusResponse{Backends: m.Backends(ctx), Sessions: m.Sessions()}
}

func (m *mockService) Backends(context.Context) []types.BackendStatus {
	return append([]types.BackendStatus(nil), m.backends...)
}

func (m *mockService) backend(name string) error {
	for _, b := range m.backends {
		if b.Name == name {
			return m.err
		}
	}
	return llm.ErrBackendNotFound(name)
}

func (m *mockService) model(backend, model string) error {
	if err := m.backend(backend); err != nil {
		return err
	}
	for _, d := range m.models[backend] {
		if d.Name == model {
			return nil
		}
	}
	return llm.ErrModelNotFound(backend, model)
}

func (m *mockService) Boot(_ context.Context, b string) error     { return m.backend(b) }
func (m *mockService) Shutdown(_ context.Context, b string) error { return m.backend(b) }

func (m *mockService) IsRunning(_ context.Context, b string) (bool, error) {
	if err := m.backend(b); err != nil {
		return false, err
	}
	return m.ready, nil
}

func (m *mockService) RefreshModels(_ context.Context, b string) error { return m.backend(b) }

func (m *mockService) ListModels(b string) ([]llm.ModelDescriptor, error) {
	if err := m.backend(b); err != nil {
		return nil, err
	}
	return m.models[b], nil
}

func (m *mockService) RunningModels(_ context.Context, b string) ([]llm.RuntimeSnapshot, error) {
	if err := m.backend(b); err != nil {
		return nil, err
	}
	var out []llm.RuntimeSnapshot
	for _, s := range m.runtime {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockService) ModelLoaded(_ context.Context, b, name string) (bool, error) {
	if err := m.model(b, name); err != nil {
		return false, err
	}
	return m.loaded[name], nil
}

func (m *mockService) ModelLoadedSize(_ context.Context, b, name string) (int64, error) {
	if err := m.model(b, name); err != nil {
		return 0, err
	}
	if s, ok := m.runtime[name]; ok {
		return s.VRAMBytes, nil
	}
	return -1, nil
}

func (m *mockService) ModelRuntimeInfo(_ context.Context, b, name string) (llm.RuntimeSnapshot, error) {
	if err := m.model(b, name); err != nil {
		return llm.RuntimeSnapshot{}, err
	}
	s, ok := m.runtime[name]
	if !ok {
		return llm.RuntimeSnapshot{}, &llm.Error{Kind: llm.KindInternal, Message: "model " + name, Err: manager.ErrNotRunning}
	}
	return s, nil
}

func (m *mockService) LoadModel(_ context.Context, b, name string) error {
	return m.model(b, name)
}

func (m *mockService) UnloadModel(_ context.Context, b, name string) error {
	return m.model(b, name)
}

func (m *mockService) Prompt(ctx context.Context, b, name string, msg llm.ChatMessage, history []llm.ChatMessage, think *bool) (string, <-chan llm.Event, error) {
	if err := m.model(b, name); err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	m.lastPrompt = promptCall{backend: b, model: name, msg: msg, history: history, think: think}
	m.mu.Unlock()
	ch := make(chan llm.Event)
	go func() {
		defer close(m.promptDone)
		defer close(ch)
		for _, ev := range m.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if m.hold {
			<-ctx.Done()
			return
		}
		select {
		case ch <- llm.StopEvent():
		case <-ctx.Done():
		}
	}()
	return "sess-1", ch, nil
}

func (m *mockService) StopPrompt(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return id == "sess-1"
}

func (m *mockService) Sessions() []types.Session {
	return []types.Session{{ID: "sess-1", Backend: "ollama", Model: "m1"}}
}

func (m *mockService) APIURL(b string) (string, error) {
	if err := m.backend(b); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiURL, nil
}

func (m *mockService) SetAPIURL(b, raw string) error {
	if err := m.backend(b); err != nil {
		return err
	}
	if raw == "" {
		return llm.ErrInternal("invalid api url")
	}
	m.mu.Lock()
	m.apiURL = raw
	m.mu.Unlock()
	return nil
}

func (m *mockService) ModelsPath(b string) (string, error) {
	if err := m.backend(b); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelsPath, nil
}

func (m *mockService) SetModelsPath(_ context.Context, b, p string) error {
	if err := m.backend(b); err != nil {
		return err
	}
	if p == "/missing" {
		return llm.ErrIO("models path does not exist: "+p, nil)
	}
	m.mu.Lock()
	m.modelsPath = p
	m.mu.Unlock()
	return nil
}

func (m *mockService) Pull(ctx context.Context, b, tag string) (<-chan ollama.PullProgress, error) {
	if err := m.backend(b); err != nil {
		return nil, err
	}
	ch := make(chan ollama.PullProgress)
	go func() {
		defer close(ch)
		for _, p := range m.progress {
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

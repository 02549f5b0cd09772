package manager

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmd/internal/llm"
	"llmd/internal/registry"
	"llmd/internal/stream"
)

// fakeBackend is an in-memory llm.Backend.
type fakeBackend struct {
	name    string
	bootErr error

	mu      sync.Mutex
	state   llm.State
	models  []llm.Model
	catalog []*fakeModel
	closed  bool
	boots   int
}

func newFakeBackend(name string, models ...string) *fakeBackend {
	b := &fakeBackend{name: name, state: llm.StateStopped}
	for _, n := range models {
		b.catalog = append(b.catalog, &fakeModel{b: b, desc: llm.ModelDescriptor{
			Name: n, ID: n + "-id", Capabilities: []llm.Capability{llm.CapabilityCompletion},
		}})
	}
	return b
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) State() llm.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBackend) Models() []llm.Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Model(nil), b.models...)
}

func (b *fakeBackend) RefreshModels(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != llm.StateRunning {
		return llm.ErrBackendNotRunning(b.name, nil)
	}
	b.models = b.models[:0]
	for _, m := range b.catalog {
		b.models = append(b.models, m)
	}
	return nil
}

func (b *fakeBackend) RunningModels(context.Context) ([]llm.RuntimeSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []llm.RuntimeSnapshot
	for _, m := range b.catalog {
		if m.loaded.Load() {
			out = append(out, llm.RuntimeSnapshot{ModelName: m.desc.Name, VRAMBytes: 1 << 30})
		}
	}
	return out, nil
}

func (b *fakeBackend) IsRunning(context.Context) bool { return b.State() == llm.StateRunning }

func (b *fakeBackend) Boot(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boots++
	if b.bootErr != nil {
		return b.bootErr
	}
	b.state = llm.StateRunning
	return nil
}

func (b *fakeBackend) Shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = nil
	b.state = llm.StateStopped
	return nil
}

func (b *fakeBackend) Close(ctx context.Context) error {
	_ = b.Shutdown(ctx)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeModel streams whatever the test writes to the pipe handed out by its
// next Prompt call.
type fakeModel struct {
	b      *fakeBackend
	desc   llm.ModelDescriptor
	loaded atomic.Bool

	mu      sync.Mutex
	pipes   chan *io.PipeWriter
	last    *stream.Session
	lastMsg llm.ChatMessage
}

func (m *fakeModel) Descriptor() llm.ModelDescriptor { return m.desc }
func (m *fakeModel) Backend() (llm.Backend, error)   { return m.b, nil }

func (m *fakeModel) IsLoaded(context.Context) (bool, error) { return m.loaded.Load(), nil }

func (m *fakeModel) LoadedSize(context.Context) (int64, error) {
	if m.loaded.Load() {
		return 1 << 30, nil
	}
	return -1, nil
}

func (m *fakeModel) RuntimeInfo(context.Context) (*llm.RuntimeSnapshot, error) {
	if !m.loaded.Load() {
		return nil, nil
	}
	return &llm.RuntimeSnapshot{ModelName: m.desc.Name, VRAMBytes: 1 << 30, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (m *fakeModel) Load(context.Context) error   { m.loaded.Store(true); return nil }
func (m *fakeModel) Unload(context.Context) error { m.loaded.Store(false); return nil }

func (m *fakeModel) Prompt(ctx context.Context, msg llm.ChatMessage, history []llm.ChatMessage, think *bool) (llm.Session, error) {
	if m.b.State() != llm.StateRunning {
		return nil, llm.ErrBackendNotRunning(m.b.name, nil)
	}
	pr, pw := io.Pipe()
	rctx, cancel := context.WithCancel(ctx)
	go func() {
		<-rctx.Done()
		_ = pr.CloseWithError(rctx.Err())
	}()
	s := stream.NewSession(pr, cancel, stream.Options{})
	m.mu.Lock()
	m.last = s
	m.lastMsg = msg
	m.mu.Unlock()
	m.pipes <- pw
	return s, nil
}

// lastSession returns the session created by the latest Prompt.
func (m *fakeModel) lastSession() *stream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// newTestManager registers backends and boots + refreshes each one.
func newTestManager(t *testing.T, backends ...*fakeBackend) (*Manager, *MemoryPublisher) {
	t.Helper()
	list := make([]llm.Backend, len(backends))
	for i, b := range backends {
		list[i] = b
		for _, m := range b.catalog {
			m.pipes = make(chan *io.PipeWriter, 4)
		}
	}
	reg, err := registry.New(list...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := NewMemoryPublisher()
	m := NewWithConfig(ManagerConfig{Registry: reg, Logger: zerolog.Nop(), Publisher: pub})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	for _, b := range backends {
		if b.bootErr != nil {
			continue
		}
		if err := m.Boot(testCtx(t), b.name); err != nil {
			t.Fatalf("boot %s: %v", b.name, err)
		}
		if err := m.RefreshModels(testCtx(t), b.name); err != nil {
			t.Fatalf("refresh %s: %v", b.name, err)
		}
	}
	return m, pub
}

// nextPipe returns the write side of the stream the latest Prompt opened.
func nextPipe(t *testing.T, m *fakeModel) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-m.pipes:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt stream opened")
		return nil
	}
}

// recv reads one event or fails after a timeout. ok is false once the
// channel is closed.
func recv(t *testing.T, ch <-chan llm.Event) (llm.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return llm.Event{}, false
	}
}

// drain collects events until the channel closes.
func drain(t *testing.T, ch <-chan llm.Event) []llm.Event {
	t.Helper()
	var out []llm.Event
	for {
		ev, ok := recv(t, ch)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func waitNoSessions(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions still live: %+v", m.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

var errBootBoom = errors.New("boom")

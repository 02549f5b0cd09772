package ollama

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"llmd/internal/backend"
	"llmd/internal/llm"
)

// Model is one entry of a Backend's model set. It refers back to its backend
// without owning it.
type Model struct {
	desc llm.ModelDescriptor
	ref  backend.Ref[Backend]
	now  func() time.Time
	log  zerolog.Logger

	mu    sync.RWMutex
	info  *llm.RuntimeSnapshot
	fetch singleflight.Group
}

var _ llm.Model = (*Model)(nil)

func newModel(d llm.ModelDescriptor, b *Backend) *Model {
	return &Model{
		desc: d,
		ref:  backend.NewRef(b, b.life, "backend "+b.cfg.Name),
		now:  b.cfg.Now,
		log:  b.log.With().Str("model", d.Name).Logger(),
	}
}

func (m *Model) Descriptor() llm.ModelDescriptor { return m.desc }

func (m *Model) Backend() (llm.Backend, error) {
	b, err := m.ref.Resolve()
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Model) IsLoaded(ctx context.Context) (bool, error) {
	info, err := m.RuntimeInfo(ctx)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

func (m *Model) LoadedSize(ctx context.Context) (int64, error) {
	info, err := m.RuntimeInfo(ctx)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return -1, nil
	}
	return info.VRAMBytes, nil
}

// runtimeFetchTimeout bounds a shared running-models fetch, which outlives
// the caller that started it.
const runtimeFetchTimeout = 10 * time.Second

// RuntimeInfo serves the cached snapshot until it expires. A miss fetches
// the backend's running models once, however many callers miss at the same
// time, and caches the entry matching this model's name. A model that is not
// running clears the cache and yields nil. Each caller stops waiting when its
// own ctx ends.
func (m *Model) RuntimeInfo(ctx context.Context) (*llm.RuntimeSnapshot, error) {
	if info := m.cached(); info != nil {
		return info, nil
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.fetch.DoChan("ps", func() (any, error) {
		if info := m.cached(); info != nil {
			return info, nil
		}
		b, err := m.ref.Resolve()
		if err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(fetchCtx, runtimeFetchTimeout)
		defer cancel()
		running, err := b.RunningModels(fctx)
		if err != nil {
			return nil, err
		}
		var found *llm.RuntimeSnapshot
		for i := range running {
			if running[i].ModelName == m.desc.Name {
				s := running[i]
				found = &s
				break
			}
		}
		m.mu.Lock()
		m.info = found
		m.mu.Unlock()
		return found, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	found, _ := res.Val.(*llm.RuntimeSnapshot)
	if found == nil {
		return nil, nil
	}
	s := *found
	return &s, nil
}

// cached returns a copy of the snapshot while it is still valid.
func (m *Model) cached() *llm.RuntimeSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil || !m.info.Valid(m.now()) {
		return nil
	}
	s := *m.info
	return &s
}

func (m *Model) invalidate() {
	m.mu.Lock()
	m.info = nil
	m.mu.Unlock()
}

// Load asks the service to load the model and keep it for the configured
// keep-alive. It returns once the service acknowledged.
func (m *Model) Load(ctx context.Context) error {
	return m.generate(ctx, false)
}

// Unload asks the service to evict the model immediately.
func (m *Model) Unload(ctx context.Context) error {
	return m.generate(ctx, true)
}

func (m *Model) generate(ctx context.Context, unload bool) error {
	b, err := m.ref.Resolve()
	if err != nil {
		return err
	}
	req := generateRequest{Model: m.desc.Name}
	if unload {
		req.KeepAlive = 0
	} else {
		req.KeepAlive = b.cfg.KeepAlive
	}
	b.mu.RLock()
	err = b.doJSON(ctx, http.MethodPost, "generate", req, nil)
	b.mu.RUnlock()
	m.invalidate()
	if err != nil {
		return err
	}
	m.log.Info().Bool("unload", unload).Msg("model load state changed")
	return nil
}

// Prompt starts a streaming chat over history followed by message. The
// returned session is live as soon as the service answered with headers;
// cancelling ctx ends the stream like Abort does.
func (m *Model) Prompt(ctx context.Context, message llm.ChatMessage, history []llm.ChatMessage, think *bool) (llm.Session, error) {
	b, err := m.ref.Resolve()
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, message)
	return b.chat(ctx, chatRequest{
		Model:     m.desc.ID,
		KeepAlive: b.cfg.KeepAlive,
		Think:     think,
		Messages:  toWire(msgs),
		Stream:    true,
	}, m.log)
}

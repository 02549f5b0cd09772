package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeOllama is an in-memory stand-in for the Ollama REST API.
type fakeOllama struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	tags      []tagEntry
	caps      map[string][]string
	running   []map[string]any
	showFail  bool
	generates []map[string]any
	chats     []map[string]any

	down     atomic.Bool
	psHits   atomic.Int32
	psGate   chan struct{} // when set, /ps blocks until closed
	chatFunc func(w http.ResponseWriter, r *http.Request)
	pullFunc func(w http.ResponseWriter, r *http.Request)
	versionF func(w http.ResponseWriter, r *http.Request)
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{t: t, caps: map[string][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		vf := f.versionF
		f.mu.Unlock()
		if vf != nil {
			vf(w, r)
			return
		}
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]any{"models": f.tags})
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req showRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.showFail {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"show exploded"}`)
			return
		}
		writeJSON(w, map[string]any{"capabilities": f.caps[req.Model]})
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		f.psHits.Add(1)
		f.mu.Lock()
		gate := f.psGate
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]any{"models": f.running})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.generates = append(f.generates, body)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"model": body["model"], "done": true})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		f.mu.Lock()
		f.chats = append(f.chats, body)
		fn := f.chatFunc
		f.mu.Unlock()
		if fn != nil {
			fn(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"done":false,"message":{"role":"assistant","content":"Hi"}}`+"\n")
		_, _ = io.WriteString(w, `{"done":true,"message":{"role":"assistant","content":""}}`+"\n")
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		pf := f.pullFunc
		f.mu.Unlock()
		if pf != nil {
			pf(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// with runs fn under the fake's lock, for swapping handlers mid-test.
func (f *fakeOllama) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeOllama) apiURL() string { return f.srv.URL + "/api/" }

func (f *fakeOllama) addModel(name string, size int64, caps ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tagEntry{Name: name, Model: name + "-id", Size: size})
	f.caps[name] = caps
}

func (f *fakeOllama) setRunning(entries ...map[string]any) {
	f.mu.Lock()
	f.running = entries
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeClock is a settable clock for runtime-info expiry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func mustModel(t *testing.T, b *Backend, name string) *Model {
	t.Helper()
	m, ok := b.Model(name)
	if !ok {
		var names []string
		for _, x := range b.Models() {
			names = append(names, x.Descriptor().Name)
		}
		t.Fatalf("model %q not found in [%s]", name, strings.Join(names, ","))
	}
	return m
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmd/internal/backend/ollama"
	"llmd/internal/config"
	"llmd/internal/llm"
	"llmd/pkg/types"
)

// lockedBuffer is a bytes.Buffer safe for a writer and a polling reader.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{config.EnvAddr, config.EnvLogLevel, config.EnvOllamaURL, config.EnvOllamaModels} {
		t.Setenv(k, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	clearEnv(t)
	var out, errb bytes.Buffer
	code = Execute(context.Background(), args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestServerURL(t *testing.T) {
	cases := []struct {
		addr, server, want string
	}{
		{addr: ":8080", want: "http://127.0.0.1:8080"},
		{addr: "0.0.0.0:9000", want: "http://127.0.0.1:9000"},
		{addr: "[::]:9000", want: "http://127.0.0.1:9000"},
		{addr: "10.0.0.2:7000", want: "http://10.0.0.2:7000"},
		{addr: ":8080", server: "http://remote:1", want: "http://remote:1"},
	}
	for _, c := range cases {
		a := &app{opts: &Options{Server: c.server}, cfg: config.Config{Addr: c.addr}}
		if got := a.serverURL(); got != c.want {
			t.Errorf("addr=%q server=%q: got %q want %q", c.addr, c.server, got, c.want)
		}
	}
}

func TestBackendsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backends" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, types.BackendsResponse{Backends: []types.BackendStatus{{Name: "ollama", State: "running"}}})
	}))
	defer srv.Close()

	code, out, errOut := run(t, "--server", srv.URL, "backends")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "ollama") || !strings.Contains(out, "running") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestModelsCommand_RefreshAndLoadedMark(t *testing.T) {
	var refreshed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /backends/ollama/models/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshed.Store(true)
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: []types.Model{
			{Name: "llama3.2:latest", Size: 2_000_000_000, Capabilities: []string{"completion", "tools"}},
			{Name: "qwen3:8b", Size: 5_000_000_000, Capabilities: []string{"completion", "thinking"}},
		}})
	})
	mux.HandleFunc("GET /backends/ollama/ps", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.RunningResponse{Models: []types.RuntimeInfo{{Name: "qwen3:8b", VRAMBytes: 6 << 30}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	code, out, errOut := run(t, "--server", srv.URL, "models", "--refresh")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !refreshed.Load() {
		t.Fatal("--refresh did not hit the refresh endpoint")
	}
	for _, want := range []string{"llama3.2:latest", "2.0 GB", "completion,tools", "qwen3:8b", "loaded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "llama3.2") && strings.Contains(line, "loaded") {
			t.Errorf("llama3.2 is not running but marked loaded: %q", line)
		}
	}
}

func TestModelsCommand_EmptyHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{})
	}))
	defer srv.Close()
	code, out, _ := run(t, "--server", srv.URL, "models")
	if code != 0 || !strings.Contains(out, "--refresh") {
		t.Fatalf("code=%d out=%q", code, out)
	}
}

func TestPsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.RunningResponse{Models: []types.RuntimeInfo{
			{Name: "llama3.2:latest", VRAMBytes: 3_000_000_000, ExpiresAtUnix: time.Now().Add(5 * time.Minute).Unix()},
		}})
	}))
	defer srv.Close()
	code, out, errOut := run(t, "--server", srv.URL, "ps")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "3.0 GB") || !strings.Contains(out, "from now") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestAPIErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: `backend "nope" not found`, Kind: "backendNotFound", Code: 404})
	}))
	defer srv.Close()

	code, _, errOut := run(t, "--server", srv.URL, "--backend", "nope", "boot")
	if code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(errOut, `backend "nope" not found`) {
		t.Fatalf("stderr does not carry the API error: %s", errOut)
	}
}

func TestClient_APIErrorFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, types.ErrorResponse{Error: "model m is not running", Kind: "internal", Code: 409})
	}))
	defer srv.Close()
	c, err := NewClient(srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	err = c.Boot(context.Background(), "ollama")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("want *APIError, got %T %v", err, err)
	}
	if apiErr.Code != http.StatusConflict || apiErr.Kind != "internal" {
		t.Fatalf("unexpected %+v", apiErr)
	}
}

func TestClient_ServerNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(base, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Backends(context.Background())
	if err == nil || !strings.Contains(err.Error(), "llmd serve") {
		t.Fatalf("want a hint to start the server, got %v", err)
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://x"} {
		if _, err := NewClient(u, zerolog.Nop()); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}

func encodeEvents(w http.ResponseWriter, evs ...llm.Event) {
	enc := json.NewEncoder(w)
	for _, ev := range evs {
		_ = enc.Encode(ev)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestChatCommand_StreamsThoughtsAndContent(t *testing.T) {
	reqs := make(chan types.PromptRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backends/ollama/models/qwen3:8b/prompt" {
			http.NotFound(w, r)
			return
		}
		var req types.PromptRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqs <- req
		w.Header().Set("X-Session-ID", "s1")
		encodeEvents(w,
			llm.MessageEvent(llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Thoughts: "pondering"}}),
			llm.MessageEvent(llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "Hello"}}),
			llm.MessageEvent(llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: " world"}}),
			llm.StopEvent(),
		)
	}))
	defer srv.Close()

	code, out, errOut := run(t, "--server", srv.URL, "chat", "qwen3:8b", "--think", "--system", "be brief", "say", "hi")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "pondering") || !strings.Contains(out, "Hello world") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Index(out, "pondering") > strings.Index(out, "Hello") {
		t.Fatalf("thoughts should precede content: %q", out)
	}
	got := <-reqs
	if got.Message.Content != "say hi" || got.Message.Role != llm.RoleUser {
		t.Fatalf("message = %+v", got.Message)
	}
	if got.Think == nil || !*got.Think {
		t.Fatalf("think not forwarded: %v", got.Think)
	}
	if len(got.History) != 1 || got.History[0].Role != llm.RoleSystem {
		t.Fatalf("history = %+v", got.History)
	}
}

func TestChatCommand_ThinkUnsetIsOmitted(t *testing.T) {
	raws := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		_ = json.NewDecoder(r.Body).Decode(&raw)
		raws <- raw
		encodeEvents(w, llm.StopEvent())
	}))
	defer srv.Close()
	if code, _, errOut := run(t, "--server", srv.URL, "chat", "m", "hi"); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	raw := <-raws
	if _, ok := raw["think"]; ok {
		t.Fatalf("think sent although the flag was not given: %v", raw)
	}
}

func TestChatCommand_BackendErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encodeEvents(w,
			llm.MessageEvent(llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "Hel"}}),
			llm.MessageEvent(llm.ChatResponse{Error: "model runner has unexpectedly stopped"}),
			llm.StopEvent())
	}))
	defer srv.Close()
	code, out, errOut := run(t, "--server", srv.URL, "chat", "m", "hi")
	if code != 1 || !strings.Contains(errOut, "unexpectedly stopped") {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "Hel") {
		t.Fatalf("content before the error not printed: %q", out)
	}
}

func TestChatCommand_TruncatedStreamFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"type":"message","data":{"done":false,"message":{"role":"assistant","content":"cut`)
	}))
	defer srv.Close()
	code, out, errOut := run(t, "--server", srv.URL, "chat", "m", "hi")
	if code != 1 || !strings.Contains(errOut, "inside a record") {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	if strings.Contains(out, "cut") {
		t.Fatalf("unterminated record was printed: %q", out)
	}
}

func TestRunChat_InterruptStopsSession(t *testing.T) {
	stopped := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("POST /backends/ollama/models/m/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Session-ID", "s1")
		encodeEvents(w, llm.MessageEvent(llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "partial"}}))
		select {
		case <-stopped:
			encodeEvents(w, llm.StopEvent())
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "s1" {
			once.Do(func() { close(stopped) })
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &lockedBuffer{}
	errc := make(chan error, 1)
	go func() {
		errc <- runChat(ctx, c, "ollama", "m", types.PromptRequest{Message: llm.ChatMessage{Role: llm.RoleUser, Content: "x"}}, out)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "partial") {
		if time.Now().After(deadline) {
			t.Fatal("no output before interrupt")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not stopped on the server")
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("runChat: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runChat did not return after stop")
	}
}

func TestPullCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.PullRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Query().Get("backend") != "ollama" || req.Model != "llama3.2:1b" {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "bad pull", Code: 400})
			return
		}
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollama.PullProgress{Status: "pulling manifest"})
		_ = enc.Encode(ollama.PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		_ = enc.Encode(ollama.PullProgress{Status: ollama.PullStatusDone})
	}))
	defer srv.Close()

	code, out, errOut := run(t, "--server", srv.URL, "pull", "llama3.2:1b")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"pulling manifest", "downloading 500 B/1.0 kB (50%)", ollama.PullStatusDone} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPullCommand_ErrorRecordFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollama.PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()
	code, _, errOut := run(t, "--server", srv.URL, "pull", "nope")
	if code != 1 || !strings.Contains(errOut, "file does not exist") {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
}

func TestInvalidLogLevelFails(t *testing.T) {
	code, _, errOut := run(t, "--log-level", "loud", "backends")
	if code != 1 || !strings.Contains(errOut, "loud") {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
}

func TestServe_StartsAndStops(t *testing.T) {
	clearEnv(t)
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	path := filepath.Join(t.TempDir(), "llmd.yaml")
	cfg := "addr: 127.0.0.1:0\nlog_level: error\nollama:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	a := &app{opts: &Options{ConfigPath: path}, closeLog: func() {}}
	if err := a.init(io.Discard); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrc := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- a.serve(ctx, serveOptions{ready: func(addr string) { addrc <- addr }})
	}()

	var addr string
	select {
	case addr = <-addrc:
	case err := <-errc:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	c, err := NewClient("http://"+addr, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	list, err := c.Backends(context.Background())
	if err != nil {
		t.Fatalf("backends: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("ollama disabled but backends = %+v", list)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestHTTPLevel(t *testing.T) {
	cases := map[string]string{"": "info", "warn": "error", "warning": "error", "debug": "debug", "error": "error"}
	for in, want := range cases {
		if got := httpLevel(in); got != want {
			t.Errorf("httpLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

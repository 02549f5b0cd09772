// Package ollama implements llm.Backend for a local Ollama service.
//
// A Backend talks to the service's REST API under a base URL such as
// http://localhost:11434/api/ and can launch `ollama serve` itself when the
// service is not running. Models are discovered through /tags and /show and
// share the backend's HTTP clients.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llmd/internal/backend"
	"llmd/internal/common/fsutil"
	"llmd/internal/llm"
)

// Defaults applied when the corresponding Config fields are unset.
const (
	DefaultName         = "ollama"
	DefaultURL          = "http://localhost:11434/api/"
	DefaultBinary       = "ollama"
	DefaultBootAttempts = 3
	DefaultBootDelay    = 2 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultKeepAlive    = "10m"

	showConcurrency = 4
	errorBodyLimit  = 4096
)

// Config configures a Backend.
type Config struct {
	Name string
	// URL is the API base, e.g. http://localhost:11434/api/.
	URL string
	// ModelsPath is exported as OLLAMA_MODELS when this backend launches the service.
	ModelsPath   string
	Binary       string
	BootAttempts int
	BootDelay    time.Duration
	ProbeTimeout time.Duration
	StopGrace    time.Duration
	KeepAlive    string
	HTTPRetries  int
	Logger       zerolog.Logger
	// Now is the clock used for runtime-info expiry. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.BootAttempts <= 0 {
		c.BootAttempts = DefaultBootAttempts
	}
	if c.BootDelay <= 0 {
		c.BootDelay = DefaultBootDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.KeepAlive == "" {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Backend is the Ollama implementation of llm.Backend.
//
// mu guards the endpoint, models path, model list and process handle.
// Refresh, boot, shutdown and the setters take it exclusively; everything
// else reads under RLock.
type Backend struct {
	mu         sync.RWMutex
	cfg        Config
	apiURL     *url.URL
	modelsPath string
	models     []*Model
	proc       *backend.Process

	state   atomic.Value // llm.State
	clients backend.Clients
	life    *backend.Lifetime
	log     zerolog.Logger
}

var _ llm.Backend = (*Backend)(nil)

// New validates cfg and returns a stopped Backend.
func New(cfg Config) (*Backend, error) {
	cfg.applyDefaults()
	u, err := parseAPIURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	path, err := fsutil.ExpandHome(cfg.ModelsPath)
	if err != nil {
		return nil, llm.ErrIO("models path", err)
	}
	log := cfg.Logger.With().Str("backend", cfg.Name).Logger()
	b := &Backend{
		cfg:        cfg,
		apiURL:     u,
		modelsPath: path,
		clients:    backend.NewClients(backend.ClientOptions{Retries: cfg.HTTPRetries, Logger: log}),
		life:       backend.NewLifetime(),
		log:        log,
	}
	b.state.Store(llm.StateStopped)
	return b, nil
}

// As is the explicit variant check used to reach Ollama-only operations
// from a generic llm.Backend.
func As(b llm.Backend) (*Backend, bool) {
	ob, ok := b.(*Backend)
	return ob, ok
}

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) State() llm.State { return b.state.Load().(llm.State) }

func (b *Backend) setState(s llm.State) {
	if prev := b.state.Swap(s); prev != s {
		b.log.Debug().Str("from", string(prev.(llm.State))).Str("to", string(s)).Msg("state")
	}
}

func (b *Backend) Models() []llm.Model {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]llm.Model, len(b.models))
	for i, m := range b.models {
		out[i] = m
	}
	return out
}

// Model looks a model up by name in the current set.
func (b *Backend) Model(name string) (*Model, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.models {
		if m.desc.Name == name {
			return m, true
		}
	}
	return nil, false
}

// RefreshModels lists /tags, fetches /show for each entry in parallel and
// replaces the model set. Models without completion support (embedding-only)
// are skipped. The backend lock is held for the whole refresh.
func (b *Backend) RefreshModels(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var tags tagsResponse
	if err := b.doJSON(ctx, http.MethodGet, "tags", nil, &tags); err != nil {
		return err
	}
	caps := make([][]string, len(tags.Models))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(showConcurrency)
	for i, t := range tags.Models {
		g.Go(func() error {
			var show showResponse
			if err := b.doJSON(gctx, http.MethodPost, "show", showRequest{Model: t.Name}, &show); err != nil {
				return err
			}
			caps[i] = show.Capabilities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	models := make([]*Model, 0, len(tags.Models))
	for i, t := range tags.Models {
		d := llm.ModelDescriptor{Name: t.Name, ID: t.Model, Size: t.Size}
		for _, c := range caps[i] {
			if cp, ok := llm.ParseCapability(c); ok {
				d.Capabilities = append(d.Capabilities, cp)
			}
		}
		if !d.Has(llm.CapabilityCompletion) {
			b.log.Debug().Str("model", t.Name).Strs("capabilities", caps[i]).Msg("skipping model without completion support")
			continue
		}
		models = append(models, newModel(d, b))
	}
	b.models = models
	b.log.Info().Int("models", len(models)).Msg("models refreshed")
	return nil
}

func (b *Backend) RunningModels(ctx context.Context) ([]llm.RuntimeSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runningModels(ctx)
}

func (b *Backend) runningModels(ctx context.Context) ([]llm.RuntimeSnapshot, error) {
	var ps psResponse
	if err := b.doJSON(ctx, http.MethodGet, "ps", nil, &ps); err != nil {
		return nil, err
	}
	if ps.Models == nil {
		return []llm.RuntimeSnapshot{}, nil
	}
	return ps.Models, nil
}

func (b *Backend) IsRunning(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ping(ctx) == nil
}

// ping issues HEAD version with a short timeout. Any error reads as down.
func (b *Backend) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.endpoint("version"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := b.clients.Stream.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("version: status %d", resp.StatusCode)
	}
	return nil
}

// Boot starts `ollama serve` unless the service already answers. A service
// this backend did not launch is used as-is.
func (b *Backend) Boot(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bootLocked(ctx)
}

func (b *Backend) bootLocked(ctx context.Context) error {
	if b.life.Disposed() {
		return llm.ErrDisposed("backend " + b.cfg.Name)
	}
	b.setState(llm.StateBooting)
	if b.ping(ctx) == nil {
		b.log.Info().Msg("boot: service already running")
		b.setState(llm.StateRunning)
		return nil
	}
	// a previously launched process may be hung; make sure it is gone
	if err := b.shutdownLocked(); err != nil {
		b.log.Warn().Err(err).Msg("boot: stopping previous process")
	}
	b.setState(llm.StateBooting)

	env := []string{"OLLAMA_HOST=" + b.apiURL.Host}
	if b.modelsPath != "" {
		if !fsutil.DirExists(b.modelsPath) {
			b.setState(llm.StateStopped)
			return llm.ErrBoot(b.cfg.Name, fmt.Sprintf("models directory %q does not exist", b.modelsPath))
		}
		b.log.Info().Str("models_path", b.modelsPath).Msg("boot: using models directory")
		env = append(env, "OLLAMA_MODELS="+b.modelsPath)
	}

	proc, err := backend.StartProcess(backend.ProcessSpec{Binary: b.cfg.Binary, Args: []string{"serve"}, Env: env}, b.log)
	if err != nil {
		b.setState(llm.StateStopped)
		return &llm.Error{Kind: llm.KindBoot, Message: "failed to launch service", Backend: b.cfg.Name, Err: err}
	}
	b.proc = proc

	fail := func(e error) error {
		if serr := proc.Stop(b.cfg.StopGrace); serr != nil {
			b.log.Warn().Err(serr).Msg("boot: terminating failed process")
		}
		b.proc = nil
		b.setState(llm.StateStopped)
		return e
	}
	var lastErr error
	for i := 0; i < b.cfg.BootAttempts; i++ {
		if lastErr = b.ping(ctx); lastErr == nil {
			b.log.Info().Int("attempts", i+1).Int("pid", proc.Pid()).Msg("boot ready")
			b.setState(llm.StateRunning)
			return nil
		}
		b.log.Debug().Int("attempt", i+1).Err(lastErr).Msg("boot: not ready")
		if i == b.cfg.BootAttempts-1 {
			break
		}
		select {
		case <-proc.Exited():
			return fail(b.exitedErr(proc))
		case <-ctx.Done():
			return fail(&llm.Error{Kind: llm.KindBoot, Message: "boot canceled", Backend: b.cfg.Name, Err: ctx.Err()})
		case <-time.After(b.cfg.BootDelay):
		}
	}
	select {
	case <-proc.Exited():
		return fail(b.exitedErr(proc))
	default:
	}
	reason := fmt.Sprintf("service did not start after %d attempts", b.cfg.BootAttempts)
	if lastErr != nil {
		reason += ": " + lastErr.Error()
	}
	b.log.Error().Str("reason", reason).Msg("boot failed")
	return fail(llm.ErrBoot(b.cfg.Name, reason))
}

// exitedErr describes a service process that died during boot.
func (b *Backend) exitedErr(proc *backend.Process) error {
	reason := "service exited before it became ready"
	if werr := proc.ExitErr(); werr != nil {
		reason += ": " + werr.Error()
	}
	if tail := strings.TrimSpace(proc.StderrTail()); tail != "" {
		reason += "; stderr tail: " + tail
	}
	b.log.Error().Str("reason", reason).Msg("boot failed")
	return llm.ErrBoot(b.cfg.Name, reason)
}

func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdownLocked()
}

func (b *Backend) shutdownLocked() error {
	b.models = nil
	defer b.setState(llm.StateStopped)
	if b.proc == nil {
		return nil
	}
	p := b.proc
	b.proc = nil
	b.log.Info().Int("pid", p.Pid()).Msg("shutting down service")
	if err := p.Stop(b.cfg.StopGrace); err != nil {
		return &llm.Error{Kind: llm.KindBoot, Message: "failed to stop service", Backend: b.cfg.Name, Err: err}
	}
	return nil
}

// Close shuts down and disposes the backend. Models resolved afterwards
// report a disposed error.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.shutdownLocked()
	if b.life.Dispose() {
		b.log.Debug().Msg("backend disposed")
	}
	return err
}

// APIURL returns the API base URL with its trailing slash.
func (b *Backend) APIURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.apiURL.String()
}

// SetAPIURL points the backend at another service endpoint. Running
// processes are not restarted.
func (b *Backend) SetAPIURL(raw string) error {
	u, err := parseAPIURL(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiURL = u
	b.log.Info().Str("url", u.String()).Msg("api url changed")
	return nil
}

func (b *Backend) ModelsPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modelsPath
}

// SetModelsPath changes OLLAMA_MODELS and restarts the service so the new
// directory takes effect. The directory must exist.
func (b *Backend) SetModelsPath(ctx context.Context, path string) error {
	p, err := fsutil.ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return llm.ErrIO("models path", err)
	}
	if p == "" || !fsutil.DirExists(p) {
		return llm.ErrIO(fmt.Sprintf("models directory %q does not exist", path), nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelsPath = p
	if err := b.shutdownLocked(); err != nil {
		return err
	}
	return b.bootLocked(ctx)
}

func parseAPIURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &llm.Error{Kind: llm.KindInternal, Message: fmt.Sprintf("invalid Ollama API URL %q", raw), Err: err}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	return u, nil
}

// endpoint joins p onto the API base. Callers hold mu.
func (b *Backend) endpoint(p string) string {
	return b.apiURL.JoinPath(p).String()
}

// doJSON performs a retried JSON call. Callers hold mu (read or write).
func (b *Backend) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return llm.ErrSerialization("encode "+path+" request", err)
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.endpoint(path), body)
	if err != nil {
		return llm.ErrHTTP("build "+path+" request", 0, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.clients.JSON.Do(req)
	if err != nil {
		return b.transportError(path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.ErrSerialization("decode "+path+" response", err)
	}
	return nil
}

func (b *Backend) transportError(path string, err error) error {
	if backend.IsConnRefused(err) {
		return llm.ErrBackendNotRunning(b.cfg.Name, err)
	}
	return llm.ErrHTTP(path+" request failed", 0, err)
}

func checkStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := strings.TrimSpace(serviceError(bytes.TrimSpace(b)))
	if msg == "" {
		msg = resp.Status
	}
	return llm.ErrHTTP(fmt.Sprintf("%s: %s", path, msg), resp.StatusCode, nil)
}

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmd/internal/backend/ollama"
	"llmd/internal/llm"
	"llmd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *manager.Manager implements it.
type Service interface {
	Ready() bool
	Status(ctx context.Context) types.StatusResponse
	Backends(ctx context.Context) []types.BackendStatus
	Boot(ctx context.Context, backend string) error
	Shutdown(ctx context.Context, backend string) error
	IsRunning(ctx context.Context, backend string) (bool, error)
	RefreshModels(ctx context.Context, backend string) error
	ListModels(backend string) ([]llm.ModelDescriptor, error)
	RunningModels(ctx context.Context, backend string) ([]llm.RuntimeSnapshot, error)

	ModelLoaded(ctx context.Context, backend, model string) (bool, error)
	ModelLoadedSize(ctx context.Context, backend, model string) (int64, error)
	ModelRuntimeInfo(ctx context.Context, backend, model string) (llm.RuntimeSnapshot, error)
	LoadModel(ctx context.Context, backend, model string) error
	UnloadModel(ctx context.Context, backend, model string) error

	Prompt(ctx context.Context, backend, model string, msg llm.ChatMessage, history []llm.ChatMessage, think *bool) (string, <-chan llm.Event, error)
	StopPrompt(id string) bool
	Sessions() []types.Session

	APIURL(backend string) (string, error)
	SetAPIURL(backend, raw string) error
	ModelsPath(backend string) (string, error)
	SetModelsPath(ctx context.Context, backend, path string) error
	Pull(ctx context.Context, backend, tag string) (<-chan ollama.PullProgress, error)
}

// SessionHeader carries the prompt session handle.
const SessionHeader = "X-Session-ID"

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints; NDJSON is not in the compressible set
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{SessionHeader},
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no backend running"))
	})
	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status(r.Context()))
	})

	r.Route("/backends", func(r chi.Router) {
		r.Get("/", h.listBackends)
		r.Route("/{backend}", func(r chi.Router) {
			r.Post("/boot", h.boot)
			r.Post("/shutdown", h.shutdown)
			r.Get("/running", h.running)
			r.Get("/ps", h.ps)
			r.Post("/models/refresh", h.refresh)
			r.Get("/models", h.listModels)
			r.Route("/models/{model}", func(r chi.Router) {
				r.Get("/", h.model)
				r.Get("/runtime", h.runtime)
				r.Post("/load", h.load)
				r.Post("/unload", h.unload)
				r.Post("/prompt", h.prompt)
			})
		})
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": svc.Sessions()})
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		live := svc.StopPrompt(id)
		reqLog(r, LevelInfo).Str("session", id).Bool("live", live).Msg("session stop")
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/ollama", func(r chi.Router) {
		r.Get("/api-url", h.getAPIURL)
		r.Put("/api-url", h.putAPIURL)
		r.Get("/models-path", h.getModelsPath)
		r.Put("/models-path", h.putModelsPath)
		r.Post("/pull", h.pull)
	})

	return r
}

type handlers struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathParam returns a URL parameter with path escapes (%2F) decoded.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// fail writes err and logs the outcome at the request's level.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := writeError(w, err)
	reqLog(r, LevelError).Int("status", status).Err(err).Msg("request failed")
}

// decodeJSON enforces the JSON content type and the body size limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "", "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// also covers bodies over the limit; the size is not echoed back
		writeJSONError(w, http.StatusBadRequest, "", "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) listBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.BackendsResponse{Backends: h.svc.Backends(r.Context())})
}

func (h *handlers) boot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	start := time.Now()
	if err := h.svc.Boot(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	reqLog(r, LevelInfo).Str("backend", name).Dur("dur", time.Since(start)).Msg("boot")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) shutdown(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	if err := h.svc.Shutdown(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	reqLog(r, LevelInfo).Str("backend", name).Msg("shutdown")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) running(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.IsRunning(r.Context(), chi.URLParam(r, "backend"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunningState{Running: ok})
}

func (h *handlers) ps(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.RunningModels(r.Context(), chi.URLParam(r, "backend"))
	if err != nil {
		fail(w, r, err)
		return
	}
	out := types.RunningResponse{Models: make([]types.RuntimeInfo, len(snaps))}
	for i, s := range snaps {
		out.Models[i] = toRuntimeInfo(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	if err := h.svc.RefreshModels(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	h.listModels(w, r)
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	descs, err := h.svc.ListModels(chi.URLParam(r, "backend"))
	if err != nil {
		fail(w, r, err)
		return
	}
	out := types.ModelsResponse{Models: make([]types.Model, len(descs))}
	for i, d := range descs {
		out.Models[i] = toModel(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) model(w http.ResponseWriter, r *http.Request) {
	backend, name := chi.URLParam(r, "backend"), pathParam(r, "model")
	descs, err := h.svc.ListModels(backend)
	if err != nil {
		fail(w, r, err)
		return
	}
	for _, d := range descs {
		if d.Name != name {
			continue
		}
		out := toModel(d)
		loaded, err := h.svc.ModelLoaded(r.Context(), backend, name)
		if err != nil {
			fail(w, r, err)
			return
		}
		size, err := h.svc.ModelLoadedSize(r.Context(), backend, name)
		if err != nil {
			fail(w, r, err)
			return
		}
		out.Loaded, out.LoadedSize = &loaded, &size
		writeJSON(w, http.StatusOK, out)
		return
	}
	fail(w, r, llm.ErrModelNotFound(backend, name))
}

func (h *handlers) runtime(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.ModelRuntimeInfo(r.Context(), chi.URLParam(r, "backend"), pathParam(r, "model"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuntimeInfo(info))
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	backend, name := chi.URLParam(r, "backend"), pathParam(r, "model")
	if err := h.svc.LoadModel(r.Context(), backend, name); err != nil {
		fail(w, r, err)
		return
	}
	reqLog(r, LevelInfo).Str("model", name).Msg("load")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	backend, name := chi.URLParam(r, "backend"), pathParam(r, "model")
	if err := h.svc.UnloadModel(r.Context(), backend, name); err != nil {
		fail(w, r, err)
		return
	}
	reqLog(r, LevelInfo).Str("model", name).Msg("unload")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) prompt(w http.ResponseWriter, r *http.Request) {
	var req types.PromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message.Role == "" {
		req.Message.Role = llm.RoleUser
	}
	if strings.TrimSpace(req.Message.Content) == "" && len(req.Message.Images) == 0 {
		writeJSONError(w, http.StatusBadRequest, "", "message content is required")
		return
	}
	backend, name := chi.URLParam(r, "backend"), pathParam(r, "model")

	// Join server base context with request context so shutdown cancels the
	// stream too; a client disconnect aborts the session.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if promptTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, promptTimeout)
		defer tcancel()
	}

	start := time.Now()
	id, events, err := h.svc.Prompt(ctx, backend, name, req.Message, req.History, req.Think)
	if err != nil {
		fail(w, r, err)
		return
	}
	reqLog(r, LevelInfo).Str("session", id).Str("model", name).Int("history", len(req.History)).Msg("prompt start")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(SessionHeader, id)
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
		flush()
	}
	// Optional logging of NDJSON events
	writer := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{prefix: "prompt", reqID: middleware.GetReqID(r.Context())})
	}
	enc := json.NewEncoder(writer)
	n, broken := 0, false
	for ev := range events {
		if broken {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			// client went away; cancelling aborts the session and closes events
			broken = true
			cancel()
			continue
		}
		n++
		flush()
	}
	reqLog(r, LevelInfo).Str("session", id).Int("events", n).Bool("broken", broken).Dur("dur", time.Since(start)).Msg("prompt end")
}

// ollamaBackend is the backend addressed by /ollama routes: ?backend= or
// the default Ollama name.
func ollamaBackend(r *http.Request) string {
	if b := r.URL.Query().Get("backend"); b != "" {
		return b
	}
	return ollama.DefaultName
}

func (h *handlers) getAPIURL(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.APIURL(ollamaBackend(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ValueResponse{Value: v})
}

func (h *handlers) putAPIURL(w http.ResponseWriter, r *http.Request) {
	var req types.ValueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := ollamaBackend(r)
	if err := h.svc.SetAPIURL(name, req.Value); err != nil {
		if llm.KindOf(err) == llm.KindInternal {
			writeJSONError(w, http.StatusBadRequest, string(llm.KindInternal), err.Error())
			return
		}
		fail(w, r, err)
		return
	}
	h.getAPIURL(w, r)
}

func (h *handlers) getModelsPath(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.ModelsPath(ollamaBackend(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ValueResponse{Value: v})
}

func (h *handlers) putModelsPath(w http.ResponseWriter, r *http.Request) {
	var req types.ValueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetModelsPath(r.Context(), ollamaBackend(r), req.Value); err != nil {
		fail(w, r, err)
		return
	}
	h.getModelsPath(w, r)
}

func (h *handlers) pull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	progress, err := h.svc.Pull(ctx, ollamaBackend(r), req.Model)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var last ollama.PullProgress
	for p := range progress {
		last = p
		if enc.Encode(p) != nil {
			cancel()
			continue
		}
		if f != nil {
			f.Flush()
		}
	}
	reqLog(r, LevelInfo).Str("model", req.Model).Str("status", last.Status).Str("error", last.Error).Msg("pull end")
}

func toModel(d llm.ModelDescriptor) types.Model {
	caps := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = string(c)
	}
	return types.Model{Name: d.Name, ID: d.ID, Size: d.Size, Capabilities: caps}
}

func toRuntimeInfo(s llm.RuntimeSnapshot) types.RuntimeInfo {
	out := types.RuntimeInfo{Name: s.ModelName, VRAMBytes: s.VRAMBytes}
	if !s.ExpiresAt.IsZero() {
		out.ExpiresAtUnix = s.ExpiresAt.Unix()
	}
	return out
}

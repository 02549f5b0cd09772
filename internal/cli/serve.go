package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llmd/internal/config"
	"llmd/internal/httpapi"
	"llmd/internal/logging"
	"llmd/internal/manager"
	"llmd/internal/registry"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	boot          bool
	promptTimeout time.Duration
	// ready is called with the bound address once the server accepts connections.
	ready         func(addr string)
}

func newServeCmd(a *app) *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API",
		Example: "  llmd serve --config llmd.yaml --boot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), o)
		},
	}
	cmd.Flags().BoolVar(&o.boot, "boot", false, "Boot every backend and refresh its models at startup")
	cmd.Flags().DurationVar(&o.promptTimeout, "prompt-timeout", 0, "Upper bound for a single prompt stream (0 disables)")
	return cmd
}

// serve runs until ctx is cancelled, then drains HTTP, aborts live sessions
// and shuts down every backend it started.
func (a *app) serve(ctx context.Context, o serveOptions) error {
	// Loggers stay wide open; the global level is the live knob.
	lvl, _ := logging.ParseLevel(a.cfg.LogLevel)
	zerolog.SetGlobalLevel(lvl)
	log := a.log.Level(zerolog.TraceLevel)

	reg, err := registry.FromConfig(a.cfg, log)
	if err != nil {
		return err
	}
	mgr := manager.New(reg, log)
	mgr.SetEventPublisher(manager.NewLogPublisher(log))

	httpapi.SetLogger(log)
	httpapi.SetDefaultLogLevel(httpLevel(a.cfg.LogLevel))
	httpapi.SetMaxBodyBytes(a.cfg.MaxBodyBytes)
	httpapi.SetPromptTimeout(o.promptTimeout)
	c := a.cfg.CORS
	httpapi.SetCORSOptions(c.Enabled, c.Origins, c.Methods, c.Headers)
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(base)

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.Addr, err)
	}
	srv := &http.Server{Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Strs("backends", reg.Names()).Msg("llmd listening")
	if o.ready != nil {
		o.ready(ln.Addr().String())
	}

	if o.boot {
		go bootAll(ctx, mgr, reg.Names(), log)
	}
	if a.opts.ConfigPath != "" {
		go func() {
			prev := a.cfg
			err := config.Watch(ctx, a.opts.ConfigPath, log, func(next config.Config) {
				applyLive(mgr, prev, next, log)
				prev = next
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	log.Info().Msg("shutting down")
	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	closeErr := mgr.Close(sctx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, closeErr)
}

func bootAll(ctx context.Context, mgr *manager.Manager, names []string, log zerolog.Logger) {
	for _, name := range names {
		if err := mgr.Boot(ctx, name); err != nil {
			continue
		}
		if err := mgr.RefreshModels(ctx, name); err != nil {
			log.Warn().Str("backend", name).Err(err).Msg("initial model refresh")
		}
	}
}

// applyLive applies the settings that can change without a restart: the
// Ollama API URL and the log level.
func applyLive(mgr *manager.Manager, prev, next config.Config, log zerolog.Logger) {
	if next.Ollama.URL != prev.Ollama.URL && next.Ollama.IsEnabled() {
		if err := mgr.SetAPIURL(next.Ollama.Name, next.Ollama.URL); err != nil {
			log.Warn().Err(err).Str("url", next.Ollama.URL).Msg("config reload: api url rejected")
		}
	}
	if next.LogLevel != prev.LogLevel {
		lvl, err := logging.ParseLevel(next.LogLevel)
		if err != nil {
			log.Warn().Err(err).Msg("config reload: log level rejected")
			return
		}
		zerolog.SetGlobalLevel(lvl)
		httpapi.SetDefaultLogLevel(httpLevel(next.LogLevel))
		log.Info().Str("level", lvl.String()).Msg("log level changed")
	}
}

// httpLevel maps the process level onto the per-request levels of httpapi,
// which have no warn.
func httpLevel(s string) string {
	if s == "warn" || s == "warning" {
		return "error"
	}
	if s == "" {
		return "info"
	}
	return s
}

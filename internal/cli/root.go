// Package cli builds the llmd command tree. `serve` runs the HTTP API in
// process; every other command is a client of a running server.
package cli

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llmd/internal/backend/ollama"
	"llmd/internal/config"
	"llmd/internal/logging"
)

// Options holds the global flags.
type Options struct {
	ConfigPath string
	Backend    string
	LogLevel   string
	Server     string
}

// app is the state shared by commands once flags are parsed.
type app struct {
	opts     *Options
	cfg      config.Config
	log      zerolog.Logger
	closeLog func()
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, newStyles(stderr).errText.Render("error: "+err.Error()))
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree with default options.
func NewRootCmd() *cobra.Command {
	return buildRootCmdWith(&Options{Backend: ollama.DefaultName})
}

func buildRootCmdWith(opts *Options) *cobra.Command {
	a := &app{opts: opts, closeLog: func() {}}
	root := &cobra.Command{
		Use:           "llmd",
		Short:         "Manage local LLM services and stream chat completions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&opts.Backend, "backend", opts.Backend, "Backend to address")
	pf.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error (overrides config and LLMD_LOG_LEVEL)")
	pf.StringVar(&opts.Server, "server", opts.Server, "llmd server URL for client commands (defaults to the configured addr)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.init(cmd.ErrOrStderr())
	}
	root.PersistentPostRun = func(*cobra.Command, []string) { a.closeLog() }

	root.AddCommand(
		newServeCmd(a),
		newBackendsCmd(a),
		newBootCmd(a),
		newShutdownCmd(a),
		newModelsCmd(a),
		newPsCmd(a),
		newChatCmd(a),
		newPullCmd(a),
	)
	return root
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Resolve(a.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.opts.LogLevel != "" {
		cfg.LogLevel = a.opts.LogLevel
	}
	log, closeLog, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Output:     stderr,
	})
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closeLog = cfg, log, closeLog
	return nil
}

// serverURL is --server, or the configured listen address made dialable.
func (a *app) serverURL() string {
	if a.opts.Server != "" {
		return a.opts.Server
	}
	host, port, err := net.SplitHostPort(a.cfg.Addr)
	if err != nil {
		return "http://" + a.cfg.Addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (a *app) client() (*Client, error) { return NewClient(a.serverURL(), a.log) }

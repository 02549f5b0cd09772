// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, format and an optional rotating file sink.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // console|json
	File   string
	// Rotation settings for File. Zero values use lumberjack defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output overrides stderr, mainly for tests.
	Output io.Writer
}

// ParseLevel maps a textual level onto zerolog. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns the logger and a cleanup func that closes the file sink.
func New(cfg Config) (zerolog.Logger, func(), error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), func() {}, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	cleanup := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		// the file always gets JSON so it stays machine readable
		out = zerolog.MultiLevelWriter(out, rotator)
		cleanup = func() { _ = rotator.Close() }
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return l, cleanup, nil
}

// Leveled adapts a zerolog.Logger to retryablehttp.LeveledLogger.
type Leveled struct{ L zerolog.Logger }

func (z Leveled) Error(msg string, kv ...interface{}) { z.L.Error().Fields(kv).Msg(msg) }
func (z Leveled) Info(msg string, kv ...interface{})  { z.L.Debug().Fields(kv).Msg(msg) }
func (z Leveled) Debug(msg string, kv ...interface{}) { z.L.Trace().Fields(kv).Msg(msg) }
func (z Leveled) Warn(msg string, kv ...interface{})  { z.L.Warn().Fields(kv).Msg(msg) }

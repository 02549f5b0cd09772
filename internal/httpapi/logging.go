package httpapi

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// loggingLineWriter logs complete NDJSON lines at debug level.
type loggingLineWriter struct {
	prefix string
	reqID  string
	buf    []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			zlog.Debug().Str("request_id", lw.reqID).Str("stream", lw.prefix).Msg(string(lw.buf[:idx]))
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel applies to requests without an override.
var defaultLogLevel = LevelInfo

// SetDefaultLogLevel sets the per-request default ("off", "error", "info", "debug").
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	if r.Header.Get("X-Log-Stream") == "1" {
		return LevelDebug
	}
	return defaultLogLevel
}

// reqLog starts an event for r at lvl, or returns nil when the request's
// level is below it.
func reqLog(r *http.Request, lvl LogLevel) *zerolog.Event {
	if requestLogLevel(r) < lvl {
		return nil
	}
	var e *zerolog.Event
	switch lvl {
	case LevelError:
		e = zlog.Error()
	case LevelDebug:
		e = zlog.Debug()
	default:
		e = zlog.Info()
	}
	e = e.Str("method", r.Method).Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	return e
}

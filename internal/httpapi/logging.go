package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, request logging is off.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
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

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("SEGD_HTTP_LOG"))

// SetRequestLogLevel sets the default per-request log level from a daemon
// log level name. SEGD_HTTP_LOG, when set, takes precedence.
func SetRequestLogLevel(level string) {
	if os.Getenv("SEGD_HTTP_LOG") != "" {
		return
	}
	switch level {
	case "trace", "debug":
		defaultLogLevel = LevelDebug
	case "warn", "error":
		defaultLogLevel = LevelError
	default:
		defaultLogLevel = parseLevel(level)
	}
}

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logOp logs the end of an API operation at the request's log level.
// Errors are logged from LevelError upward, successes from LevelInfo.
func logOp(r *http.Request, op, videoID string, status int, start time.Time, err error) {
	if zlog == nil {
		return
	}
	lvl := requestLogLevel(r)
	if lvl == LevelOff || (err == nil && lvl < LevelInfo) {
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Warn().Err(err)
	}
	ev = ev.Str("op", op).Int("status", status).Dur("dur", time.Since(start))
	if videoID != "" {
		ev = ev.Str("video_id", videoID)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg("api")
}

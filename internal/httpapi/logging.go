package httpapi

import (
	"bytes"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Disabled until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// frameLogger logs each complete SSE frame written through it.
type frameLogger struct {
	log zerolog.Logger
	buf []byte
}

func (fl *frameLogger) Write(p []byte) (int, error) {
	fl.buf = append(fl.buf, p...)
	for {
		idx := bytes.Index(fl.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		if frame := bytes.TrimSpace(fl.buf[:idx]); len(frame) > 0 {
			fl.log.Debug().Bytes("frame", frame).Msg("stream>")
		}
		fl.buf = fl.buf[idx+2:]
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
var defaultLogLevel = parseLevel(os.Getenv("TTSTUDIO_HTTP_LOG_LEVEL"))

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

package ttctl

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger writes diagnostics to stderr so stdout stays machine readable.
var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

// SetLogLevel accepts debug|info|warn|error; anything else means info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if level == "warning" {
		lvl = zerolog.WarnLevel
	}
	logger = logger.Level(lvl)
}

func debug(format string, a ...any) { logger.Debug().Msgf(format, a...) }
func info(format string, a ...any)  { logger.Info().Msgf(format, a...) }
func warn(format string, a ...any)  { logger.Warn().Msgf(format, a...) }

// Env helpers
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

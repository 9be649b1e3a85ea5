// Package logging configures the global zerolog logger and emits the
// one-shot startup summary.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// LOG_LEVEL controls the log level: debug, info, warn, error (default: info).
// LOG_FORMAT selects console or json output; the default is json on Lambda
// and console elsewhere.
func Init() {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	log.Logger = zerolog.New(writer(os.Stderr, os.Getenv("LOG_FORMAT"))).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func writer(out io.Writer, format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: out}
	}
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return out
	}
	return zerolog.ConsoleWriter{Out: out}
}

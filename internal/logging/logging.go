package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // machine-readable, one object per line
	FormatPretty Format = "pretty" // human-readable console output for local dev
)

// Options configures the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format Format
}

// New creates the root structured logger for the gateway process.
//
// All component loggers should be derived from this one via
// logger.With().Str("component", ...).Logger() so every line carries
// the service field and a component tag.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "im-gateway").
		Logger()
}

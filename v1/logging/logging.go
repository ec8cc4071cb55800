// Package logging builds the zerolog loggers used by distlock binaries.
// Library code never creates its own logger; it receives one through options
// and stays silent by default.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a JSON logger writing to stdout.
func New(service, level string) zerolog.Logger {
	return build(os.Stdout, service, level)
}

// NewPretty creates a logger with human-friendly console output.
func NewPretty(service, level string) zerolog.Logger {
	return build(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, service, level)
}

func build(w io.Writer, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Package logging wires up the process-wide zerolog logger, the structured
// logging library adopted across the harvester per the ambient-stack
// convention established in internal/health, internal/pool, and
// internal/parser.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger for the process. levelName is one of zerolog's
// recognized level strings ("debug", "info", "warn", "error"...); an
// unrecognized or empty value falls back to info.
func New(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

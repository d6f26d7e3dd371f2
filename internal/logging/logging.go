package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a console logger tagged with the given component name.
func New(component, level string) zerolog.Logger {
	return build(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}, component, level)
}

// NewWithWriter is New without colors, for files and tests.
func NewWithWriter(w io.Writer, component, level string) zerolog.Logger {
	return build(zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "15:04:05.000"}, component, level)
}

func build(out zerolog.ConsoleWriter, component, level string) zerolog.Logger {
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel falls back to info for empty or unknown values.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Module derives a child logger for a part of a component.
func Module(parent zerolog.Logger, module string) zerolog.Logger {
	return parent.With().Str("module", module).Logger()
}

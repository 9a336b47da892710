// Package logging builds the zerolog logger shared by the broker and its tools.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

type Fields map[string]interface{}

// New returns a logger writing to stdout. format is "json" or "console".
func New(level, format string) Logger {
	return NewWithWriter(os.Stdout, level, format)
}

func NewWithWriter(w io.Writer, level, format string) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component narrows l to one named component.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}

func With(logger Logger, fields Fields) Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// TokenPrefix shortens a token for log output.
func TokenPrefix(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:12] + "..."
}

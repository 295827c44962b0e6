package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. The zero value is usable before Init
// and writes nothing.
var Logger zerolog.Logger

// Level names a severity in config-file form.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the process logger. Call once at startup before any
// component spins up; child loggers handed out earlier keep their old
// sink.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger carrying the component field.
// Correlation fields (instance_id, group_id, request_id) attach inline
// at the call site.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

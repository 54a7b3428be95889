// Package logging configures structured zerolog output for the importer.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is a textual log level as it appears in configuration files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// Pretty switches from JSON lines to human-readable console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs a timestamped global logger built from cfg and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a Level to a zerolog.Level, defaulting to info.
func ParseLevel(level Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// OrDefault returns *l when set, otherwise a component logger.
func OrDefault(l *zerolog.Logger, component string) zerolog.Logger {
	if l != nil {
		return *l
	}
	return NewLogger(component)
}

// Level guidelines:
//
// Debug: dispatch decisions, pacing and backoff delays, cache hits/misses.
// Info:  speed changes, batch progress, run start/finish.
// Warn:  retries, rate-limit waits, halted uploads, cache errors.
// Error: failed runs and unusable configuration.
//
// Common fields:
//   - component: queue, loader, upload, hrclient, cache
//   - correlation_id: work item id
//   - run_id: upload run id
//   - error_class: rate_limited, transient_server, network, permanent, queue_cleared
//   - speed: fast, medium, slow

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want false")
	}
	if cfg.Output == nil {
		t.Error("Output should default to stderr")
	}
}

func TestSetup_WritesAtConfiguredLevel(t *testing.T) {
	tests := []struct {
		level Level
		emit  func(zerolog.Logger, string)
	}{
		{LevelDebug, func(l zerolog.Logger, m string) { l.Debug().Msg(m) }},
		{LevelInfo, func(l zerolog.Logger, m string) { l.Info().Msg(m) }},
		{LevelWarn, func(l zerolog.Logger, m string) { l.Warn().Msg(m) }},
		{LevelError, func(l zerolog.Logger, m string) { l.Error().Msg(m) }},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			tt.emit(logger, "batch finished")

			if !strings.Contains(buf.String(), "batch finished") {
				t.Errorf("output %q does not contain message", buf.String())
			}
		})
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger.Info().Str("speed", "fast").Msg("speed changed")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("pretty output looks like JSON: %q", out)
	}
	if !strings.Contains(out, "speed changed") {
		t.Errorf("output %q does not contain message", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input Level
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	l := NewLogger("queue")
	l.Info().Msg("dispatch")

	out := buf.String()
	if !strings.Contains(out, `"component":"queue"`) {
		t.Errorf("output %q missing component field", out)
	}
}

func TestOrDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	custom := zerolog.New(buf)

	got := OrDefault(&custom, "loader")
	got.Info().Msg("custom logger")
	if !strings.Contains(buf.String(), "custom logger") {
		t.Errorf("OrDefault did not return the supplied logger")
	}

	global := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: global})
	fallback := OrDefault(nil, "loader")
	fallback.Info().Msg("fallback")
	if !strings.Contains(global.String(), `"component":"loader"`) {
		t.Errorf("fallback logger output %q missing component", global.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("test")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Error("messages below warn should be filtered")
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Error("warn and error messages should be written")
	}
}

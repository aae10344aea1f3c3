package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	logger := NewLogger("debug")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	logger.Info("smoke test")
}

func TestComponentTagsWithComponentKey(t *testing.T) {
	logger := Component(nil, "test.Thing")
	if logger == nil {
		t.Fatal("Component returned nil")
	}

	var buf bytes.Buffer
	Component(slog.New(slog.NewTextHandler(&buf, nil)), "test.Thing").Info("tagged")
	if !strings.Contains(buf.String(), "component=test.Thing") {
		t.Errorf("log output %q lacks component=test.Thing", buf.String())
	}
}

package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "info", "block-directory")
	logger.Info("catalog query", "term", "gallery")

	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "catalog query" {
		t.Errorf("msg = %v, want catalog query", obj["msg"])
	}
	if obj["term"] != "gallery" {
		t.Errorf("term = %v, want gallery", obj["term"])
	}
	if obj["service"] != "block-directory" {
		t.Errorf("service = %v, want block-directory", obj["service"])
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", "info", "")
	logger.Info("text test", "env", "development")

	line := buf.String()
	if !strings.Contains(line, "text test") || !strings.Contains(line, "env=development") {
		t.Errorf("unexpected text output: %q", line)
	}
	if strings.Contains(line, "service=") {
		t.Errorf("empty service name should not be attached: %q", line)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", "warn", "")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestSetupLogger_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := SetupLogger("text", "error", "test")
	if slog.Default() != logger {
		t.Error("SetupLogger did not install the returned logger as default")
	}
}

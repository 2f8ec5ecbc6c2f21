package devhost

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devhost.log")

	logger, closer, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept", "domain", "app.test")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"domain":"app.test"`) {
		t.Errorf("expected JSON warn record, got %q", out)
	}
}

func TestNewLogger_Stderr(t *testing.T) {
	logger, closer, err := NewLogger(LoggingConfig{Level: "debug"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer func() { _ = closer.Close() }()

	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
	if _, ok := logger.Handler().(*slog.TextHandler); !ok {
		t.Errorf("expected text handler, got %T", logger.Handler())
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, _, err := NewLogger(LoggingConfig{Level: "verbose"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "devhost.log")
	if _, _, err := NewLogger(LoggingConfig{Output: path}); err == nil {
		t.Error("expected error for unwritable log path")
	}
}

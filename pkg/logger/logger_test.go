package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("production", &buf)
	l.Debug("hidden")
	l.Info("hello", "credential_id", "c1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug to be filtered, got %d lines", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if rec["credential_id"] != "c1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewWithWriter_DevLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("dev", &buf)
	l.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "nfse", "info", "production")

	ctx := ctxutil.WithCorrelationID(context.Background(), "corr-1")
	ctx = ctxutil.WithOperation(ctx, "Submit")
	log.InfoContext(ctx, "submitted", "order_id", 42, "password", "hunter2")
	log.Debug("hidden")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}

	checks := map[string]any{
		"app":            "nfse",
		"msg":            "submitted",
		"correlation_id": "corr-1",
		"operation":      "Submit",
		"password":       "[REDACTED]",
		"order_id":       float64(42),
	}
	for k, want := range checks {
		if record[k] != want {
			t.Errorf("%s = %v, want %v", k, record[k], want)
		}
	}
}

func TestNewWithWriter_TextForLocal(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "nfse", "debug", "local")
	log.Debug("drain cycle finished", "processed", 3)

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "processed=3") {
		t.Errorf("unexpected text output %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Error("a buffer is not a terminal; output should not be colored")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in).Level(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

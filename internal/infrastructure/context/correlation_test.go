package context

import (
	"context"
	"testing"
)

func TestGetCorrelationID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"set by drain run", WithCorrelationID(context.Background(), "drain-7f3a"), "drain-7f3a"},
		{"empty id", WithCorrelationID(context.Background(), ""), ""},
		{"absent", context.Background(), ""},
		{"nil value", context.WithValue(context.Background(), CorrelationIDKey, nil), ""},
		{"foreign type", context.WithValue(context.Background(), CorrelationIDKey, 42), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCorrelationID(tt.ctx); got != tt.want {
				t.Errorf("GetCorrelationID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCorrelationID_SurvivesDerivedContexts(t *testing.T) {
	parent := WithCorrelationID(context.Background(), "req-1")
	child, cancel := context.WithTimeout(WithOperation(parent, "Submit"), 0)
	defer cancel()

	if got := GetCorrelationID(child); got != "req-1" {
		t.Errorf("GetCorrelationID() = %q in derived context", got)
	}
}

func TestEnsureCorrelationID(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	if id == "" || GetCorrelationID(ctx) != id {
		t.Fatalf("expected generated id in context, got %q", GetCorrelationID(ctx))
	}

	same, kept := EnsureCorrelationID(ctx)
	if kept != id || same != ctx {
		t.Errorf("existing id replaced: %q -> %q", id, kept)
	}
}

func TestOperation(t *testing.T) {
	ctx := WithOperation(context.Background(), "Submit")
	if got := GetOperation(ctx); got != "Submit" {
		t.Errorf("GetOperation() = %q, want Submit", got)
	}
	if got := GetOperation(context.Background()); got != "" {
		t.Errorf("GetOperation() on empty context = %q", got)
	}
}

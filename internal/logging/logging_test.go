package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFallsBackToInfoLevel(t *testing.T) {
	logger, level, err := New(Config{Level: "nonsense", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	defer logger.Sync()
	if level.Level() != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", level.Level())
	}
	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected atomic level change to apply")
	}
}

func TestFromContextFallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("expected fallback logger")
	}
	stored := zap.NewExample()
	if got := FromContext(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Fatalf("expected stored logger")
	}
}

func TestMiddlewareLogsWithCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := Middleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context(), nil).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ContextMap()["correlation_id"] != "corr-1" {
			t.Fatalf("expected correlation id on %q, got %v", e.Message, e.ContextMap())
		}
	}
	if status := entries[1].ContextMap()["status"]; status != int64(http.StatusTeapot) {
		t.Fatalf("expected status 418, got %v", status)
	}
}

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	RecordOperation("m1", "create", "succeeded", "none", 10*time.Millisecond)
	RecordOperation("m1", "create", "succeeded", "none", 10*time.Millisecond)
	if got := testutil.ToFloat64(operationsTotal.WithLabelValues("m1", "create", "succeeded", "none")); got != 2 {
		t.Fatalf("expected 2 operations, got %v", got)
	}
	RecordTransaction("m1", errors.New("boom"))
	if got := testutil.ToFloat64(transactionsTotal.WithLabelValues("m1", "error")); got != 1 {
		t.Fatalf("expected 1 failed transaction, got %v", got)
	}
	SetTreeSize("m1", 12, 3)
	if got := testutil.ToFloat64(dirtyNodes.WithLabelValues("m1")); got != 3 {
		t.Fatalf("expected 3 dirty nodes, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordDetection("m2", "state", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shadowsync_detection_runs_total") {
		t.Fatalf("expected detection counter in output")
	}
}

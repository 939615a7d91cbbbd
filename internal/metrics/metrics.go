// Package metrics exposes Prometheus metrics for the sync adapters.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	detectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_detection_runs_total",
			Help: "Total number of change detection runs",
		},
		[]string{"adapter", "strategy", "result"},
	)

	changesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_changes_appended_total",
			Help: "Total number of entries appended to change logs",
		},
		[]string{"adapter", "log", "type"},
	)

	changesPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadowsync_changes_pending",
			Help: "Entries waiting for acknowledgement",
		},
		[]string{"adapter", "log"},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_operations_total",
			Help: "Total number of executed operations by outcome",
		},
		[]string{"adapter", "type", "status", "code"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shadowsync_operation_duration_seconds",
			Help:    "Operation execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "type"},
	)

	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_transactions_total",
			Help: "Total number of state transactions by outcome",
		},
		[]string{"adapter", "result"},
	)

	hydrationBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_hydration_bytes_total",
			Help: "Total bytes served to hydration demands",
		},
		[]string{"adapter"},
	)

	treeSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadowsync_tree_nodes",
			Help: "Number of nodes in the adapter tree",
		},
		[]string{"adapter"},
	)

	dirtyNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadowsync_dirty_nodes",
			Help: "Number of nodes tracked by the dirty shadow",
		},
		[]string{"adapter"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadowsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shadowsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordDetection(adapter, strategy string, err error) {
	detectionRunsTotal.WithLabelValues(adapter, strategy, result(err)).Inc()
}

func RecordChangeAppended(adapter, log, opType string) {
	changesAppendedTotal.WithLabelValues(adapter, log, opType).Inc()
}

func SetChangesPending(adapter, log string, n int) {
	changesPending.WithLabelValues(adapter, log).Set(float64(n))
}

func RecordOperation(adapter, opType, status, code string, duration time.Duration) {
	operationsTotal.WithLabelValues(adapter, opType, status, code).Inc()
	operationDuration.WithLabelValues(adapter, opType).Observe(duration.Seconds())
}

func RecordTransaction(adapter string, err error) {
	transactionsTotal.WithLabelValues(adapter, result(err)).Inc()
}

func RecordHydration(adapter string, bytes int64) {
	hydrationBytesTotal.WithLabelValues(adapter).Add(float64(bytes))
}

func SetTreeSize(adapter string, nodes, dirty int) {
	treeSize.WithLabelValues(adapter).Set(float64(nodes))
	dirtyNodes.WithLabelValues(adapter).Set(float64(dirty))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request counts and latency. Paths are left out of the
// labels since they embed adapter names and node ids.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

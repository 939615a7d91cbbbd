// Package httpapi is the HTTP surface the sync engine talks to: change
// feeds, acknowledgements, operation execution, content reads, detection
// triggers, the activity stream and status.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/shadowsync/internal/adapter"
	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

// Adapter is the adapter surface the routes use.
type Adapter interface {
	Name() string
	Log(name string) (*changes.Log, error)
	Ack(ctx context.Context, logName string, lastID uint64) (int, error)
	Execute(ctx context.Context, op adapter.Operation) (adapter.ExecutionResult, error)
	Get(ctx context.Context, id node.ID) (node.Model, bool, error)
	OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error)
	DetectUpdates(ctx context.Context) (adapter.DetectionReport, error)
	Activity() *adapter.ActivityHub
	Status() adapter.Status
}

var _ Adapter = (*adapter.Adapter)(nil)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the websocket origins accepted besides same-host.
	OriginPatterns []string
	ActivityBuffer int
	Logger         *zap.Logger
}

type Server struct {
	adapters    map[string]Adapter
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	validator   *operationValidator
	handler     http.Handler

	closeOnce sync.Once
	done      chan struct{}
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(adapters ...Adapter) (*Server, error) {
	return NewServerWithConfig(ServerConfig{}, adapters...)
}

func NewServerWithConfig(cfg ServerConfig, adapters ...Adapter) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ActivityBuffer <= 0 {
		cfg.ActivityBuffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := newOperationValidator()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		adapters:    map[string]Adapter{},
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		validator:   validator,
		done:        make(chan struct{}),
	}
	for _, a := range adapters {
		if _, dup := s.adapters[a.Name()]; dup {
			return nil, errors.New("duplicate adapter name " + a.Name())
		}
		s.adapters[a.Name()] = a
	}
	s.handler = metrics.Middleware(http.HandlerFunc(s.route))
	return s, nil
}

// Close ends open activity streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "adapters" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	adapterName := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "updates" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "updates"
	case len(parts) == 5 && parts[3] == "updates" && parts[4] == "ack" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "ack"
	case len(parts) == 4 && parts[3] == "operations" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "operations"
	case len(parts) == 5 && parts[3] == "files" && r.Method == http.MethodGet:
		requiredScope = scopeFiles
		route = "file"
	case len(parts) == 4 && parts[3] == "detect" && r.Method == http.MethodPost:
		requiredScope = scopeDetect
		route = "detect"
	case len(parts) == 4 && parts[3] == "activity" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "activity"
	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, adapterName, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	a, ok := s.adapters[adapterName]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown adapter "+adapterName, correlationID)
		return
	}
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.rateLimiter != nil {
		key := adapterName + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "updates":
		s.handleUpdates(w, r, a, correlationID)
	case "ack":
		s.handleAck(w, r, a, correlationID)
	case "operations":
		s.handleOperation(w, r, a, correlationID)
	case "file":
		s.handleFile(w, r, a, parts[4], correlationID)
	case "detect":
		s.handleDetect(w, r, a, correlationID)
	case "activity":
		s.handleActivity(w, r, a)
	case "status":
		writeJSON(w, http.StatusOK, a.Status())
	}
}

type updatesResponse struct {
	Log     string          `json:"log"`
	Entries []changes.Entry `json:"entries"`
	LastID  uint64          `json:"lastId"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request, a Adapter, correlationID string) {
	name := r.URL.Query().Get("log")
	if name == "" {
		name = changes.Detected
	}
	log, err := a.Log(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	after, err := parseOptionalUint(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid after query", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	entries := log.Read(after, limit)
	writeJSON(w, http.StatusOK, updatesResponse{Log: name, Entries: entries, LastID: log.LastID()})
}

type ackRequest struct {
	Log    string `json:"log"`
	LastID uint64 `json:"lastId"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, a Adapter, correlationID string) {
	var req ackRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Log == "" {
		req.Log = changes.Detected
	}
	removed, err := a.Ack(r.Context(), req.Log, req.LastID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"log": req.Log, "removed": removed})
	case errors.Is(err, adapter.ErrUnknownLog):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, changes.ErrAckBeyondEnd):
		writeError(w, http.StatusConflict, "ack_beyond_end", err.Error(), correlationID)
	default:
		s.writeAdapterError(w, err, correlationID)
	}
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request, a Adapter, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.validator.validate(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_operation", err.Error(), correlationID)
		return
	}
	var op adapter.Operation
	if err := json.Unmarshal(body, &op); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := a.Execute(r.Context(), op)
	if err != nil {
		s.writeAdapterError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, a Adapter, rawID, correlationID string) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid node id", correlationID)
		return
	}
	version, err := parseOptionalUint(r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid version query", correlationID)
		return
	}
	if r.URL.Query().Get("version") == "" {
		m, found, err := a.Get(r.Context(), node.ID(id))
		if err != nil {
			s.writeAdapterError(w, err, correlationID)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, replica.CodeObjectNotFound.String(), "node not found", correlationID)
			return
		}
		version = m.ContentVersion
	}
	rev, err := a.OpenForReading(r.Context(), node.ID(id), version)
	if err != nil {
		s.writeAdapterError(w, err, correlationID)
		return
	}
	defer rev.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rev.Size(), 10))
	w.Header().Set("ETag", strconv.FormatUint(version, 10))
	if lwt := rev.LastWriteTime(); !lwt.IsZero() {
		w.Header().Set("Last-Modified", lwt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rev); err != nil {
		s.logger.Debug("file stream interrupted", zap.Uint64("node_id", id), zap.Error(err))
	}
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request, a Adapter, correlationID string) {
	report, err := a.DetectUpdates(r.Context())
	if err != nil {
		s.writeAdapterError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// activityMessage is one frame on the activity stream.
type activityMessage struct {
	Type     string           `json:"type"`
	Activity adapter.Activity `json:"activity"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, a Adapter) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("activity upgrade failed", zap.Error(err))
		return
	}
	feed, unsubscribe := a.Activity().Subscribe(s.cfg.ActivityBuffer)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case act, ok := <-feed:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, activityMessage{Type: "sync_activity_changed", Activity: act})
			cancel()
			if err != nil {
				s.logger.Debug("activity client dropped", zap.String("adapter", a.Name()), zap.Error(err))
				return
			}
		}
	}
}

// writeAdapterError maps adapter and replica failures onto HTTP statuses.
func (s *Server) writeAdapterError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, adapter.ErrFaulted), errors.Is(err, adapter.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		return
	case errors.Is(err, adapter.ErrUnbound):
		writeError(w, http.StatusServiceUnavailable, "unbound", err.Error(), correlationID)
		return
	}
	code := replica.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case replica.CodeObjectNotFound:
		status = http.StatusNotFound
	case replica.CodeVersionMismatch, replica.CodePartial:
		status = http.StatusConflict
	case replica.CodeNotSupported:
		status = http.StatusUnprocessableEntity
	case replica.CodeAccessRateLimitExceeded, replica.CodeRetryRateLimitExceeded:
		status = http.StatusTooManyRequests
	case replica.CodeCancelled:
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	writeError(w, status, code.String(), err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/shadowsync/internal/replica"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	var correlations []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlations = append(correlations, r.Header.Get("X-Correlation-Id"))
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/workspaces/ws_retry/fs/tree" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"/notion","entries":[],"nextCursor":null}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	tree, err := client.ListTree(context.Background(), "ws_retry", "/notion", 2, "")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if tree.Path != "/notion" {
		t.Fatalf("expected path /notion, got %s", tree.Path)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
	if !strings.HasPrefix(correlations[0], "shadowsync_") || correlations[0] != correlations[1] {
		t.Fatalf("expected one correlation id across retries, got %v", correlations)
	}
}

func TestHTTPClientListEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workspaces/ws_events/fs/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("provider") != "notion" {
			t.Errorf("expected provider query to be forwarded, got %q", r.URL.Query().Get("provider"))
		}
		if r.URL.Query().Get("cursor") != "evt_1" {
			t.Errorf("expected cursor query to be forwarded, got %q", r.URL.Query().Get("cursor"))
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected limit query to be forwarded, got %q", r.URL.Query().Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"eventId":"evt_2","type":"file.updated","path":"/notion/Docs/A.md","revision":"rev_2"}],"nextCursor":"evt_2"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	feed, err := client.ListEvents(context.Background(), "ws_events", "notion", "evt_1", 50)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(feed.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(feed.Events))
	}
	if feed.Events[0].EventID != "evt_2" {
		t.Fatalf("expected event id evt_2, got %s", feed.Events[0].EventID)
	}
	if feed.NextCursor == nil || *feed.NextCursor != "evt_2" {
		t.Fatalf("expected nextCursor evt_2, got %+v", feed.NextCursor)
	}
}

func TestHTTPClientWriteConflictCarriesRevision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.Header.Get("If-Match") != "rev_1" {
			t.Errorf("expected If-Match rev_1, got %q", r.Header.Get("If-Match"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"revision_conflict","message":"stale","currentRevision":"rev_7"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.WriteFile(context.Background(), "ws", "/a.md", "rev_1", "", "body")
	if replica.CodeOf(err) != replica.CodeDirtyNode {
		t.Fatalf("expected DirtyNode for a stale base revision, got %v", err)
	}
	var answer *ServiceError
	if !errors.As(err, &answer) || answer.CurrentRevision != "rev_7" {
		t.Fatalf("expected current revision rev_7, got %+v", err)
	}
}

func TestHTTPClientCreateConflictIsNameConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"revision_conflict","message":"exists","currentRevision":"rev_2"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.WriteFile(context.Background(), "ws", "/a.md", createRevision, "", "body")
	if !errors.Is(err, replica.ErrNameConflict) {
		t.Fatalf("expected NameConflict, got %v", err)
	}
}

func TestHTTPClientNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"file not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.ReadFile(context.Background(), "ws", "/a.md")
	if !errors.Is(err, replica.ErrObjectNotFound) {
		t.Fatalf("expected ObjectNotFound, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientStreamsLargeFile(t *testing.T) {
	content := strings.Repeat("0123456789", 100_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(File{Path: "/big.txt", Revision: "rev_9", Content: content})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	file, err := client.ReadFile(context.Background(), "ws", "/big.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if file.Revision != "rev_9" || len(file.Content) != len(content) {
		t.Fatalf("expected rev_9 with %d bytes, got %s with %d", len(content), file.Revision, len(file.Content))
	}
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = time.Millisecond
	_, err := client.ReadFile(context.Background(), "ws", "/a.md")
	if replica.CodeOf(err) != replica.CodeAccessRateLimitExceeded {
		t.Fatalf("expected AccessRateLimitExceeded after retries, got %v", err)
	}
	if wait, ok := RetryAfter(err); !ok || wait != 2*time.Second {
		t.Fatalf("expected the service's 2s Retry-After to be kept, got %s %v", wait, ok)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"3":                             3 * time.Second,
		"":                              0,
		"soon":                          0,
		"-4":                            0,
		"Sun, 01 Mar 2026 12:00:30 GMT": 30 * time.Second,
		"Sun, 01 Mar 2026 11:00:00 GMT": 0,
	}
	for header, want := range cases {
		if got := retryAfterHeader(header, now); got != want {
			t.Fatalf("header %q: expected %s, got %s", header, want, got)
		}
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	client.baseDelay = 100 * time.Millisecond
	client.maxDelay = 350 * time.Millisecond
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 350 * time.Millisecond, 9: 350 * time.Millisecond} {
		if got := client.backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

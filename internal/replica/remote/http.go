// Package remote is a replica client for a relayfile-style HTTP storage
// service: a per-workspace file tree addressed by path, with revisions and
// an ordered event feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/shadowsync/internal/replica"
)

// Entry is one item of a tree listing.
type Entry struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	Revision  string `json:"revision"`
	Size      int64  `json:"size,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type TreePage struct {
	Path       string  `json:"path"`
	Entries    []Entry `json:"entries"`
	NextCursor *string `json:"nextCursor"`
}

// Event is one entry of the workspace change feed.
type Event struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	Revision  string `json:"revision"`
	Provider  string `json:"provider,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type EventPage struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

type File struct {
	Path         string `json:"path"`
	Revision     string `json:"revision"`
	ContentType  string `json:"contentType"`
	Content      string `json:"content"`
	LastEditedAt string `json:"lastEditedAt,omitempty"`
}

type WriteReceipt struct {
	OpID           string `json:"opId"`
	TargetRevision string `json:"targetRevision"`
}

// API is the storage service surface the replica client consumes. Every
// failure is a *replica.Error.
type API interface {
	ListTree(ctx context.Context, workspaceID, path string, depth int, cursor string) (TreePage, error)
	ListEvents(ctx context.Context, workspaceID, provider, cursor string, limit int) (EventPage, error)
	ReadFile(ctx context.Context, workspaceID, path string) (File, error)
	WriteFile(ctx context.Context, workspaceID, path, baseRevision, contentType, content string) (WriteReceipt, error)
	DeleteFile(ctx context.Context, workspaceID, path, baseRevision string) error
}

// ServiceError is a refusal answered by the service. It is carried as the
// cause of the replica.Error the client returns.
type ServiceError struct {
	Status          int
	Code            string
	Message         string
	CurrentRevision string
	// RetryAfter is the wait the service asked for, if any.
	RetryAfter time.Duration
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("service answered %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("service answered %d: %s", e.Status, msg)
}

// responseCode maps a service refusal onto the replica taxonomy. A
// conflict on a creation is a name clash; on anything else the tracked
// revision went stale.
func responseCode(status int, creates bool) replica.Code {
	switch {
	case status == http.StatusNotFound:
		return replica.CodeObjectNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		if creates {
			return replica.CodeNameConflict
		}
		return replica.CodeDirtyNode
	case status == http.StatusTooManyRequests:
		return replica.CodeAccessRateLimitExceeded
	case status == http.StatusRequestEntityTooLarge || status == http.StatusInsufficientStorage:
		return replica.CodeFreeSpaceExceeded
	case status == http.StatusBadRequest || status == http.StatusForbidden ||
		status == http.StatusMethodNotAllowed || status == http.StatusUnprocessableEntity:
		return replica.CodeNotSupported
	}
	return replica.CodeUnknown
}

// refusal builds the error for a service answer.
func refusal(op string, creates bool, se *ServiceError) error {
	return replica.NewError(responseCode(se.Status, creates), op, se)
}

// RetryAfter returns the wait a rate limited service asked for.
func RetryAfter(err error) (time.Duration, bool) {
	var se *ServiceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ API = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// call is one logical service request, retried as a unit.
type call struct {
	op      string
	method  string
	route   string
	query   url.Values
	ifMatch string
	body    any
	// creates marks a request that must not overwrite an existing item.
	creates bool
}

func (c *HTTPClient) ListTree(ctx context.Context, workspaceID, p string, depth int, cursor string) (TreePage, error) {
	q := url.Values{"path": {cleanRemotePath(p)}}
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page TreePage
	err := c.do(ctx, call{op: "list tree", method: http.MethodGet, route: workspaceRoute(workspaceID, "tree"), query: q}, &page)
	return page, err
}

func (c *HTTPClient) ListEvents(ctx context.Context, workspaceID, provider, cursor string, limit int) (EventPage, error) {
	q := url.Values{}
	for key, value := range map[string]string{"provider": provider, "cursor": cursor} {
		if v := strings.TrimSpace(value); v != "" {
			q.Set(key, v)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page EventPage
	err := c.do(ctx, call{op: "list events", method: http.MethodGet, route: workspaceRoute(workspaceID, "events"), query: q}, &page)
	return page, err
}

func (c *HTTPClient) ReadFile(ctx context.Context, workspaceID, p string) (File, error) {
	var file File
	err := c.do(ctx, call{
		op:     "read file",
		method: http.MethodGet,
		route:  workspaceRoute(workspaceID, "file"),
		query:  url.Values{"path": {cleanRemotePath(p)}},
	}, &file)
	return file, err
}

// WriteFile stores content at p. baseRevision "0" creates a new file and
// refuses to replace one.
func (c *HTTPClient) WriteFile(ctx context.Context, workspaceID, p, baseRevision, contentType, content string) (WriteReceipt, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	var receipt WriteReceipt
	err := c.do(ctx, call{
		op:      "write file",
		method:  http.MethodPut,
		route:   workspaceRoute(workspaceID, "file"),
		query:   url.Values{"path": {cleanRemotePath(p)}},
		ifMatch: baseRevision,
		body:    File{ContentType: contentType, Content: content},
		creates: baseRevision == createRevision,
	}, &receipt)
	return receipt, err
}

func (c *HTTPClient) DeleteFile(ctx context.Context, workspaceID, p, baseRevision string) error {
	return c.do(ctx, call{
		op:      "delete file",
		method:  http.MethodDelete,
		route:   workspaceRoute(workspaceID, "file"),
		query:   url.Values{"path": {cleanRemotePath(p)}},
		ifMatch: baseRevision,
	}, nil)
}

func workspaceRoute(workspaceID, resource string) string {
	return "/v1/workspaces/" + url.PathEscape(workspaceID) + "/fs/" + resource
}

// do sends the call, retrying transport failures, 429 and 5xx answers, and
// decodes a successful answer into out straight from the response body.
func (c *HTTPClient) do(ctx context.Context, req call, out any) error {
	var payload []byte
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return replica.Wrap(req.op, err)
		}
		payload = encoded
	}
	target := c.baseURL + req.route
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	correlation := correlationID()

	for attempt := 1; ; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
		if err != nil {
			return replica.Wrap(req.op, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
		httpReq.Header.Set("X-Correlation-Id", correlation)
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if req.ifMatch != "" {
			httpReq.Header.Set("If-Match", req.ifMatch)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return replica.NewError(replica.CodeCancelled, req.op, ctx.Err())
			}
			if attempt > c.maxRetries {
				return replica.Wrap(req.op, err)
			}
			if err := c.pause(ctx, req.op, c.backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode/100 == 2 {
			err := decodeBody(resp.Body, out)
			_ = resp.Body.Close()
			if err != nil {
				return replica.NewError(replica.CodeIntegrityFailure, req.op, err)
			}
			return nil
		}

		se := readServiceError(resp)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable || attempt > c.maxRetries {
			return refusal(req.op, req.creates, se)
		}
		wait := c.backoff(attempt)
		if se.RetryAfter > 0 {
			wait = min(se.RetryAfter, c.ceiling())
		}
		if err := c.pause(ctx, req.op, wait); err != nil {
			return err
		}
	}
}

func decodeBody(body io.Reader, out any) error {
	if out == nil {
		_, err := io.Copy(io.Discard, body)
		return err
	}
	err := json.NewDecoder(body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func readServiceError(resp *http.Response) *ServiceError {
	defer resp.Body.Close()
	var answer struct {
		Code            string `json:"code"`
		Message         string `json:"message"`
		CurrentRevision string `json:"currentRevision"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&answer)
	return &ServiceError{
		Status:          resp.StatusCode,
		Code:            answer.Code,
		Message:         answer.Message,
		CurrentRevision: answer.CurrentRevision,
		RetryAfter:      retryAfterHeader(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func correlationID() string {
	return "shadowsync_" + uuid.NewString()
}

func (c *HTTPClient) ceiling() time.Duration {
	if c.maxDelay <= 0 {
		return 2 * time.Second
	}
	return c.maxDelay
}

// backoff doubles the base delay per attempt up to the ceiling.
func (c *HTTPClient) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	ceiling := c.ceiling()
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay <<= 1
	}
	return min(delay, ceiling)
}

func (c *HTTPClient) pause(ctx context.Context, op string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return replica.NewError(replica.CodeCancelled, op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// retryAfterHeader reads delay-seconds or an HTTP date.
func retryAfterHeader(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

// cleanRemotePath returns an absolute slash path without a trailing slash.
func cleanRemotePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// within reports whether p is root or below it.
func within(root, p string) bool {
	root, p = cleanRemotePath(root), cleanRemotePath(p)
	return root == "/" || p == root || strings.HasPrefix(p, root+"/")
}

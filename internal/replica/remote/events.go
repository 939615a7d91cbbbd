package remote

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/replica"
)

// ErrCursorLost is reported when the service no longer knows the event
// cursor. The adapter answers it with a full enumeration.
var ErrCursorLost = errors.New("event cursor no longer available")

// EventLog follows the workspace event feed from the cursor that was
// current when it was enabled.
type EventLog struct {
	client *Client
	roots  []string
	logger *zap.Logger

	mu      sync.Mutex
	enabled bool
	cursor  string
}

var _ replica.EventLogClient = (*EventLog)(nil)

// NewEventLog reports events below roots, or the whole workspace when no
// root is given.
func NewEventLog(c *Client, roots []string) *EventLog {
	normalized := make([]string, 0, len(roots))
	for _, root := range roots {
		if strings.TrimSpace(root) != "" {
			normalized = append(normalized, cleanRemotePath(root))
		}
	}
	return &EventLog{client: c, roots: normalized, logger: c.logger.Named("eventlog")}
}

func (l *EventLog) Enable(ctx context.Context) error {
	cursor, err := l.latestCursor(ctx)
	if err != nil && !isNotFound(err) {
		return failed("enable event log", err)
	}
	l.mu.Lock()
	l.enabled = true
	l.cursor = cursor
	l.mu.Unlock()
	return nil
}

func (l *EventLog) Disable() error {
	l.mu.Lock()
	l.enabled = false
	l.cursor = ""
	l.mu.Unlock()
	return nil
}

// Cursor returns the id of the last event delivered.
func (l *EventLog) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// GetEvents pages through the feed past the cursor. The cursor only moves
// once the whole feed was read, so a failed call is repeated in full.
func (l *EventLog) GetEvents(ctx context.Context) ([]replica.EventBatch, error) {
	const op = "get events"
	l.mu.Lock()
	enabled, cursor := l.enabled, l.cursor
	l.mu.Unlock()
	if !enabled {
		return nil, replica.Errorf(replica.CodeNotSupported, op, "event log is not enabled")
	}

	var entries []replica.EventEntry
	current := cursor
	for {
		feed, err := l.client.api.ListEvents(ctx, l.client.workspace, l.client.provider, current, l.client.pageSize)
		if err != nil {
			if isNotFound(err) && cursor != "" {
				return nil, l.resetCursor(ctx, err)
			}
			return nil, failed(op, err)
		}
		for _, event := range feed.Events {
			if id := strings.TrimSpace(event.EventID); id != "" {
				current = id
			}
			if entry, ok := l.entry(event); ok {
				entries = append(entries, entry)
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			break
		}
		current = *feed.NextCursor
	}

	l.mu.Lock()
	if l.enabled {
		l.cursor = current
	}
	l.mu.Unlock()
	if len(entries) == 0 {
		return nil, nil
	}
	return []replica.EventBatch{{Scope: l.client.workspace, Entries: entries}}, nil
}

func (l *EventLog) resetCursor(ctx context.Context, cause error) error {
	l.logger.Warn("events feed lost the cursor; falling back to full enumeration", zap.Error(cause))
	latest, err := l.latestCursor(ctx)
	if err != nil && !isNotFound(err) {
		return failed("get events", err)
	}
	l.mu.Lock()
	l.cursor = latest
	l.mu.Unlock()
	return replica.NewError(replica.CodePartial, "get events", ErrCursorLost)
}

func (l *EventLog) entry(event Event) (replica.EventEntry, bool) {
	p := cleanRemotePath(event.Path)
	if p == "/" || !l.covers(p) {
		return replica.EventEntry{}, false
	}
	entry := replica.EventEntry{
		AltID:       l.client.altID(p),
		ParentAltID: l.client.altID(path.Dir(p)),
		Path:        p,
	}
	switch event.Type {
	case "file.created":
		entry.ChangeType = replica.ChangeCreated
	case "file.updated":
		entry.ChangeType = replica.ChangeChanged
	case "file.deleted":
		entry.ChangeType = replica.ChangeDeleted
	default:
		return replica.EventEntry{}, false
	}
	return entry, true
}

func (l *EventLog) covers(p string) bool {
	if len(l.roots) == 0 {
		return true
	}
	for _, root := range l.roots {
		if within(root, p) {
			return true
		}
	}
	return false
}

func (l *EventLog) latestCursor(ctx context.Context) (string, error) {
	cursor := ""
	latest := ""
	for {
		feed, err := l.client.api.ListEvents(ctx, l.client.workspace, l.client.provider, cursor, 1000)
		if err != nil {
			return "", err
		}
		if len(feed.Events) > 0 {
			if id := strings.TrimSpace(feed.Events[len(feed.Events)-1].EventID); id != "" {
				latest = id
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			return latest, nil
		}
		cursor = *feed.NextCursor
	}
}

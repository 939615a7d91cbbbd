package localfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/replica"
)

// DefaultMaxPending bounds the events buffered between two drains. Past it
// the log reports an overflow and the adapter falls back to enumeration.
const DefaultMaxPending = 100_000

var ErrOverflow = errors.New("local event log overflowed")

// EventLog turns fsnotify notifications below the roots into per-root
// event batches. Directories created after Enable are watched as they
// appear.
type EventLog struct {
	roots      []string
	maxPending int
	logger     *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	pending  map[string][]replica.EventEntry
	count    int
	overflow bool
	failure  error
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ replica.EventLogClient = (*EventLog)(nil)

func NewEventLog(c *Client, maxPending int) *EventLog {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &EventLog{
		roots:      c.roots,
		maxPending: maxPending,
		logger:     c.logger.Named("eventlog"),
	}
}

func (l *EventLog) Enable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return replica.Wrap("enable event log", err)
	}
	for _, root := range l.roots {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return replica.NewError(replica.CodeCancelled, "enable event log", err)
		}
		if err := addRecursive(w, root); err != nil {
			_ = w.Close()
			return replica.Wrap("enable event log", err)
		}
	}
	l.watcher = w
	l.pending = map[string][]replica.EventEntry{}
	l.count = 0
	l.overflow = false
	l.failure = nil
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.run(w, l.done)
	l.logger.Debug("local event log enabled", zap.Int("roots", len(l.roots)))
	return nil
}

func (l *EventLog) Disable() error {
	l.mu.Lock()
	w, done := l.watcher, l.done
	l.watcher = nil
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	close(done)
	err := w.Close()
	l.wg.Wait()
	return err
}

// GetEvents returns the events gathered since the last call, one batch per
// root in arrival order.
func (l *EventLog) GetEvents(ctx context.Context) ([]replica.EventBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, replica.NewError(replica.CodeCancelled, "get events", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil, replica.Errorf(replica.CodeNotSupported, "get events", "event log is not enabled")
	}
	if l.failure != nil {
		err := l.failure
		l.failure = nil
		return nil, replica.Wrap("get events", err)
	}
	if l.overflow {
		l.pending = map[string][]replica.EventEntry{}
		l.count = 0
		l.overflow = false
		return nil, replica.NewError(replica.CodePartial, "get events", ErrOverflow)
	}
	var batches []replica.EventBatch
	for _, root := range l.roots {
		if entries := l.pending[root]; len(entries) > 0 {
			batches = append(batches, replica.EventBatch{Scope: root, Entries: entries})
		}
	}
	l.pending = map[string][]replica.EventEntry{}
	l.count = 0
	return batches, nil
}

func (l *EventLog) run(w *fsnotify.Watcher, done <-chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			l.handle(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.mu.Lock()
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				l.overflow = true
			} else {
				l.failure = err
			}
			l.mu.Unlock()
			l.logger.Warn("local event log error", zap.Error(err))
		}
	}
}

func (l *EventLog) handle(w *fsnotify.Watcher, ev fsnotify.Event) {
	p := filepath.Clean(ev.Name)
	root, ok := l.rootOf(p)
	if !ok || p == root {
		return
	}
	entry := replica.EventEntry{Path: filepath.ToSlash(p)}
	switch {
	case ev.Op&fsnotify.Remove != 0:
		entry.ChangeType = replica.ChangeDeleted
	case ev.Op&fsnotify.Rename != 0:
		// The new name arrives as a separate Create.
		entry.ChangeType = replica.ChangeDeletedOrMovedFrom
	case ev.Op&fsnotify.Create != 0:
		entry.ChangeType = replica.ChangeCreated
	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		entry.ChangeType = replica.ChangeChanged
	default:
		return
	}
	if entry.ChangeType == replica.ChangeCreated || entry.ChangeType == replica.ChangeChanged {
		info, err := stat(p)
		if err != nil {
			// Gone again; its removal follows.
			return
		}
		if parent, err := identity(filepath.Dir(p)); err == nil {
			info.ParentAltID = parent
		}
		entry.AltID = info.AltID
		entry.ParentAltID = info.ParentAltID
		entry.Info = &info
		if entry.ChangeType == replica.ChangeCreated && info.IsDirectory() {
			if err := addRecursive(w, p); err != nil {
				l.logger.Debug("watch new directory failed", zap.String("path", p), zap.Error(err))
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overflow {
		return
	}
	if l.count >= l.maxPending {
		l.overflow = true
		return
	}
	l.pending[root] = append(l.pending[root], entry)
	l.count++
}

func (l *EventLog) rootOf(p string) (string, bool) {
	best := ""
	for _, root := range l.roots {
		if (p == root || strings.HasPrefix(p, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best, best != ""
}

func addRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && p != dir {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}

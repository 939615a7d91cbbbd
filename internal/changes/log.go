// Package changes holds the detected and synced change logs the sync engine
// pulls from, and the tree observer that writes them.
package changes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/shadowsync/internal/node"
)

const (
	Detected = "detected"
	Synced   = "synced"
)

var ErrAckBeyondEnd = errors.New("ack beyond last change id")

type Entry struct {
	ID    uint64             `json:"id"`
	Type  node.OperationType `json:"type"`
	Model node.Model         `json:"model"`
}

// Listener observes log mutations so they can be persisted.
type Listener interface {
	EntryAppended(log string, entry Entry)
	EntriesAcked(log string, lastID uint64)
}

// Log is an identity-sequenced change log. Entries are removed once the
// consumer acknowledges them.
type Log struct {
	mu       sync.Mutex
	name     string
	entries  []Entry
	lastID   uint64
	acked    uint64
	listener Listener
	notify   chan struct{}
}

func NewLog(name string) *Log {
	return &Log{name: name, notify: make(chan struct{})}
}

func (l *Log) Name() string {
	return l.name
}

// SetListener replaces the persistence listener. Nil disables it.
func (l *Log) SetListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
}

// Restore replaces the log contents with persisted state.
func (l *Log) Restore(entries []Entry, lastID, acked uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	for _, e := range entries {
		if e.ID > acked {
			l.entries = append(l.entries, e)
		}
		if e.ID > lastID {
			lastID = e.ID
		}
	}
	l.lastID = lastID
	l.acked = acked
}

func (l *Log) Append(op node.OperationType, model node.Model) Entry {
	l.mu.Lock()
	l.lastID++
	e := Entry{ID: l.lastID, Type: op, Model: model}
	l.entries = append(l.entries, e)
	listener := l.listener
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
	if listener != nil {
		listener.EntryAppended(l.name, e)
	}
	return e
}

// Read returns up to limit entries with an id greater than after that have
// not been acknowledged yet. A limit of zero or less returns all of them.
func (l *Log) Read(after uint64, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range l.entries {
		if e.ID <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Ack drops every entry up to and including lastID.
func (l *Log) Ack(lastID uint64) (int, error) {
	l.mu.Lock()
	if lastID > l.lastID {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %d > %d", ErrAckBeyondEnd, lastID, l.lastID)
	}
	if lastID <= l.acked {
		l.mu.Unlock()
		return 0, nil
	}
	removed := 0
	for removed < len(l.entries) && l.entries[removed].ID <= lastID {
		removed++
	}
	l.entries = append(l.entries[:0], l.entries[removed:]...)
	l.acked = lastID
	listener := l.listener
	l.mu.Unlock()
	if listener != nil {
		listener.EntriesAcked(l.name, lastID)
	}
	return removed, nil
}

// Changed returns a channel closed on the next append.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

func (l *Log) Acked() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

// Entries returns a copy of the unacknowledged entries.
func (l *Log) Entries() []Entry {
	return l.Read(0, 0)
}

// Package ratelimit throttles retries of operations requested by the sync
// engine.
package ratelimit

import (
	"sync"
	"time"

	"github.com/agentworkforce/shadowsync/internal/node"
)

const (
	DefaultMinDelay = 5 * time.Second
	DefaultMaxDelay = 10 * time.Minute
)

type state struct {
	delay time.Duration
	until time.Time
}

// Limiter keeps an exponential retry delay per node, between a floor and a
// ceiling. A plain limiter forgets a node on success; a recovering limiter
// halves the delay instead and forgets it once it drops below the floor.
type Limiter struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	recovery bool
	now      func() time.Time
	entries  map[node.ID]*state
}

func New(min, max time.Duration) *Limiter {
	if min <= 0 {
		min = DefaultMinDelay
	}
	if max < min {
		max = min
	}
	return &Limiter{
		min:     min,
		max:     max,
		now:     time.Now,
		entries: map[node.ID]*state{},
	}
}

func NewWithRecovery(min, max time.Duration) *Limiter {
	l := New(min, max)
	l.recovery = true
	return l
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) CanExecute(id node.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[id]
	return !ok || !l.now().Before(s.until)
}

// Delay returns the delay applied after the last failure of id.
func (l *Limiter) Delay(id node.ID) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.entries[id]; ok {
		return s.delay
	}
	return 0
}

// RetryAfter returns how long until id may execute again.
func (l *Limiter) RetryAfter(id node.ID) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[id]
	if !ok {
		return 0
	}
	if wait := s.until.Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

func (l *Limiter) HandleSuccess(id node.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[id]
	if !ok {
		return
	}
	if !l.recovery {
		delete(l.entries, id)
		return
	}
	s.delay /= 2
	s.until = time.Time{}
	if s.delay < l.min {
		delete(l.entries, id)
	}
}

func (l *Limiter) HandleFailure(id node.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[id]
	if !ok {
		s = &state{}
		l.entries[id] = s
	}
	switch {
	case s.delay < l.min:
		s.delay = l.min
	case s.delay*2 > l.max:
		s.delay = l.max
	default:
		s.delay *= 2
	}
	s.until = l.now().Add(s.delay)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

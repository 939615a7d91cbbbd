// Package sequencer orders the two update detection pipelines. It hands out
// strictly increasing timestamps and lets a sensitive window hold back
// everything stamped after the window opened.
package sequencer

import (
	"context"
	"sync"
)

type Timestamp uint64

// Sequencer is safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	last    Timestamp
	pending []*Postponement
	changed chan struct{}
}

// Postponement is a live hold on every timestamp at or after its own.
type Postponement struct {
	seq      *Sequencer
	ts       Timestamp
	disposed bool
}

func New() *Sequencer {
	return &Sequencer{changed: make(chan struct{})}
}

// Next returns a timestamp strictly greater than every previous one.
func (s *Sequencer) Next() Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// Postpone opens a window. Until the returned handle is disposed,
// IsPostponed reports true for its timestamp and every later one.
func (s *Sequencer) Postpone() *Postponement {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Postponement{seq: s, ts: s.nextLocked()}
	s.pending = append(s.pending, p)
	return p
}

// IsPostponed reports whether any live postponement is stamped at or before ts.
func (s *Sequencer) IsPostponed(ts Timestamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
	for _, p := range s.pending {
		if !p.disposed && p.ts <= ts {
			return true
		}
	}
	return false
}

// Wait blocks until ts is no longer postponed or ctx is done.
func (s *Sequencer) Wait(ctx context.Context, ts Timestamp) error {
	for {
		s.mu.Lock()
		s.compactLocked()
		blocked := false
		for _, p := range s.pending {
			if !p.disposed && p.ts <= ts {
				blocked = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if !blocked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Outstanding returns the number of live postponements.
func (s *Sequencer) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
	n := 0
	for _, p := range s.pending {
		if !p.disposed {
			n++
		}
	}
	return n
}

func (p *Postponement) Timestamp() Timestamp {
	return p.ts
}

// Dispose releases the window. Calling it more than once is a no-op.
func (p *Postponement) Dispose() {
	if p == nil || p.seq == nil {
		return
	}
	s := p.seq
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	s.compactLocked()
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Sequencer) nextLocked() Timestamp {
	s.last++
	return s.last
}

// compactLocked drops disposed postponements from the head of the FIFO.
func (s *Sequencer) compactLocked() {
	i := 0
	for i < len(s.pending) && s.pending[i].disposed {
		i++
	}
	if i > 0 {
		s.pending = append(s.pending[:0], s.pending[i:]...)
	}
}

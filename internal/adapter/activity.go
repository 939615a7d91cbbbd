package adapter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

type Stage string

const (
	StageStarted   Stage = "started"
	StageProgress  Stage = "progress"
	StageSucceeded Stage = "succeeded"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Activity reports the progress of one in-flight item.
type Activity struct {
	ID      string       `json:"id"`
	Adapter string       `json:"adapter"`
	Kind    string       `json:"kind"`
	NodeID  node.ID      `json:"nodeId,omitempty"`
	Name    string       `json:"name,omitempty"`
	Stage   Stage        `json:"stage"`
	Code    replica.Code `json:"code,omitempty"`
	Bytes   int64        `json:"bytes,omitempty"`
	Time    time.Time    `json:"time"`
}

// ActivityHub fans activity out to subscribers. A subscriber that does not
// keep up misses events instead of blocking the adapter.
type ActivityHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Activity
}

func NewActivityHub() *ActivityHub {
	return &ActivityHub{subs: map[int]chan Activity{}}
}

// Subscribe returns a channel of activity and a function that ends the
// subscription and closes the channel.
func (h *ActivityHub) Subscribe(buffer int) (<-chan Activity, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Activity, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *ActivityHub) Publish(a Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

func (h *ActivityHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// tracker publishes the stages of one item under a stable id.
type tracker struct {
	hub  *ActivityHub
	base Activity
}

func (a *Adapter) track(kind string, id node.ID, name string) *tracker {
	t := &tracker{hub: a.activity, base: Activity{
		ID:      uuid.NewString(),
		Adapter: a.name,
		Kind:    kind,
		NodeID:  id,
		Name:    name,
	}}
	t.publish(StageStarted, replica.CodeNone, 0)
	return t
}

func (t *tracker) publish(stage Stage, code replica.Code, bytes int64) {
	ev := t.base
	ev.Stage = stage
	ev.Code = code
	ev.Bytes = bytes
	ev.Time = time.Now().UTC()
	t.hub.Publish(ev)
}

func (t *tracker) progress(bytes int64) {
	t.publish(StageProgress, replica.CodeNone, bytes)
}

func (t *tracker) finish(code replica.Code, bytes int64) {
	switch code {
	case replica.CodeNone:
		t.publish(StageSucceeded, code, bytes)
	case replica.CodeCancelled:
		t.publish(StageCancelled, code, bytes)
	default:
		t.publish(StageFailed, code, bytes)
	}
}

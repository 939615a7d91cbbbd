// Package store persists adapter state: the tree, the change logs, copy
// links and the id sequences. Backends receive incremental change sets so
// a committed transaction is durable before the adapter acknowledges it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/node"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
)

type Backend interface {
	// Load returns the committed state, or nil when nothing was committed yet.
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, cs *ChangeSet) error
	Close() error
}

type LogState struct {
	Entries []changes.Entry `json:"entries"`
	LastID  uint64          `json:"lastId"`
	Acked   uint64          `json:"acked"`
}

type Snapshot struct {
	Nodes              map[node.ID]node.Model      `json:"nodes"`
	Logs               map[string]*LogState        `json:"logs"`
	CopyLinks          map[node.ID]detect.CopyLink `json:"copyLinks"`
	LastNodeID         node.ID                     `json:"lastNodeId"`
	LastContentVersion uint64                      `json:"lastContentVersion"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Nodes:     map[node.ID]node.Model{},
		Logs:      map[string]*LogState{},
		CopyLinks: map[node.ID]detect.CopyLink{},
	}
}

// Models returns the nodes ordered by id.
func (s *Snapshot) Models() []node.Model {
	out := make([]node.Model, 0, len(s.Nodes))
	for _, m := range s.Nodes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) Log(name string) *LogState {
	if s.Logs == nil {
		s.Logs = map[string]*LogState{}
	}
	st, ok := s.Logs[name]
	if !ok {
		st = &LogState{}
		s.Logs[name] = st
	}
	return st
}

// Apply folds a change set into the snapshot.
func (s *Snapshot) Apply(cs *ChangeSet) {
	if cs == nil {
		return
	}
	if s.Nodes == nil {
		s.Nodes = map[node.ID]node.Model{}
	}
	if s.CopyLinks == nil {
		s.CopyLinks = map[node.ID]detect.CopyLink{}
	}
	for _, m := range cs.Upserts {
		s.Nodes[m.ID] = m
	}
	for _, id := range cs.Deletes {
		delete(s.Nodes, id)
	}
	for _, appended := range cs.Appended {
		st := s.Log(appended.Log)
		st.Entries = append(st.Entries, appended.Entry)
		if appended.Entry.ID > st.LastID {
			st.LastID = appended.Entry.ID
		}
	}
	for name, cursor := range cs.Cursors {
		st := s.Log(name)
		if cursor.LastID > st.LastID {
			st.LastID = cursor.LastID
		}
		if cursor.Acked > st.Acked {
			st.Acked = cursor.Acked
		}
		kept := st.Entries[:0]
		for _, e := range st.Entries {
			if e.ID > st.Acked {
				kept = append(kept, e)
			}
		}
		st.Entries = kept
	}
	for _, link := range cs.Links {
		s.CopyLinks[link.CopyID] = link
	}
	for _, id := range cs.Unlinked {
		delete(s.CopyLinks, id)
	}
	if cs.LastNodeID > s.LastNodeID {
		s.LastNodeID = cs.LastNodeID
	}
	if cs.LastContentVersion > s.LastContentVersion {
		s.LastContentVersion = cs.LastContentVersion
	}
}

func (s *Snapshot) clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	clone := NewSnapshot()
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

type AppendedEntry struct {
	Log   string
	Entry changes.Entry
}

type Cursor struct {
	LastID uint64
	Acked  uint64
}

// ChangeSet is the persistent effect of one transaction.
type ChangeSet struct {
	Upserts            []node.Model
	Deletes            []node.ID
	Appended           []AppendedEntry
	Cursors            map[string]Cursor
	Links              []detect.CopyLink
	Unlinked           []node.ID
	LastNodeID         node.ID
	LastContentVersion uint64
}

func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Upserts) == 0 &&
		len(cs.Deletes) == 0 &&
		len(cs.Appended) == 0 &&
		len(cs.Cursors) == 0 &&
		len(cs.Links) == 0 &&
		len(cs.Unlinked) == 0 &&
		cs.LastNodeID == 0 &&
		cs.LastContentVersion == 0)
}

// SetCursor records the position of a log, keeping the highest values seen.
func (cs *ChangeSet) SetCursor(log string, lastID, acked uint64) {
	if cs.Cursors == nil {
		cs.Cursors = map[string]Cursor{}
	}
	cur := cs.Cursors[log]
	if lastID > cur.LastID {
		cur.LastID = lastID
	}
	if acked > cur.Acked {
		cur.Acked = acked
	}
	cs.Cursors[log] = cur
}

package adapter

import (
	"sort"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/store"
)

// journal records what the current unit changed. It observes the tree
// after the dirty shadow and the change writer, and listens to both logs.
type journal struct {
	a        *Adapter
	upserts  map[node.ID]node.Model
	deletes  map[node.ID]struct{}
	appended []store.AppendedEntry
	touched  map[string]struct{}
	links    []detect.CopyLink
	unlinked []node.ID
}

func newJournal(a *Adapter) *journal {
	j := &journal{a: a}
	j.reset()
	return j
}

func (j *journal) reset() {
	j.upserts = map[node.ID]node.Model{}
	j.deletes = map[node.ID]struct{}{}
	j.appended = nil
	j.touched = map[string]struct{}{}
	j.links = nil
	j.unlinked = nil
	j.a.seqs.dirty = false
}

func (j *journal) NodeChanged(_ *node.Tree, event node.Event) {
	switch event.Kind {
	case node.EventDeleted:
		id := event.Before.ID
		delete(j.upserts, id)
		j.deletes[id] = struct{}{}
		j.unlink(id)
	default:
		j.upserts[event.After.ID] = event.After
		if event.Kind == node.EventEdited {
			if link, ok := j.a.links[event.After.ID]; ok && link.SourceContentVersion != event.After.ContentVersion {
				j.unlink(event.After.ID)
			}
		}
	}
}

func (j *journal) unlink(id node.ID) {
	if _, ok := j.a.links[id]; !ok {
		return
	}
	delete(j.a.links, id)
	j.unlinked = append(j.unlinked, id)
}

func (j *journal) EntryAppended(log string, entry changes.Entry) {
	j.appended = append(j.appended, store.AppendedEntry{Log: log, Entry: entry})
	j.touched[log] = struct{}{}
	metrics.RecordChangeAppended(j.a.name, log, entry.Type.String())
}

func (j *journal) EntriesAcked(log string, _ uint64) {
	j.touched[log] = struct{}{}
}

func (j *journal) recordCopy(link detect.CopyLink) {
	j.a.links[link.CopyID] = link
	j.links = append(j.links, link)
}

// take returns the change set of the unit and starts a new one. Nil means
// nothing changed.
func (j *journal) take() *store.ChangeSet {
	cs := &store.ChangeSet{
		Appended: j.appended,
		Links:    j.links,
		Unlinked: j.unlinked,
	}
	for _, m := range j.upserts {
		cs.Upserts = append(cs.Upserts, m)
	}
	sort.Slice(cs.Upserts, func(i, k int) bool { return cs.Upserts[i].ID < cs.Upserts[k].ID })
	for id := range j.deletes {
		cs.Deletes = append(cs.Deletes, id)
	}
	sort.Slice(cs.Deletes, func(i, k int) bool { return cs.Deletes[i] < cs.Deletes[k] })
	for name := range j.touched {
		if log, err := j.a.Log(name); err == nil {
			cs.SetCursor(name, log.LastID(), log.Acked())
		}
	}
	if j.a.seqs.dirty {
		cs.LastNodeID = j.a.seqs.lastNodeID
		cs.LastContentVersion = j.a.seqs.lastContentVersion
	}
	j.reset()
	if cs.Empty() {
		return nil
	}
	return cs
}

// sequences mints node ids and content versions for the diff engine.
type sequences struct {
	lastNodeID         node.ID
	lastContentVersion uint64
	dirty              bool
}

func (s *sequences) NextNodeID() node.ID {
	s.lastNodeID++
	s.dirty = true
	return s.lastNodeID
}

func (s *sequences) NextContentVersion() uint64 {
	s.lastContentVersion++
	s.dirty = true
	return s.lastContentVersion
}

func (s *sequences) restore(snapshot *store.Snapshot, tree *node.Tree) {
	s.lastNodeID = snapshot.LastNodeID
	s.lastContentVersion = snapshot.LastContentVersion
	for _, m := range tree.Models() {
		if m.ID > s.lastNodeID {
			s.lastNodeID = m.ID
		}
		if m.ContentVersion > s.lastContentVersion {
			s.lastContentVersion = m.ContentVersion
		}
	}
	s.dirty = false
}

type linkRecorder struct {
	a *Adapter
}

func (r linkRecorder) RecordCopy(link detect.CopyLink) {
	r.a.journal.recordCopy(link)
}

// Package dirty maintains the sparse shadow of the node tree that holds only
// nodes needing re-verification plus their ancestor chains.
package dirty

import (
	"fmt"
	"sort"

	"github.com/agentworkforce/shadowsync/internal/node"
)

type entry struct {
	parent   node.ID
	children map[node.ID]struct{}
}

// Shadow is kept current by registering it as the first observer of a
// node.Tree. It holds a node iff that node or a descendant carries a dirty
// flag, together with every ancestor up to the root.
type Shadow struct {
	entries map[node.ID]*entry
}

func New() *Shadow {
	return &Shadow{entries: map[node.ID]*entry{}}
}

// Rebuild discards the shadow and recomputes it from the tree.
func (s *Shadow) Rebuild(tree *node.Tree) {
	s.entries = map[node.ID]*entry{}
	for _, m := range tree.Models() {
		if m.Status.IsDirty() {
			s.ensure(tree, m.ID)
		}
	}
}

func (s *Shadow) NodeChanged(tree *node.Tree, event node.Event) {
	switch event.Kind {
	case node.EventDeleted:
		s.remove(tree, event.Before.ID)
	case node.EventMoved:
		id := event.After.ID
		if e, ok := s.entries[id]; ok && e.parent != event.After.ParentID {
			oldParent := e.parent
			s.detach(id)
			e.parent = event.After.ParentID
			s.ensure(tree, e.parent)
			s.link(e.parent, id)
			s.prune(tree, oldParent)
		}
		s.refresh(tree, id)
	default:
		s.refresh(tree, event.Node().ID)
	}
}

func (s *Shadow) Contains(id node.ID) bool {
	_, ok := s.entries[id]
	return ok
}

func (s *Shadow) Len() int {
	return len(s.entries)
}

// IDs returns every shadow entry in ascending id order.
func (s *Shadow) IDs() []node.ID {
	out := make([]node.ID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Leaves returns the entries without shadow children in ascending id order.
func (s *Shadow) Leaves() []node.ID {
	var out []node.ID
	for id, e := range s.entries {
		if len(e.children) == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Shadow) Children(id node.ID) []node.ID {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	out := make([]node.ID, 0, len(e.children))
	for child := range e.children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check verifies the shadow against the tree.
func (s *Shadow) Check(tree *node.Tree) error {
	needed := map[node.ID]bool{}
	for _, m := range tree.Models() {
		if !m.Status.IsDirty() {
			continue
		}
		needed[m.ID] = true
		for _, ancestor := range tree.Ancestors(m.ID) {
			needed[ancestor.ID] = true
		}
	}
	for id := range needed {
		if _, ok := s.entries[id]; !ok {
			return fmt.Errorf("node %d missing from dirty shadow", id)
		}
	}
	for id, e := range s.entries {
		if !needed[id] {
			return fmt.Errorf("node %d present in dirty shadow without dirty reason", id)
		}
		m, _ := tree.Get(id)
		if e.parent != m.ParentID {
			return fmt.Errorf("node %d shadow parent %d, tree parent %d", id, e.parent, m.ParentID)
		}
	}
	return nil
}

func (s *Shadow) refresh(tree *node.Tree, id node.ID) {
	m, ok := tree.Get(id)
	if ok && m.Status.IsDirty() {
		s.ensure(tree, id)
		return
	}
	s.prune(tree, id)
}

// ensure adds id and completes the missing parent chain.
func (s *Shadow) ensure(tree *node.Tree, id node.ID) {
	if _, ok := s.entries[id]; ok {
		return
	}
	m, ok := tree.Get(id)
	if !ok {
		return
	}
	s.entries[id] = &entry{parent: m.ParentID, children: map[node.ID]struct{}{}}
	if m.ParentID == 0 {
		return
	}
	s.ensure(tree, m.ParentID)
	s.link(m.ParentID, id)
}

func (s *Shadow) link(parent, child node.ID) {
	if e, ok := s.entries[parent]; ok {
		e.children[child] = struct{}{}
	}
}

func (s *Shadow) detach(id node.ID) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if parent, ok := s.entries[e.parent]; ok {
		delete(parent.children, id)
	}
}

// remove drops a deleted node and any leftover descendants, then prunes.
func (s *Shadow) remove(tree *node.Tree, id node.ID) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	for child := range e.children {
		s.remove(tree, child)
	}
	s.detach(id)
	delete(s.entries, id)
	s.prune(tree, e.parent)
}

// prune removes empty, no longer dirty entries walking towards the root.
func (s *Shadow) prune(tree *node.Tree, id node.ID) {
	for id != 0 {
		e, ok := s.entries[id]
		if !ok || len(e.children) > 0 {
			return
		}
		if m, ok := tree.Get(id); ok && m.Status.IsDirty() {
			return
		}
		s.detach(id)
		delete(s.entries, id)
		id = e.parent
	}
}

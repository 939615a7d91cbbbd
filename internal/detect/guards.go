package detect

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/node"
)

// guardCyclicMove handles a move that would place a node below itself. The
// tree is left as is and the involved nodes are marked for re-verification.
func (e *Engine) guardCyclicMove(cur node.Model, newParent node.ID) ([]Change, error) {
	e.logger.Info("cyclic move observed, marking path for re-verification",
		zap.Uint64("node_id", uint64(cur.ID)),
		zap.Uint64("destination_id", uint64(newParent)),
	)
	var changes []Change
	for id := newParent; id != cur.ID; {
		m, ok := e.tree.Get(id)
		if !ok {
			break
		}
		if err := e.tree.SetStatus(id, node.DirtyAttributes|node.DirtyParent, 0); err != nil {
			return nil, err
		}
		changes = append(changes, Change{Type: node.OpUpdate, Model: e.get(id)})
		id = m.ParentID
	}
	if err := e.tree.SetStatus(cur.ID, node.DirtyAttributes|node.DirtyParent, 0); err != nil {
		return nil, err
	}
	changes = append(changes, Change{Type: node.OpUpdate, Model: e.get(cur.ID)})
	if err := e.tree.SetStatus(cur.ParentID, node.DirtyChildren, 0); err != nil {
		return nil, err
	}
	return changes, nil
}

// copyAndDelete carries out a move across move scopes: the branch is copied
// below the destination, the source is deleted, then the top copy takes over
// the incoming identity.
func (e *Engine) copyAndDelete(cur, meta, in node.Model, src Source) ([]Change, error) {
	if err := e.markDisplaced(in); err != nil {
		return nil, err
	}
	var changes []Change
	top, err := e.copyBranch(cur, in.ParentID, in.Name, &changes)
	if err != nil {
		return nil, err
	}
	deleted, err := e.delete(cur.ID)
	if err != nil {
		return nil, err
	}
	changes = append(changes, deleted...)

	copied := e.get(top)
	copied.AltID = in.AltID
	copied.LastWriteTime = meta.LastWriteTime
	copied.Size = meta.Size
	copied.RevisionID = meta.RevisionID
	copied.Status = resolveStatus(copied.Status, in.Status, src, true)
	if err := e.tree.Update(top, copied); err != nil {
		return nil, err
	}
	e.logger.Debug("move across scopes applied as copy and delete",
		zap.Uint64("source_id", uint64(cur.ID)),
		zap.Uint64("copy_id", uint64(top)),
		zap.Int("created", len(changes)-len(deleted)),
	)
	return changes, nil
}

func (e *Engine) copyBranch(src node.Model, parent node.ID, name string, changes *[]Change) (node.ID, error) {
	m := node.Model{
		ID:             e.opts.Allocator.NextNodeID(),
		ParentID:       parent,
		Name:           name,
		Type:           src.Type,
		ContentVersion: src.ContentVersion,
		LastWriteTime:  src.LastWriteTime,
		Size:           src.Size,
	}
	if m.IsDirectory() {
		m.ContentVersion = 0
		m.Status = node.DirtyChildren
	}
	if err := e.tree.Create(m); err != nil {
		return 0, fmt.Errorf("copy %s: %w", src.Name, err)
	}
	*changes = append(*changes, Change{Type: node.OpCreate, Model: e.get(m.ID)})
	if m.IsFile() && e.opts.Links != nil {
		e.opts.Links.RecordCopy(CopyLink{
			CopyID:               m.ID,
			SourceID:             src.ID,
			SourceAltID:          src.AltID,
			SourceContentVersion: src.ContentVersion,
			SourcePath:           e.tree.Path(src.ID),
		})
	}
	for _, child := range e.tree.Children(src.ID) {
		// Dirty sub-branches are treated as gone; the copy's parent stays
		// DirtyChildren so enumeration settles them.
		if child.Status.Any(node.DirtyNodeMask) || dirty.BranchIsDeleted(e.tree, child.ID) {
			continue
		}
		if _, err := e.copyBranch(child, m.ID, child.Name, changes); err != nil {
			return 0, err
		}
	}
	return m.ID, nil
}

// ApplyUnknownParent handles an event whose parent identity is not tracked
// yet, which happens when an event log delivers entries out of order. A
// placeholder directory carrying the parent identity is synthesized below
// syncRoot and the node, new or known, is held there until the parent
// shows up. Without a usable placeholder a known node is only marked dirty.
func (e *Engine) ApplyUnknownParent(current *node.Model, incoming node.Model, parentAlt node.AltID, syncRoot node.ID) ([]Change, error) {
	changes, placeholder, ok, err := e.placeholderFor(parentAlt, syncRoot)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if cur, tracked := e.tree.Get(current.ID); tracked {
			if !ok || e.tree.IsSyncRoot(cur.ID) || e.tree.IsAncestor(cur.ID, placeholder.ID) {
				return e.markUnplaced(cur.ID, changes)
			}
			return e.holdInPlaceholder(cur, incoming, placeholder, changes)
		}
	}
	if !ok {
		return changes, nil
	}
	incoming.ParentID = placeholder.ID
	created, err := e.create(incoming, SourceEventLog)
	if err != nil {
		return nil, err
	}
	return append(changes, created...), nil
}

// placeholderFor returns the node carrying parentAlt, synthesizing a
// placeholder directory below syncRoot when none is tracked.
func (e *Engine) placeholderFor(parentAlt node.AltID, syncRoot node.ID) ([]Change, node.Model, bool, error) {
	if parentAlt.IsZero() {
		return nil, node.Model{}, false, nil
	}
	if m, ok := e.tree.GetByAlt(parentAlt); ok {
		return nil, m, m.IsDirectory(), nil
	}
	if !e.tree.Contains(syncRoot) || dirty.BranchIsDeleted(e.tree, syncRoot) {
		return nil, node.Model{}, false, nil
	}
	created, err := e.create(node.Model{
		ParentID: syncRoot,
		Name:     PlaceholderName(parentAlt),
		Type:     node.TypeDirectory,
		AltID:    parentAlt,
		Status:   node.DirtyPlaceholder | node.DirtyChildren,
	}, SourceEventLog)
	if err != nil {
		return nil, node.Model{}, false, err
	}
	placeholder := created[len(created)-1].Model
	e.logger.Info("synthesized placeholder for out of order event",
		zap.String("parent_alt_id", parentAlt.String()),
		zap.Uint64("placeholder_id", uint64(placeholder.ID)),
	)
	return created, placeholder, true, nil
}

// holdInPlaceholder moves a known node below placeholder and marks it
// dirty so the next pass confirms where it really is.
func (e *Engine) holdInPlaceholder(cur, incoming, placeholder node.Model, changes []Change) ([]Change, error) {
	name := incoming.Name
	if name == "" {
		name = cur.Name
	}
	if err := e.tree.SetStatus(cur.ParentID, node.DirtyChildren, 0); err != nil {
		return nil, err
	}
	if err := e.markDisplaced(node.Model{ParentID: placeholder.ID, Name: name, AltID: cur.AltID}); err != nil {
		return nil, err
	}
	if err := e.tree.Move(cur.ID, placeholder.ID, name); err != nil {
		return nil, err
	}
	if err := e.tree.SetStatus(cur.ID, node.DirtyAttributes|node.DirtyParent, 0); err != nil {
		return nil, err
	}
	return append(changes, Change{Type: node.OpMove, Model: e.get(cur.ID)}), nil
}

func (e *Engine) markUnplaced(id node.ID, changes []Change) ([]Change, error) {
	if err := e.MarkDirty(id, node.DirtyAttributes|node.DirtyParent); err != nil {
		return nil, err
	}
	if m, ok := e.tree.Get(id); ok {
		changes = append(changes, Change{Type: node.OpUpdate, Model: m})
	}
	return changes, nil
}

// PlaceholderName is the name given to a synthesized placeholder directory.
func PlaceholderName(alt node.AltID) string {
	return fmt.Sprintf(".placeholder-%s", sanitize(alt.External))
}

func sanitize(raw string) string {
	out := make([]rune, 0, len(raw))
	for _, r := range raw {
		switch r {
		case '/', '\\', ':', 0:
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Package detect computes the minimal tree edits between the tracked model
// of a node and a freshly observed one, and applies them to the tree.
package detect

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/node"
)

var ErrUnknownParent = errors.New("parent is not tracked")

// Source tells the engine where an incoming model was observed.
type Source uint8

const (
	SourceEnumeration Source = iota + 1
	SourceEventLog
	SourceExecution
)

func (s Source) String() string {
	switch s {
	case SourceEnumeration:
		return "enumeration"
	case SourceEventLog:
		return "event-log"
	case SourceExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Allocator mints node ids and content versions. Both sequences are
// persisted by the owner.
type Allocator interface {
	NextNodeID() node.ID
	NextContentVersion() uint64
}

// CopyLink ties a node created by a cross-scope copy to the node it was
// copied from.
type CopyLink struct {
	CopyID               node.ID    `json:"copyId"`
	SourceID             node.ID    `json:"sourceId"`
	SourceAltID          node.AltID `json:"sourceAltId"`
	SourceContentVersion uint64     `json:"sourceContentVersion"`
	// SourcePath is where the source sat below the tree root, the sync
	// root id first.
	SourcePath           []string   `json:"sourcePath,omitempty"`
}

type CopyLinkRecorder interface {
	RecordCopy(link CopyLink)
}

// Change is one edit the engine applied.
type Change struct {
	Type  node.OperationType
	Model node.Model
}

type Options struct {
	Allocator Allocator
	// Links is set for on-demand replicas, where copies must be able to
	// redirect content reads to their source.
	Links CopyLinkRecorder
	// MoveScope returns the boundary within which native moves are atomic.
	MoveScope func(tree *node.Tree, id node.ID) string
	Logger    *zap.Logger
}

type Engine struct {
	tree   *node.Tree
	opts   Options
	logger *zap.Logger
}

func New(tree *node.Tree, opts Options) *Engine {
	if opts.MoveScope == nil {
		opts.MoveScope = SyncRootScope
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{tree: tree, opts: opts, logger: logger}
}

func (e *Engine) Tree() *node.Tree {
	return e.tree
}

// SyncRootScope uses the scope of the owning sync root's alternate id.
func SyncRootScope(tree *node.Tree, id node.ID) string {
	if root, ok := tree.SyncRootOf(id); ok {
		return root.AltID.Scope
	}
	if m, ok := tree.Get(id); ok {
		return m.AltID.Scope
	}
	return ""
}

// Apply reconciles current with incoming. A nil incoming deletes current; a
// nil current creates incoming. incoming.ParentID must already be resolved
// to an internal id.
func (e *Engine) Apply(current, incoming *node.Model, src Source) ([]Change, error) {
	switch {
	case current == nil && incoming == nil:
		return nil, nil
	case incoming == nil:
		return e.delete(current.ID)
	case current == nil:
		return e.create(*incoming, src)
	}
	cur, ok := e.tree.Get(current.ID)
	if !ok {
		return e.create(*incoming, src)
	}
	in := *incoming
	if in.ParentID == 0 {
		in.ParentID = cur.ParentID
	}
	if in.Name == "" {
		in.Name = cur.Name
	}
	if in.Type == node.TypeUnknown {
		in.Type = cur.Type
	}
	if in.AltID.IsZero() {
		in.AltID = cur.AltID
	}
	if in.Type != cur.Type {
		return e.replace(cur, in, src)
	}

	contentChanged := ContentChanged(cur, in)
	meta := cur
	meta.AltID = in.AltID
	meta.Status = resolveStatus(cur.Status, in.Status, src, contentChanged || !cur.SameLink(in))
	meta.LastWriteTime = in.LastWriteTime
	meta.Size = in.Size
	meta.RevisionID = in.RevisionID

	if !cur.SameLink(in) {
		return e.move(cur, meta, in, contentChanged, src)
	}
	var changes []Change
	if !cur.SameMetadata(meta) {
		if err := e.tree.Update(cur.ID, meta); err != nil {
			return nil, err
		}
		if !contentChanged {
			changes = append(changes, Change{Type: node.OpUpdate, Model: e.get(cur.ID)})
			return changes, nil
		}
	}
	if contentChanged {
		return e.edit(cur.ID, in.ContentVersion)
	}
	return nil, nil
}

// ContentChanged applies the content version rule: revision ids decide
// when either side has one; otherwise last write time or size, but only
// once the node has carried a non-default last write time.
func ContentChanged(current, incoming node.Model) bool {
	if !current.IsFile() {
		return false
	}
	if current.RevisionID != "" || incoming.RevisionID != "" {
		return incoming.RevisionID != "" && incoming.RevisionID != current.RevisionID
	}
	if current.LastWriteTime.IsZero() {
		return false
	}
	return !incoming.LastWriteTime.Equal(current.LastWriteTime) || incoming.Size != current.Size
}

// resolveStatus applies the dirty flag policy for an observation.
func resolveStatus(current, incoming node.Status, src Source, changed bool) node.Status {
	status := current
	switch src {
	case SourceEnumeration:
		status &^= node.DirtyAttributes | node.DirtyParent | node.DirtyDeleted | node.DirtyPlaceholder
	case SourceEventLog:
		status &^= node.DirtyPlaceholder
	case SourceExecution:
		status &^= node.DirtyAttributes | node.DirtyParent | node.DirtyPlaceholder
		status |= node.Synced
	}
	if changed && src != SourceExecution {
		status &^= node.Synced
	}
	return status | incoming
}

func (e *Engine) create(in node.Model, src Source) ([]Change, error) {
	parent, ok := e.tree.Get(in.ParentID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParent, in.ParentID)
	}
	if !parent.IsDirectory() {
		return nil, node.ErrNotDirectory
	}
	if in.Name == "" || in.Type == node.TypeUnknown {
		return nil, fmt.Errorf("%w: create requires name and type", node.ErrInvalidInput)
	}
	if _, taken := e.tree.GetByAlt(in.AltID); taken {
		return nil, fmt.Errorf("%w: %s", node.ErrDuplicateAltID, in.AltID)
	}
	if in.IsFile() {
		if target, ok := e.editCandidate(in); ok {
			return e.createAsEdit(target, in, src)
		}
	}
	if err := e.markDisplaced(in); err != nil {
		return nil, err
	}
	m := in
	m.ID = e.opts.Allocator.NextNodeID()
	m.Status = resolveStatus(0, in.Status, src, true)
	if m.IsFile() && m.ContentVersion == 0 {
		m.ContentVersion = e.opts.Allocator.NextContentVersion()
	}
	if m.IsDirectory() {
		m.ContentVersion = 0
	}
	if err := e.tree.Create(m); err != nil {
		return nil, err
	}
	return []Change{{Type: node.OpCreate, Model: e.get(m.ID)}}, nil
}

// markDisplaced flags tracked siblings that hold the incoming name under a
// different identity. A replica cannot hold both, so the tracked one is
// gone or about to be.
func (e *Engine) markDisplaced(in node.Model) error {
	for _, sibling := range e.tree.ChildrenNamed(in.ParentID, in.Name) {
		if sibling.AltID.IsZero() || sibling.AltID == in.AltID {
			continue
		}
		if sibling.Status.Any(node.DirtyNodeMask) {
			continue
		}
		if err := e.tree.SetStatus(sibling.ID, node.DirtyDeleted, 0); err != nil {
			return err
		}
	}
	return nil
}

// editCandidate implements the file edit heuristic: exactly one dirty,
// non-placeholder file sibling with the same name. With none or several
// candidates the creation stays a creation.
func (e *Engine) editCandidate(in node.Model) (node.Model, bool) {
	var found []node.Model
	for _, sibling := range e.tree.ChildrenNamed(in.ParentID, in.Name) {
		if !sibling.IsFile() || sibling.Status.Has(node.DirtyPlaceholder) {
			continue
		}
		if !sibling.Status.Any(node.DirtyAttributes | node.DirtyParent | node.DirtyDeleted) {
			continue
		}
		found = append(found, sibling)
	}
	if len(found) != 1 {
		return node.Model{}, false
	}
	return found[0], true
}

func (e *Engine) createAsEdit(target, in node.Model, src Source) ([]Change, error) {
	meta := target
	meta.AltID = in.AltID
	meta.Status = resolveStatus(target.Status&^(node.DirtyAttributes|node.DirtyParent|node.DirtyDeleted), in.Status, src, true)
	meta.LastWriteTime = in.LastWriteTime
	meta.Size = in.Size
	meta.RevisionID = in.RevisionID
	if err := e.tree.Update(target.ID, meta); err != nil {
		return nil, err
	}
	e.logger.Debug("creation treated as edit of dirty sibling",
		zap.Uint64("node_id", uint64(target.ID)),
		zap.String("name", in.Name),
	)
	return e.edit(target.ID, in.ContentVersion)
}

func (e *Engine) edit(id node.ID, supplied uint64) ([]Change, error) {
	current := e.get(id)
	version := supplied
	if version <= current.ContentVersion {
		version = e.opts.Allocator.NextContentVersion()
	}
	if err := e.tree.Edit(id, version); err != nil {
		return nil, err
	}
	return []Change{{Type: node.OpEdit, Model: e.get(id)}}, nil
}

func (e *Engine) move(cur, meta, in node.Model, contentChanged bool, src Source) ([]Change, error) {
	dest, ok := e.tree.Get(in.ParentID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParent, in.ParentID)
	}
	if !dest.IsDirectory() {
		return nil, node.ErrNotDirectory
	}
	if e.tree.IsAncestor(cur.ID, in.ParentID) {
		return e.guardCyclicMove(cur, in.ParentID)
	}
	if e.opts.MoveScope(e.tree, cur.ID) != e.opts.MoveScope(e.tree, in.ParentID) {
		return e.copyAndDelete(cur, meta, in, src)
	}
	if err := e.markDisplaced(in); err != nil {
		return nil, err
	}
	// A resolved placeholder is relinked first so its branch is reported
	// once, at the final location.
	resolving := cur.Status.Has(node.DirtyPlaceholder) && !meta.Status.Has(node.DirtyPlaceholder)
	if !resolving && !cur.SameMetadata(meta) {
		if err := e.tree.Update(cur.ID, meta); err != nil {
			return nil, err
		}
	}
	if err := e.tree.Move(cur.ID, in.ParentID, in.Name); err != nil {
		return nil, err
	}
	if resolving {
		if err := e.tree.Update(cur.ID, meta); err != nil {
			return nil, err
		}
	}
	changes := []Change{{Type: node.OpMove, Model: e.get(cur.ID)}}
	if contentChanged {
		edited, err := e.edit(cur.ID, in.ContentVersion)
		if err != nil {
			return nil, err
		}
		changes = append(changes, edited...)
	}
	return changes, nil
}

// replace handles a type change under the same identity.
func (e *Engine) replace(cur, in node.Model, src Source) ([]Change, error) {
	changes, err := e.delete(cur.ID)
	if err != nil {
		return nil, err
	}
	in.ContentVersion = 0
	created, err := e.create(in, src)
	if err != nil {
		return nil, err
	}
	return append(changes, created...), nil
}

func (e *Engine) delete(id node.ID) ([]Change, error) {
	cur, ok := e.tree.Get(id)
	if !ok {
		return nil, nil
	}
	if err := e.tree.Delete(id); err != nil {
		return nil, err
	}
	return []Change{{Type: node.OpDelete, Model: cur}}, nil
}

func (e *Engine) get(id node.ID) node.Model {
	m, _ := e.tree.Get(id)
	return m
}

// MarkDirty adds flags to a tracked node if it still exists.
func (e *Engine) MarkDirty(id node.ID, flags node.Status) error {
	if !e.tree.Contains(id) {
		return nil
	}
	return e.tree.SetStatus(id, flags, 0)
}

// BranchIsDirty exposes the dirty branch rule to callers holding only the engine.
func (e *Engine) BranchIsDirty(id node.ID) bool {
	return dirty.BranchIsDirty(e.tree, id)
}

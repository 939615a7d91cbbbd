package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrNotFound       = errors.New("node not found")
	ErrCyclicMove     = errors.New("cyclic move")
	ErrRootImmutable  = errors.New("sync root is immutable")
	ErrDuplicateID    = errors.New("duplicate node id")
	ErrDuplicateAltID = errors.New("duplicate alternate id")
	ErrNotDirectory   = errors.New("parent is not a directory")
	ErrInvalidInput   = errors.New("invalid node input")
	ErrVersionRegress = errors.New("content version must not decrease")
)

const (
	indexChildrenAbove   = 10
	deindexChildrenBelow = 5
)

type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventEdited
	EventRenamed
	EventMoved
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventEdited:
		return "edited"
	case EventRenamed:
		return "renamed"
	case EventMoved:
		return "moved"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event describes a single applied tree mutation. Before is zero for
// creations and After is zero for deletions. Cascade is set on deletions of
// descendants removed as part of deleting an ancestor.
type Event struct {
	Kind    EventKind
	Before  Model
	After   Model
	Cascade bool
}

// Node returns the model that identifies the mutated node.
func (e Event) Node() Model {
	if e.Kind == EventDeleted {
		return e.Before
	}
	return e.After
}

// Observer receives tree events synchronously, in registration order, after
// the mutation has been applied.
type Observer interface {
	NodeChanged(tree *Tree, event Event)
}

type ObserverFunc func(tree *Tree, event Event)

func (f ObserverFunc) NodeChanged(tree *Tree, event Event) {
	f(tree, event)
}

type entry struct {
	model    Model
	children []ID
	index    map[string][]ID
}

// Tree is an arena of node models addressed by internal id, with an
// alternate-id index and per-directory child name lookup. It is not safe for
// concurrent use; the owning adapter serializes access.
type Tree struct {
	nodes     map[ID]*entry
	byAlt     map[AltID]ID
	rootID    ID
	observers []Observer
}

// NewTree creates a tree holding only the given root directory.
func NewTree(root Model) *Tree {
	if root.ID == 0 {
		root.ID = RootID
	}
	root.ParentID = 0
	root.Type = TypeDirectory
	root.Status &^= DirtyNodeMask
	t := &Tree{
		nodes:  map[ID]*entry{root.ID: {model: root}},
		byAlt:  map[AltID]ID{},
		rootID: root.ID,
	}
	if !root.AltID.IsZero() {
		t.byAlt[root.AltID] = root.ID
	}
	return t
}

// Rebuild restores a tree from persisted models without emitting events.
func Rebuild(models []Model) (*Tree, error) {
	var root *Model
	for i := range models {
		if models[i].ParentID == 0 {
			if root != nil {
				return nil, fmt.Errorf("%w: multiple roots", ErrInvalidInput)
			}
			root = &models[i]
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: missing root", ErrInvalidInput)
	}
	t := NewTree(*root)
	pending := make(map[ID][]Model, len(models))
	for _, m := range models {
		if m.ID == root.ID {
			continue
		}
		pending[m.ParentID] = append(pending[m.ParentID], m)
	}
	queue := []ID{t.rootID}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]
		children := pending[parentID]
		delete(pending, parentID)
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		for _, child := range children {
			if err := t.insert(child); err != nil {
				return nil, err
			}
			queue = append(queue, child.ID)
		}
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d orphaned node groups", ErrInvalidInput, len(pending))
	}
	return t, nil
}

// Observe registers an observer. Observers run in registration order.
func (t *Tree) Observe(o Observer) {
	t.observers = append(t.observers, o)
}

func (t *Tree) RootID() ID {
	return t.rootID
}

func (t *Tree) Root() Model {
	return t.nodes[t.rootID].model
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Get(id ID) (Model, bool) {
	e, ok := t.nodes[id]
	if !ok {
		return Model{}, false
	}
	return e.model, true
}

func (t *Tree) GetByAlt(alt AltID) (Model, bool) {
	if alt.IsZero() {
		return Model{}, false
	}
	id, ok := t.byAlt[alt]
	if !ok {
		return Model{}, false
	}
	return t.Get(id)
}

func (t *Tree) Contains(id ID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Children returns the direct children of id in insertion order.
func (t *Tree) Children(id ID) []Model {
	e, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Model, 0, len(e.children))
	for _, childID := range e.children {
		out = append(out, t.nodes[childID].model)
	}
	return out
}

func (t *Tree) ChildCount(id ID) int {
	e, ok := t.nodes[id]
	if !ok {
		return 0
	}
	return len(e.children)
}

// ChildrenNamed returns every child of parent whose name matches. Names are
// compared after NFC normalization.
func (t *Tree) ChildrenNamed(parent ID, name string) []Model {
	e, ok := t.nodes[parent]
	if !ok {
		return nil
	}
	key := nameKey(name)
	var out []Model
	if e.index != nil {
		for _, id := range e.index[key] {
			out = append(out, t.nodes[id].model)
		}
		return out
	}
	for _, id := range e.children {
		child := t.nodes[id].model
		if nameKey(child.Name) == key {
			out = append(out, child)
		}
	}
	return out
}

func (t *Tree) ChildByName(parent ID, name string) (Model, bool) {
	matches := t.ChildrenNamed(parent, name)
	if len(matches) == 0 {
		return Model{}, false
	}
	return matches[0], true
}

// IsIndexed reports whether the children of id are served from a name index.
func (t *Tree) IsIndexed(id ID) bool {
	e, ok := t.nodes[id]
	return ok && e.index != nil
}

// IsAncestor reports whether ancestor lies on the parent chain of id. A node
// is considered its own ancestor.
func (t *Tree) IsAncestor(ancestor, id ID) bool {
	for current := id; current != 0; {
		if current == ancestor {
			return true
		}
		e, ok := t.nodes[current]
		if !ok {
			return false
		}
		current = e.model.ParentID
	}
	return false
}

// Ancestors returns the parent chain of id, nearest first, ending at the root.
func (t *Tree) Ancestors(id ID) []Model {
	e, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var out []Model
	for current := e.model.ParentID; current != 0; {
		parent, ok := t.nodes[current]
		if !ok {
			break
		}
		out = append(out, parent.model)
		current = parent.model.ParentID
	}
	return out
}

// SyncRootOf returns the top-level child of the root that contains id.
func (t *Tree) SyncRootOf(id ID) (Model, bool) {
	e, ok := t.nodes[id]
	if !ok || id == t.rootID {
		return Model{}, false
	}
	for {
		if e.model.ParentID == t.rootID {
			return e.model, true
		}
		e, ok = t.nodes[e.model.ParentID]
		if !ok {
			return Model{}, false
		}
	}
}

// IsSyncRoot reports whether id is the root or one of its direct children.
func (t *Tree) IsSyncRoot(id ID) bool {
	if id == t.rootID {
		return true
	}
	e, ok := t.nodes[id]
	return ok && e.model.ParentID == t.rootID
}

// Path returns the names from the sync root (exclusive of the tree root) down
// to id.
func (t *Tree) Path(id ID) []string {
	var segments []string
	for current := id; current != 0 && current != t.rootID; {
		e, ok := t.nodes[current]
		if !ok {
			return nil
		}
		segments = append(segments, e.model.Name)
		current = e.model.ParentID
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return segments
}

func (t *Tree) PathString(id ID) string {
	return "/" + strings.Join(t.Path(id), "/")
}

// FindByPath resolves names starting below the tree root.
func (t *Tree) FindByPath(segments []string) (Model, bool) {
	current := t.rootID
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		child, ok := t.ChildByName(current, segment)
		if !ok {
			return Model{}, false
		}
		current = child.ID
	}
	return t.Get(current)
}

// Walk visits id and its descendants depth first, parents before children.
// Returning false from fn skips the node's descendants.
func (t *Tree) Walk(id ID, fn func(Model) bool) {
	e, ok := t.nodes[id]
	if !ok {
		return
	}
	if !fn(e.model) {
		return
	}
	for _, childID := range append([]ID(nil), e.children...) {
		t.Walk(childID, fn)
	}
}

// Models returns every node, parents before children.
func (t *Tree) Models() []Model {
	out := make([]Model, 0, len(t.nodes))
	t.Walk(t.rootID, func(m Model) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Create inserts a new node under an existing directory.
func (t *Tree) Create(m Model) error {
	if m.ID == 0 || m.Name == "" || m.Type == TypeUnknown {
		return fmt.Errorf("%w: create requires id, name and type", ErrInvalidInput)
	}
	if err := t.insert(m); err != nil {
		return err
	}
	t.emit(Event{Kind: EventCreated, After: t.nodes[m.ID].model})
	return nil
}

// Update replaces metadata: alt id, status, last write time, size and
// revision id. Link, type and content version are left untouched.
func (t *Tree) Update(id ID, m Model) error {
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	before := e.model
	after := before
	after.AltID = m.AltID
	after.Status = m.Status
	after.LastWriteTime = m.LastWriteTime
	after.Size = m.Size
	after.RevisionID = m.RevisionID
	if t.IsSyncRoot(id) {
		after.Status &^= DirtyNodeMask
	}
	if after.AltID != before.AltID && !after.AltID.IsZero() {
		if owner, taken := t.byAlt[after.AltID]; taken && owner != id {
			return fmt.Errorf("%w: %s", ErrDuplicateAltID, after.AltID)
		}
	}
	if after.AltID != before.AltID {
		if !before.AltID.IsZero() {
			delete(t.byAlt, before.AltID)
		}
		if !after.AltID.IsZero() {
			t.byAlt[after.AltID] = id
		}
	}
	e.model = after
	t.emit(Event{Kind: EventUpdated, Before: before, After: after})
	return nil
}

// SetStatus adds and removes flags on a node.
func (t *Tree) SetStatus(id ID, add, remove Status) error {
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	m := e.model
	m.Status = (m.Status &^ remove) | add
	if t.IsSyncRoot(id) {
		m.Status &^= DirtyNodeMask
	}
	if m.Status == e.model.Status {
		return nil
	}
	return t.Update(id, m)
}

// Edit records a new content version for a node.
func (t *Tree) Edit(id ID, contentVersion uint64) error {
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if contentVersion < e.model.ContentVersion {
		return fmt.Errorf("%w: %d < %d", ErrVersionRegress, contentVersion, e.model.ContentVersion)
	}
	before := e.model
	e.model.ContentVersion = contentVersion
	t.emit(Event{Kind: EventEdited, Before: before, After: e.model})
	return nil
}

func (t *Tree) Rename(id ID, name string) error {
	if t.IsSyncRoot(id) {
		return ErrRootImmutable
	}
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	before := e.model
	parent := t.nodes[before.ParentID]
	parent.unindex(before.Name, id)
	e.model.Name = name
	parent.reindex(name, id)
	t.emit(Event{Kind: EventRenamed, Before: before, After: e.model})
	return nil
}

// Move relinks a node under newParent with the given name. Moving a node
// below itself fails with ErrCyclicMove and leaves the tree unchanged.
func (t *Tree) Move(id, newParent ID, name string) error {
	if t.IsSyncRoot(id) {
		return ErrRootImmutable
	}
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	dest, ok := t.nodes[newParent]
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrNotFound, newParent)
	}
	if !dest.model.IsDirectory() {
		return ErrNotDirectory
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if t.IsAncestor(id, newParent) {
		return fmt.Errorf("%w: %d below %d", ErrCyclicMove, newParent, id)
	}
	before := e.model
	if before.ParentID == newParent {
		if before.Name == name {
			return nil
		}
		return t.Rename(id, name)
	}
	source := t.nodes[before.ParentID]
	t.removeChild(source, id, before.Name)
	e.model.ParentID = newParent
	e.model.Name = name
	t.addChild(dest, id, name)
	t.emit(Event{Kind: EventMoved, Before: before, After: e.model})
	return nil
}

// Delete removes a node and all of its descendants, descendants first.
func (t *Tree) Delete(id ID) error {
	if t.IsSyncRoot(id) {
		return ErrRootImmutable
	}
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	t.deleteRecursive(id, false)
	return nil
}

func (t *Tree) deleteRecursive(id ID, cascade bool) {
	e := t.nodes[id]
	for len(e.children) > 0 {
		t.deleteRecursive(e.children[len(e.children)-1], true)
	}
	before := e.model
	if parent, ok := t.nodes[before.ParentID]; ok {
		t.removeChild(parent, id, before.Name)
	}
	if !before.AltID.IsZero() {
		delete(t.byAlt, before.AltID)
	}
	delete(t.nodes, id)
	t.emit(Event{Kind: EventDeleted, Before: before, Cascade: cascade})
}

func (t *Tree) insert(m Model) error {
	if _, exists := t.nodes[m.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, m.ID)
	}
	parent, ok := t.nodes[m.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrNotFound, m.ParentID)
	}
	if !parent.model.IsDirectory() {
		return ErrNotDirectory
	}
	if m.ParentID == t.rootID {
		m.Status &^= DirtyNodeMask
	}
	if !m.AltID.IsZero() {
		if _, taken := t.byAlt[m.AltID]; taken {
			return fmt.Errorf("%w: %s", ErrDuplicateAltID, m.AltID)
		}
		t.byAlt[m.AltID] = m.ID
	}
	t.nodes[m.ID] = &entry{model: m}
	t.addChild(parent, m.ID, m.Name)
	return nil
}

func (t *Tree) emit(event Event) {
	for _, o := range t.observers {
		o.NodeChanged(t, event)
	}
}

func (t *Tree) addChild(parent *entry, id ID, name string) {
	parent.children = append(parent.children, id)
	if parent.index != nil {
		key := nameKey(name)
		parent.index[key] = append(parent.index[key], id)
		return
	}
	if len(parent.children) > indexChildrenAbove {
		parent.index = map[string][]ID{}
		for _, childID := range parent.children {
			childName := name
			if child, ok := t.nodes[childID]; ok && childID != id {
				childName = child.model.Name
			}
			key := nameKey(childName)
			parent.index[key] = append(parent.index[key], childID)
		}
	}
}

func (t *Tree) removeChild(parent *entry, id ID, name string) {
	for i, childID := range parent.children {
		if childID == id {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.unindex(name, id)
	if parent.index != nil && len(parent.children) < deindexChildrenBelow {
		parent.index = nil
	}
}

func (e *entry) unindex(name string, id ID) {
	if e.index == nil {
		return
	}
	key := nameKey(name)
	ids := e.index[key]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(e.index, key)
		return
	}
	e.index[key] = ids
}

func (e *entry) reindex(name string, id ID) {
	if e.index == nil {
		return
	}
	key := nameKey(name)
	e.index[key] = append(e.index[key], id)
}

func nameKey(name string) string {
	return norm.NFC.String(name)
}

// Package adapter owns the tracked tree of one replica. It detects replica
// changes from enumeration and from the replica event log, executes the
// operations the sync engine requests and serves file content.
//
// Every mutation of the tree, the dirty shadow and the change logs runs in
// the adapter's serialized context, one unit at a time, and is committed to
// the state backend before the unit returns.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/exclude"
	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/ratelimit"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"github.com/agentworkforce/shadowsync/internal/sequencer"
	"github.com/agentworkforce/shadowsync/internal/store"
)

var (
	ErrFaulted      = errors.New("adapter faulted")
	ErrNotConnected = errors.New("adapter not connected")
	ErrUnbound      = errors.New("collaborator not bound")
	ErrUnknownLog   = errors.New("unknown change log")
)

// Root is a sync root: a replica directory mirrored below the tree root.
type Root struct {
	ID      string
	Path    string
	Scope   string
	Enabled bool
}

type Options struct {
	Name     string
	Client   replica.FileSystemClient
	EventLog replica.EventLogClient
	Backend  store.Backend
	Roots    []Root
	Filter   *exclude.Filter
	Limiter  *ratelimit.OperationLimiter
	// RevisionSource supplies the content of files created or edited by
	// Execute, addressed by the ids of the paired adapter.
	RevisionSource RevisionProvider
	// HydrationSource supplies content for hydration demands. It defaults
	// to OpenForReading.
	HydrationSource RevisionProvider
	// OnDemand keeps copy links so reads of copied files can be redirected.
	OnDemand     bool
	ReadDebounce time.Duration
	Workers      int
	Logger       *zap.Logger
	Now          func() time.Time
}

type Adapter struct {
	name      string
	sessionID string
	opts      Options
	logger    *zap.Logger
	client    replica.FileSystemClient
	eventLog  replica.EventLogClient
	backend   store.Backend
	filter    *exclude.Filter
	limiter   *ratelimit.OperationLimiter
	seq       *sequencer.Sequencer
	activity  *ActivityHub
	roots     map[string]Root
	detected  *changes.Log
	synced    *changes.Log
	writer    *changes.Writer
	journal   *journal
	seqs      *sequences
	revisions RevisionProvider
	now       func() time.Time

	// detectMu keeps detection passes from overlapping.
	detectMu sync.Mutex

	mu           sync.Mutex
	tree         *node.Tree
	shadow       *dirty.Shadow
	engine       *detect.Engine
	links        map[node.ID]detect.CopyLink
	// hydrating counts demands in flight per node. It is never persisted.
	hydrating    map[node.ID]int
	lastExecuted sequencer.Timestamp
	connected    bool
	faulted      error
}

func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("adapter %s: file system client is required", opts.Name)
	}
	if len(opts.Roots) == 0 {
		return nil, fmt.Errorf("adapter %s: at least one sync root is required", opts.Name)
	}
	roots := make(map[string]Root, len(opts.Roots))
	for _, root := range opts.Roots {
		if root.ID == "" || root.Path == "" {
			return nil, fmt.Errorf("adapter %s: sync root needs id and path", opts.Name)
		}
		if _, dup := roots[root.ID]; dup {
			return nil, fmt.Errorf("adapter %s: duplicate sync root %q", opts.Name, root.ID)
		}
		root.Path = cleanPath(root.Path)
		roots[root.ID] = root
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := opts.Backend
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	filter := opts.Filter
	if filter == nil {
		filter = exclude.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewOperationLimiter(ratelimit.Config{})
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Adapter{
		name:      opts.Name,
		sessionID: uuid.NewString(),
		opts:      opts,
		logger:    logger.With(zap.String("adapter", opts.Name)),
		client:    opts.Client,
		eventLog:  opts.EventLog,
		backend:   backend,
		filter:    filter,
		limiter:   limiter,
		seq:       sequencer.New(),
		activity:  NewActivityHub(),
		roots:     roots,
		detected:  changes.NewLog(changes.Detected),
		synced:    changes.NewLog(changes.Synced),
		writer:    changes.NewWriter(),
		seqs:      &sequences{},
		hydrating: map[node.ID]int{},
		now:       now,
	}
	a.journal = newJournal(a)
	a.revisions = newRevisions(a)
	a.detected.SetListener(a.journal)
	a.synced.SetListener(a.journal)
	a.writer.Use(a.detected)
	if err := a.restore(nil); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Activity() *ActivityHub {
	return a.activity
}

func (a *Adapter) Sequencer() *sequencer.Sequencer {
	return a.seq
}

// Log returns the detected or synced change log.
func (a *Adapter) Log(name string) (*changes.Log, error) {
	switch name {
	case "", changes.Detected:
		return a.detected, nil
	case changes.Synced:
		return a.synced, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLog, name)
	}
}

// DetectedUpdates is the change feed the sync engine pulls.
func (a *Adapter) DetectedUpdates() *changes.Log {
	return a.detected
}

// Ack acknowledges every entry of the named log up to and including lastID.
func (a *Adapter) Ack(ctx context.Context, logName string, lastID uint64) (int, error) {
	log, err := a.Log(logName)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = a.do(ctx, "ack", func() error {
		n, ackErr := log.Ack(lastID)
		removed = n
		if ackErr != nil {
			return keepProgress(ackErr)
		}
		return nil
	})
	return removed, err
}

// Connect loads the persisted state, attaches the sync roots and connects
// the replica clients. A faulted adapter is reset by Disconnect + Connect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	snapshot, err := a.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state for %s: %w", a.name, err)
	}
	if err := a.restore(snapshot); err != nil {
		return fmt.Errorf("restore state for %s: %w", a.name, err)
	}
	if err := a.client.Connect(ctx, a); err != nil {
		return replica.Wrap("connect", err)
	}
	if a.eventLog != nil {
		if err := a.eventLog.Enable(ctx); err != nil {
			_ = a.client.Disconnect()
			return replica.Wrap("enable event log", err)
		}
	}
	a.faulted = nil
	a.connected = true
	if err := a.run(ctx, "attach roots", func() error { return a.attachRoots(ctx) }); err != nil {
		a.connected = false
		a.faulted = nil
		a.disconnectClients()
		return err
	}
	a.logger.Info("adapter connected",
		zap.String("session_id", a.sessionID),
		zap.Int("nodes", a.tree.Len()),
		zap.Int("dirty", a.shadow.Len()),
	)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		a.faulted = nil
		return nil
	}
	a.connected = false
	a.faulted = nil
	err := a.disconnectClients()
	a.logger.Info("adapter disconnected", zap.String("session_id", a.sessionID))
	return err
}

func (a *Adapter) disconnectClients() error {
	var errs []error
	if a.eventLog != nil {
		if err := a.eventLog.Disable(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.client.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// attachRoots makes sure every enabled sync root is tracked and marks the
// roots for a full re-verification of their content.
func (a *Adapter) attachRoots(ctx context.Context) error {
	a.writer.Use(nil)
	defer a.writer.Use(a.detected)
	for _, id := range a.rootIDs() {
		root := a.roots[id]
		if !root.Enabled {
			continue
		}
		info, err := a.client.GetInfo(ctx, replica.NodeInfo{Path: root.Path, Name: root.ID, Type: node.TypeDirectory})
		if err != nil {
			return fmt.Errorf("sync root %s: %w", root.ID, replica.Wrap("get info", err))
		}
		if !info.IsDirectory() {
			return fmt.Errorf("sync root %s: %s is not a directory", root.ID, root.Path)
		}
		flags := node.DirtyChildren | node.DirtyDescendants
		existing, ok := a.tree.ChildByName(a.tree.RootID(), root.ID)
		if !ok {
			if err := a.tree.Create(node.Model{
				ID:            a.seqs.NextNodeID(),
				ParentID:      a.tree.RootID(),
				Name:          root.ID,
				Type:          node.TypeDirectory,
				AltID:         info.AltID,
				LastWriteTime: info.LastWriteTime,
				Status:        flags,
			}); err != nil {
				return err
			}
			continue
		}
		updated := existing
		updated.AltID = info.AltID
		updated.LastWriteTime = info.LastWriteTime
		updated.Status |= flags
		if err := a.tree.Update(existing.ID, updated); err != nil {
			return err
		}
	}
	return nil
}

// Rescan marks every enabled sync root for a full re-enumeration.
func (a *Adapter) Rescan(ctx context.Context) error {
	return a.do(ctx, "rescan", func() error {
		for _, id := range a.rootIDs() {
			if !a.roots[id].Enabled {
				continue
			}
			if m, ok := a.tree.ChildByName(a.tree.RootID(), id); ok {
				if err := a.tree.SetStatus(m.ID, node.DirtyChildren|node.DirtyDescendants, 0); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Get returns the tracked model of id.
func (a *Adapter) Get(ctx context.Context, id node.ID) (node.Model, bool, error) {
	var (
		m  node.Model
		ok bool
	)
	err := a.do(ctx, "get", func() error {
		m, ok = a.tree.Get(id)
		if ok && a.hydrating[id] > 0 {
			m.Status |= node.HydrationPending
		}
		return nil
	})
	return m, ok, err
}

// LookupPath resolves segments below the tree root, the sync root id
// first. Nodes held in placeholder branches are not reported.
func (a *Adapter) LookupPath(ctx context.Context, segments []string) (node.Model, bool, error) {
	var (
		m  node.Model
		ok bool
	)
	err := a.do(ctx, "lookup path", func() error {
		m, ok = a.tree.FindByPath(segments)
		if ok && dirty.InPlaceholder(a.tree, m.ID) {
			m, ok = node.Model{}, false
		}
		return nil
	})
	return m, ok, err
}

// LookupAlt resolves a replica-native identity.
func (a *Adapter) LookupAlt(ctx context.Context, alt node.AltID) (node.Model, bool, error) {
	var (
		m  node.Model
		ok bool
	)
	err := a.do(ctx, "lookup alt", func() error {
		m, ok = a.tree.GetByAlt(alt)
		return nil
	})
	return m, ok, err
}

// Children lists the tracked children of a directory, skipping nodes that
// only exist as placeholders for unconfirmed events.
func (a *Adapter) Children(ctx context.Context, id node.ID) ([]node.Model, error) {
	var out []node.Model
	err := a.do(ctx, "children", func() error {
		for _, child := range a.tree.Children(id) {
			if child.Status.Has(node.DirtyPlaceholder) {
				continue
			}
			out = append(out, child)
		}
		return nil
	})
	return out, err
}

// SyncRoots returns the tracked sync root nodes keyed by root id.
func (a *Adapter) SyncRoots(ctx context.Context) (map[string]node.Model, error) {
	out := map[string]node.Model{}
	err := a.do(ctx, "sync roots", func() error {
		for _, m := range a.tree.Children(a.tree.RootID()) {
			out[m.Name] = m
		}
		return nil
	})
	return out, err
}

// Status is a point in time view of the adapter.
type Status struct {
	Name        string       `json:"name"`
	SessionID   string       `json:"sessionId"`
	Connected   bool         `json:"connected"`
	Faulted     bool         `json:"faulted"`
	FaultReason string       `json:"faultReason,omitempty"`
	Nodes       int          `json:"nodes"`
	Dirty       int          `json:"dirty"`
	Detected    int          `json:"detectedPending"`
	Synced      int          `json:"syncedPending"`
	Postponed   int          `json:"postponed"`
	Roots       []RootStatus `json:"roots"`
}

type RootStatus struct {
	ID      string  `json:"id"`
	Path    string  `json:"path"`
	NodeID  node.ID `json:"nodeId,omitempty"`
	Enabled bool    `json:"enabled"`
}

func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Name:      a.name,
		SessionID: a.sessionID,
		Connected: a.connected,
		Faulted:   a.faulted != nil,
		Nodes:     a.tree.Len(),
		Dirty:     a.shadow.Len(),
		Detected:  a.detected.Len(),
		Synced:    a.synced.Len(),
		Postponed: a.seq.Outstanding(),
	}
	if a.faulted != nil {
		st.FaultReason = a.faulted.Error()
	}
	for _, id := range a.rootIDs() {
		root := a.roots[id]
		rs := RootStatus{ID: root.ID, Path: root.Path, Enabled: root.Enabled}
		if m, ok := a.tree.ChildByName(a.tree.RootID(), root.ID); ok {
			rs.NodeID = m.ID
		}
		st.Roots = append(st.Roots, rs)
	}
	return st
}

// do runs fn in the serialized context and commits what it changed.
func (a *Adapter) do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return replica.NewError(replica.CodeCancelled, op, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.faulted != nil {
		return fmt.Errorf("%w: %v", ErrFaulted, a.faulted)
	}
	if !a.connected {
		return ErrNotConnected
	}
	return a.run(ctx, op, fn)
}

// run executes fn with a.mu held. An error escaping fn, a panic or a
// failed commit rolls the in-memory state back to the last commit and
// faults the adapter. Errors wrapped with keepProgress commit first.
func (a *Adapter) run(ctx context.Context, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("%s: panic: %v", op, r)
			a.fault(ctx, op, cause)
			err = fmt.Errorf("%w: %v", ErrFaulted, cause)
		}
	}()
	fnErr := fn()
	var kept *keptError
	if fnErr != nil && !errors.As(fnErr, &kept) {
		a.fault(ctx, op, fnErr)
		return fmt.Errorf("%w: %s: %w", ErrFaulted, op, fnErr)
	}
	if commitErr := a.commit(ctx); commitErr != nil {
		a.fault(ctx, op, commitErr)
		return fmt.Errorf("%w: commit %s: %w", ErrFaulted, op, commitErr)
	}
	if kept != nil {
		return kept.err
	}
	return nil
}

func (a *Adapter) commit(ctx context.Context) error {
	cs := a.journal.take()
	if cs == nil {
		return nil
	}
	err := a.backend.Commit(context.WithoutCancel(ctx), cs)
	metrics.RecordTransaction(a.name, err)
	if err != nil {
		return err
	}
	metrics.SetChangesPending(a.name, changes.Detected, a.detected.Len())
	metrics.SetChangesPending(a.name, changes.Synced, a.synced.Len())
	metrics.SetTreeSize(a.name, a.tree.Len(), a.shadow.Len())
	return nil
}

func (a *Adapter) fault(ctx context.Context, op string, cause error) {
	a.journal.reset()
	a.faulted = cause
	metrics.RecordTransaction(a.name, cause)
	a.logger.Error("serialized context faulted, rolling back", zap.String("op", op), zap.Error(cause))
	snapshot, err := a.backend.Load(context.WithoutCancel(ctx))
	if err == nil {
		err = a.restore(snapshot)
	}
	if err != nil {
		a.logger.Error("rollback failed", zap.String("op", op), zap.Error(err))
	}
}

// restore replaces the in-memory state with a committed snapshot. A nil
// snapshot yields an empty tree.
func (a *Adapter) restore(s *store.Snapshot) error {
	root := node.Model{ID: node.RootID, Name: "/", Type: node.TypeDirectory}
	var tree *node.Tree
	if s == nil || len(s.Nodes) == 0 {
		tree = node.NewTree(root)
		if s == nil {
			s = store.NewSnapshot()
		}
	} else {
		models := s.Models()
		// The tree root is implicit and never committed.
		if _, ok := s.Nodes[node.RootID]; !ok {
			models = append([]node.Model{root}, models...)
		}
		rebuilt, err := node.Rebuild(models)
		if err != nil {
			return err
		}
		tree = rebuilt
	}
	shadow := dirty.New()
	shadow.Rebuild(tree)
	tree.Observe(shadow)
	tree.Observe(a.writer)
	tree.Observe(a.journal)

	var links detect.CopyLinkRecorder
	if a.opts.OnDemand {
		links = linkRecorder{a}
	}
	a.tree = tree
	a.shadow = shadow
	a.engine = detect.New(tree, detect.Options{
		Allocator: a.seqs,
		Links:     links,
		MoveScope: a.moveScope,
		Logger:    a.logger.Named("detect"),
	})
	for _, log := range []*changes.Log{a.detected, a.synced} {
		st := s.Log(log.Name())
		log.Restore(st.Entries, st.LastID, st.Acked)
	}
	a.links = make(map[node.ID]detect.CopyLink, len(s.CopyLinks))
	for id, link := range s.CopyLinks {
		a.links[id] = link
	}
	a.seqs.restore(s, tree)
	a.journal.reset()
	return nil
}

// moveScope resolves the boundary of native moves: the configured scope of
// the owning sync root, else the scope of its replica identity.
func (a *Adapter) moveScope(tree *node.Tree, id node.ID) string {
	sr, ok := tree.SyncRootOf(id)
	if !ok {
		return detect.SyncRootScope(tree, id)
	}
	if root, ok := a.roots[sr.Name]; ok && root.Scope != "" {
		return root.Scope
	}
	return sr.AltID.Scope
}

func (a *Adapter) rootIDs() []string {
	ids := make([]string, 0, len(a.roots))
	for id := range a.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Adapter) rootEnabled(id node.ID) bool {
	sr, ok := a.tree.SyncRootOf(id)
	if !ok {
		return false
	}
	root, ok := a.roots[sr.Name]
	return ok && root.Enabled
}

// replicaPath maps a tracked node to its replica-native path.
func (a *Adapter) replicaPath(id node.ID) string {
	segments := a.tree.Path(id)
	if len(segments) == 0 {
		return ""
	}
	root, ok := a.roots[segments[0]]
	if !ok {
		return ""
	}
	return path.Join(append([]string{root.Path}, segments[1:]...)...)
}

// nodeInfo describes a tracked node to the replica. Nodes inside a
// placeholder branch have no replica path.
func (a *Adapter) nodeInfo(m node.Model) replica.NodeInfo {
	info := replica.NodeInfo{
		ID:            m.ID,
		AltID:         m.AltID,
		ParentID:      m.ParentID,
		Name:          m.Name,
		Type:          m.Type,
		LastWriteTime: m.LastWriteTime,
		Size:          m.Size,
		RevisionID:    m.RevisionID,
	}
	if parent, ok := a.tree.Get(m.ParentID); ok {
		info.ParentAltID = parent.AltID
	}
	if !dirty.InPlaceholder(a.tree, m.ID) {
		info.Path = a.replicaPath(m.ID)
	}
	return info
}

// lookupPath resolves a replica-native path to a tracked node.
func (a *Adapter) lookupPath(p string) (node.Model, bool) {
	root, rel, ok := a.rootForPath(p)
	if !ok {
		return node.Model{}, false
	}
	segments := []string{root.ID}
	if rel != "" {
		segments = append(segments, strings.Split(rel, "/")...)
	}
	return a.tree.FindByPath(segments)
}

func (a *Adapter) rootForPath(p string) (Root, string, bool) {
	p = cleanPath(p)
	if p == "" {
		return Root{}, "", false
	}
	var (
		best Root
		rel  string
		ok   bool
	)
	for _, root := range a.roots {
		r, inside := relativePath(root.Path, p)
		if !inside {
			continue
		}
		if !ok || len(root.Path) > len(best.Path) {
			best, rel, ok = root, r, true
		}
	}
	return best, rel, ok
}

func (a *Adapter) syncRootNode(root Root) (node.Model, bool) {
	return a.tree.ChildByName(a.tree.RootID(), root.ID)
}

func modelFromInfo(info replica.NodeInfo, parent node.ID) node.Model {
	return node.Model{
		AltID:         info.AltID,
		ParentID:      parent,
		Name:          info.Name,
		Type:          info.Type,
		LastWriteTime: info.LastWriteTime,
		Size:          info.Size,
		RevisionID:    info.RevisionID,
	}
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func relativePath(base, p string) (string, bool) {
	if p == base {
		return "", true
	}
	prefix := base
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}

type keptError struct {
	err error
}

func (e *keptError) Error() string {
	return e.err.Error()
}

func (e *keptError) Unwrap() error {
	return e.err
}

// keepProgress marks an error that must not roll back the unit: what was
// applied so far is committed and err is returned to the caller.
func keepProgress(err error) error {
	if err == nil {
		return nil
	}
	return &keptError{err: err}
}

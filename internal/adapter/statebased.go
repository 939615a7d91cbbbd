package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"github.com/agentworkforce/shadowsync/internal/sequencer"
)

// DetectionReport summarizes one detection pass.
type DetectionReport struct {
	Events     int           `json:"events"`
	Enumerated int           `json:"enumerated"`
	Rounds     int           `json:"rounds"`
	Remaining  int           `json:"remainingDirty"`
	Duration   time.Duration `json:"duration"`
}

// DetectUpdates runs log-based detection when an event log is configured,
// then state-based detection driven by the dirty shadow. Detected changes
// are appended to the detected log.
func (a *Adapter) DetectUpdates(ctx context.Context) (DetectionReport, error) {
	a.detectMu.Lock()
	defer a.detectMu.Unlock()
	started := a.now()
	var report DetectionReport
	if a.eventLog != nil {
		n, err := a.detectFromLog(ctx)
		metrics.RecordDetection(a.name, "log", err)
		report.Events = n
		if err != nil {
			if errors.Is(err, ErrFaulted) || errors.Is(err, ErrNotConnected) || replica.CodeOf(err) == replica.CodeCancelled {
				return report, err
			}
			// State-based detection verifies whatever the log missed.
			a.logger.Warn("log-based detection failed", zap.Error(err))
			if replica.CodeOf(err) == replica.CodePartial {
				if err := a.Rescan(ctx); err != nil {
					return report, err
				}
			}
		}
	}
	err := a.detectFromState(ctx, &report)
	metrics.RecordDetection(a.name, "state", err)
	a.mu.Lock()
	report.Remaining = a.shadow.Len()
	a.mu.Unlock()
	report.Duration = a.now().Sub(started)
	return report, err
}

// enumeration is the I/O planned for one tracked node in a round.
type enumeration struct {
	target node.Model
	info   replica.NodeInfo
	ts     sequencer.Timestamp

	refresh  bool
	self     replica.NodeInfo
	selfErr  error
	list     bool
	children []replica.NodeInfo
	listErr  error
}

// detectFromState re-verifies dirty nodes until none is left that was not
// attempted in this pass. Sync roots are always enumerated in the first
// round.
func (a *Adapter) detectFromState(ctx context.Context, report *DetectionReport) error {
	attempted := map[node.ID]bool{}
	for round := 0; ; round++ {
		var jobs []*enumeration
		if err := a.do(ctx, "plan enumeration", func() error {
			jobs = a.planEnumeration(attempted, round == 0)
			return nil
		}); err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		report.Rounds++
		report.Enumerated += len(jobs)
		a.fetch(ctx, jobs)
		if err := ctx.Err(); err != nil {
			return replica.NewError(replica.CodeCancelled, "enumerate", err)
		}
		if err := a.do(ctx, "apply enumeration", func() error {
			for _, job := range jobs {
				if err := a.applyEnumeration(job); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
}

func (a *Adapter) planEnumeration(attempted map[node.ID]bool, withRoots bool) []*enumeration {
	var jobs []*enumeration
	add := func(m node.Model, refresh, list bool) {
		attempted[m.ID] = true
		jobs = append(jobs, &enumeration{
			target:  m,
			info:    a.nodeInfo(m),
			ts:      a.seq.Next(),
			refresh: refresh,
			list:    list,
		})
	}
	if withRoots {
		for _, id := range a.rootIDs() {
			root := a.roots[id]
			if !root.Enabled {
				continue
			}
			if m, ok := a.syncRootNode(root); ok {
				add(m, false, true)
			}
		}
	}
	for _, id := range a.shadow.IDs() {
		if attempted[id] || id == a.tree.RootID() {
			continue
		}
		m, ok := a.tree.Get(id)
		if !ok || !a.rootEnabled(id) {
			continue
		}
		// Event-created nodes below a placeholder have no replica path yet.
		if dirty.InPlaceholder(a.tree, m.ParentID) {
			continue
		}
		refresh := m.Status.Any(node.DirtyNodeMask) && !a.tree.IsSyncRoot(id)
		list := m.IsDirectory() &&
			m.Status.Any(node.DirtyChildren|node.DirtyDescendants) &&
			!m.Status.Any(node.DirtyDeleted|node.DirtyPlaceholder)
		if !refresh && !list {
			continue
		}
		add(m, refresh, list)
	}
	depth := map[node.ID]int{}
	for _, job := range jobs {
		depth[job.target.ID] = len(a.tree.Ancestors(job.target.ID))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return depth[jobs[i].target.ID] < depth[jobs[j].target.ID]
	})
	return jobs
}

// fetch performs the replica I/O of a round outside the serialized context.
func (a *Adapter) fetch(ctx context.Context, jobs []*enumeration) {
	sem := make(chan struct{}, a.opts.Workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if job.refresh {
				job.self, job.selfErr = a.client.GetInfo(ctx, job.info)
				if job.selfErr != nil {
					return
				}
			}
			if job.list {
				job.children, job.listErr = a.client.Enumerate(ctx, job.info)
			}
		}()
	}
	wg.Wait()
}

// stale reports whether an observation stamped ts may predate an operation
// that is running or has completed since.
func (a *Adapter) stale(ts sequencer.Timestamp) bool {
	return a.seq.IsPostponed(ts) || a.lastExecuted > ts
}

func (a *Adapter) applyEnumeration(job *enumeration) error {
	cur, ok := a.tree.Get(job.target.ID)
	if !ok {
		return nil
	}
	if a.stale(job.ts) {
		a.logger.Debug("enumeration raced by an operation, retrying next pass", zap.Uint64("node_id", uint64(cur.ID)))
		return nil
	}
	if job.refresh {
		if job.selfErr != nil {
			if replica.CodeOf(job.selfErr) == replica.CodeObjectNotFound {
				return a.applyItem(&cur, nil, detect.SourceEnumeration)
			}
			a.logger.Warn("get info failed", zap.Uint64("node_id", uint64(cur.ID)), zap.Error(job.selfErr))
			return nil
		}
		applied, err := a.refreshNode(cur, job.self)
		if err != nil || !applied || !job.list {
			return err
		}
		if cur, ok = a.tree.Get(cur.ID); !ok || !cur.IsDirectory() {
			return nil
		}
	}
	if !job.list {
		return nil
	}
	if job.listErr != nil {
		if replica.CodeOf(job.listErr) == replica.CodeObjectNotFound && !a.tree.IsSyncRoot(cur.ID) {
			return a.tree.SetStatus(cur.ID, node.DirtyDeleted, 0)
		}
		a.logger.Warn("enumerate failed", zap.Uint64("node_id", uint64(cur.ID)), zap.Error(job.listErr))
		return nil
	}
	if err := a.reconcileChildren(cur, job.children); err != nil {
		return err
	}
	if !a.tree.Contains(cur.ID) {
		return nil
	}
	return a.tree.SetStatus(cur.ID, 0, node.DirtyChildren|node.DirtyDescendants)
}

// refreshNode applies the re-fetched metadata of a node-dirty node. It
// returns false when the node was not confirmed in place.
func (a *Adapter) refreshNode(cur node.Model, info replica.NodeInfo) (bool, error) {
	if !cur.AltID.IsZero() && !info.AltID.IsZero() && info.AltID != cur.AltID {
		// Another item holds the path now; the parent listing decides.
		return false, a.engine.MarkDirty(cur.ParentID, node.DirtyChildren)
	}
	parentID := cur.ParentID
	if !info.ParentAltID.IsZero() {
		parent, ok := a.tree.GetByAlt(info.ParentAltID)
		switch {
		case ok:
			parentID = parent.ID
		case cur.Status.Has(node.DirtyPlaceholder):
			return false, nil
		default:
			// Moved out of every tracked directory.
			return false, a.applyItem(&cur, nil, detect.SourceEnumeration)
		}
	}
	if a.filter.Excluded(info, a.tree.IsSyncRoot(parentID)) {
		return false, a.applyItem(&cur, nil, detect.SourceEnumeration)
	}
	in := modelFromInfo(info, parentID)
	if err := a.applyItem(&cur, &in, detect.SourceEnumeration); err != nil {
		return false, err
	}
	return a.tree.Contains(cur.ID), nil
}

type listed struct {
	cur *node.Model
	in  node.Model
}

// reconcileChildren diffs a directory listing against the tracked
// children. Tracked children missing from the listing are marked deleted
// first so atomic replacements are recognized as edits, and deleted last.
func (a *Adapter) reconcileChildren(parent node.Model, items []replica.NodeInfo) error {
	atRoot := a.tree.IsSyncRoot(parent.ID)
	deep := parent.Status.Has(node.DirtyDescendants)
	seen := map[node.ID]bool{}
	var pairs []listed
	for _, info := range items {
		if a.filter.Excluded(info, atRoot) {
			continue
		}
		in := modelFromInfo(info, parent.ID)
		var cur *node.Model
		if m, ok := a.matchListed(parent.ID, info, seen); ok {
			cur = &m
			seen[m.ID] = true
		}
		if in.IsDirectory() {
			switch {
			case cur == nil || deep:
				in.Status |= node.DirtyChildren
			case cur.IsDirectory() && !cur.LastWriteTime.Equal(in.LastWriteTime):
				in.Status |= node.DirtyChildren
			}
			if deep {
				in.Status |= node.DirtyDescendants
			}
		}
		pairs = append(pairs, listed{cur: cur, in: in})
	}

	var missing []node.ID
	for _, child := range a.tree.Children(parent.ID) {
		if seen[child.ID] || child.Status.Has(node.DirtyPlaceholder) {
			continue
		}
		missing = append(missing, child.ID)
		if err := a.tree.SetStatus(child.ID, node.DirtyDeleted, 0); err != nil {
			return err
		}
	}
	for i := range pairs {
		if err := a.applyItem(pairs[i].cur, &pairs[i].in, detect.SourceEnumeration); err != nil {
			return err
		}
	}
	for _, id := range missing {
		m, ok := a.tree.Get(id)
		if !ok || m.ParentID != parent.ID || !m.Status.Has(node.DirtyDeleted) {
			continue
		}
		if err := a.applyItem(&m, nil, detect.SourceEnumeration); err != nil {
			return err
		}
	}
	return nil
}

// matchListed finds the tracked node of a listed item: by replica identity,
// else by name among same-typed children that have no identity yet.
func (a *Adapter) matchListed(parent node.ID, info replica.NodeInfo, seen map[node.ID]bool) (node.Model, bool) {
	if !info.AltID.IsZero() {
		if m, ok := a.tree.GetByAlt(info.AltID); ok {
			return m, true
		}
	}
	for _, candidate := range a.tree.ChildrenNamed(parent, info.Name) {
		if seen[candidate.ID] || !candidate.AltID.IsZero() || candidate.Type != info.Type {
			continue
		}
		if candidate.Status.Has(node.DirtyPlaceholder) {
			continue
		}
		return candidate, true
	}
	return node.Model{}, false
}

// applyItem feeds one observation to the diff engine. Rejected inputs are
// logged and skipped; anything else escapes the unit.
func (a *Adapter) applyItem(cur, in *node.Model, src detect.Source) error {
	_, err := a.engine.Apply(cur, in, src)
	if err == nil || !rejected(err) {
		return err
	}
	fields := []zap.Field{zap.String("source", src.String()), zap.Error(err)}
	if cur != nil {
		fields = append(fields, zap.Uint64("node_id", uint64(cur.ID)))
	}
	if in != nil {
		fields = append(fields, zap.String("name", in.Name), zap.Uint64("parent_id", uint64(in.ParentID)))
	}
	a.logger.Warn("observation not applied", fields...)
	return nil
}

// rejected reports errors the tree and the engine raise before mutating.
func rejected(err error) bool {
	return errors.Is(err, detect.ErrUnknownParent) ||
		errors.Is(err, node.ErrDuplicateAltID) ||
		errors.Is(err, node.ErrNotDirectory) ||
		errors.Is(err, node.ErrInvalidInput) ||
		errors.Is(err, node.ErrRootImmutable)
}

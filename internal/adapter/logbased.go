package adapter

import (
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

type observedEvent struct {
	entry replica.EventEntry
	info  *replica.NodeInfo
	err   error
}

// detectFromLog drains the replica event log. Each batch waits for the
// operations that were in flight when it was stamped, then applies in
// order within one unit.
func (a *Adapter) detectFromLog(ctx context.Context) (int, error) {
	batches, err := a.eventLog.GetEvents(ctx)
	if err != nil {
		return 0, replica.Wrap("get events", err)
	}
	total := 0
	for _, batch := range batches {
		ts := a.seq.Next()
		if err := a.seq.Wait(ctx, ts); err != nil {
			return total, replica.NewError(replica.CodeCancelled, "wait for operations", err)
		}
		events := a.observeEvents(ctx, batch)
		if err := a.do(ctx, "apply events", func() error {
			for _, ev := range events {
				if err := a.applyEvent(ev); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return total, err
		}
		total += len(batch.Entries)
		a.logger.Debug("applied event batch", zap.String("scope", batch.Scope), zap.Int("entries", len(batch.Entries)))
	}
	return total, nil
}

// observeEvents fetches metadata the backend did not deliver with an event.
func (a *Adapter) observeEvents(ctx context.Context, batch replica.EventBatch) []observedEvent {
	out := make([]observedEvent, 0, len(batch.Entries))
	for _, entry := range batch.Entries {
		ev := observedEvent{entry: entry, info: entry.Info}
		if ev.info == nil && !removal(entry.ChangeType) {
			info, err := a.client.GetInfo(ctx, replica.NodeInfo{AltID: entry.AltID, ParentAltID: entry.ParentAltID, Path: entry.Path})
			if err != nil {
				ev.err = err
			} else {
				ev.info = &info
			}
		}
		out = append(out, ev)
	}
	return out
}

func removal(c replica.ChangeType) bool {
	return c == replica.ChangeDeleted || c == replica.ChangeDeletedOrMovedFrom
}

func (a *Adapter) applyEvent(ev observedEvent) error {
	e := ev.entry
	cur, known := a.lookupEvent(e, ev.info)
	if known && a.tree.IsSyncRoot(cur.ID) {
		return nil
	}
	if removal(e.ChangeType) || ev.err != nil {
		if ev.err != nil && replica.CodeOf(ev.err) != replica.CodeObjectNotFound {
			a.logger.Warn("event metadata unavailable", zap.String("change", e.ChangeType.String()), zap.Error(ev.err))
			if known {
				return a.engine.MarkDirty(cur.ID, node.DirtyAttributes)
			}
			return nil
		}
		if !known {
			return nil
		}
		// The removal is confirmed by state-based detection; a creation at
		// the same name before then is an atomic replacement.
		return a.engine.MarkDirty(cur.ID, node.DirtyDeleted)
	}

	info := *ev.info
	var current *node.Model
	if known {
		current = &cur
	}
	parent, ok := a.eventParent(info)
	if !ok {
		root, _, inRoot := a.rootForPath(info.Path)
		syncRoot := node.ID(0)
		if inRoot {
			if m, found := a.syncRootNode(root); found {
				syncRoot = m.ID
			}
		}
		in := modelFromInfo(info, 0)
		_, err := a.engine.ApplyUnknownParent(current, in, info.ParentAltID, syncRoot)
		if err != nil && !rejected(err) {
			return err
		}
		return nil
	}
	if a.filter.Excluded(info, a.tree.IsSyncRoot(parent.ID)) {
		if known {
			return a.applyItem(current, nil, detect.SourceEventLog)
		}
		return nil
	}
	in := modelFromInfo(info, parent.ID)
	if in.IsDirectory() && !known {
		in.Status |= node.DirtyChildren
	}
	return a.applyItem(current, &in, detect.SourceEventLog)
}

func (a *Adapter) lookupEvent(e replica.EventEntry, observed *replica.NodeInfo) (node.Model, bool) {
	if !e.AltID.IsZero() {
		if m, ok := a.tree.GetByAlt(e.AltID); ok {
			return m, true
		}
	}
	if observed != nil && !observed.AltID.IsZero() {
		if m, ok := a.tree.GetByAlt(observed.AltID); ok {
			return m, true
		}
	}
	if e.Path != "" && removal(e.ChangeType) {
		return a.lookupPath(e.Path)
	}
	return node.Model{}, false
}

// eventParent resolves the parent of an observed item by identity, or by
// path when the backend reports no parent identity.
func (a *Adapter) eventParent(info replica.NodeInfo) (node.Model, bool) {
	if !info.ParentAltID.IsZero() {
		return a.tree.GetByAlt(info.ParentAltID)
	}
	if info.Path == "" {
		return node.Model{}, false
	}
	return a.lookupPath(path.Dir(cleanPath(info.Path)))
}

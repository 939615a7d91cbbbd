package adapter

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

// HandleFileHydration serves a platform demand for a byte range of a file.
// The node is resolved by id, replica identity or path, its content is
// streamed through the hydration source, and the tracked size is corrected
// once the real length is known. The node is reported HydrationPending
// while demands are in flight; only a size correction is committed.
func (a *Adapter) HandleFileHydration(ctx context.Context, demand replica.HydrationDemand) error {
	hold := a.seq.Postpone()
	defer hold.Dispose()

	var (
		m      node.Model
		denied error
	)
	if err := a.do(ctx, "resolve hydration", func() error {
		found, err := a.resolveDemand(demand.FileInfo())
		if err != nil {
			denied = err
			return nil
		}
		m = found
		a.hydrating[m.ID]++
		return nil
	}); err != nil {
		return err
	}
	if denied != nil {
		return denied
	}

	tr := a.track("hydrate", m.ID, m.Name)
	written, size, err := a.hydrate(ctx, demand, m, tr)
	code := replica.CodeOf(err)
	tr.finish(code, written)
	metrics.RecordHydration(a.name, written)

	if size >= 0 && size != demand.FileInfo().Size {
		if updErr := demand.UpdateSize(size); updErr != nil {
			a.logger.Warn("size correction rejected by platform", zap.Uint64("node_id", uint64(m.ID)), zap.Error(updErr))
		}
	}
	if doErr := a.do(context.WithoutCancel(ctx), "complete hydration", func() error {
		if a.hydrating[m.ID]--; a.hydrating[m.ID] <= 0 {
			delete(a.hydrating, m.ID)
		}
		cur, ok := a.tree.Get(m.ID)
		if !ok || size < 0 || cur.Size == size || cur.ContentVersion != m.ContentVersion {
			return nil
		}
		updated := cur
		updated.Size = size
		return a.tree.Update(cur.ID, updated)
	}); doErr != nil {
		return errors.Join(err, doErr)
	}

	switch {
	case err == nil:
		a.logger.Debug("hydration served", zap.Uint64("node_id", uint64(m.ID)), zap.Int64("bytes", written))
	case code == replica.CodeCancelled:
		a.logger.Debug("hydration cancelled", zap.Uint64("node_id", uint64(m.ID)))
	default:
		a.logger.Warn("hydration failed", zap.Uint64("node_id", uint64(m.ID)), zap.String("code", code.String()), zap.Error(err))
	}
	return err
}

func (a *Adapter) resolveDemand(info replica.NodeInfo) (node.Model, error) {
	const op = "hydrate"
	var (
		m  node.Model
		ok bool
	)
	if info.ID != 0 {
		m, ok = a.tree.Get(info.ID)
	}
	if !ok && !info.AltID.IsZero() {
		m, ok = a.tree.GetByAlt(info.AltID)
	}
	if !ok && info.Path != "" {
		m, ok = a.lookupPath(info.Path)
	}
	switch {
	case !ok:
		return m, replica.Errorf(replica.CodeObjectNotFound, op, "no tracked file for %q", info.Path)
	case !m.IsFile():
		return m, replica.Errorf(replica.CodeObjectNotFound, op, "node %d is not a file", m.ID)
	}
	return m, nil
}

func (a *Adapter) hydrationSource() RevisionProvider {
	if a.opts.HydrationSource != nil {
		return a.opts.HydrationSource
	}
	return a.revisions
}

// hydrate copies the demanded range. It returns the bytes written and the
// file size when it became known, or -1.
func (a *Adapter) hydrate(ctx context.Context, demand replica.HydrationDemand, m node.Model, tr *tracker) (int64, int64, error) {
	rev, err := a.hydrationSource().OpenForReading(ctx, m.ID, m.ContentVersion)
	if err != nil {
		return 0, -1, replica.Wrap("hydrate", err)
	}
	defer rev.Close()

	size := rev.Size()
	offset := demand.Offset()
	body := newTransferReader(ctx, rev, tr)
	if offset > 0 {
		skipped, err := skip(rev, body, offset)
		if err == io.EOF {
			return 0, skipped, nil
		}
		if err != nil {
			return 0, -1, replica.Wrap("hydrate", err)
		}
	}

	var written int64
	eof := false
	if length := demand.Length(); length < 0 {
		written, err = io.Copy(demand.Writer(), body)
		eof = err == nil
	} else {
		written, err = io.CopyN(demand.Writer(), body, length)
		if err == io.EOF {
			eof, err = true, nil
		}
	}
	if err != nil {
		return written, -1, replica.Wrap("hydrate", err)
	}
	if eof {
		size = offset + written
	}
	return written, size, nil
}

// skip advances to offset, seeking when the revision supports it.
func skip(rev replica.Revision, body io.Reader, offset int64) (int64, error) {
	if seeker, ok := rev.(io.Seeker); ok {
		pos, err := seeker.Seek(offset, io.SeekStart)
		if err != nil {
			return pos, err
		}
		if size := rev.Size(); size >= 0 && offset > size {
			return size, io.EOF
		}
		return pos, nil
	}
	n, err := io.CopyN(io.Discard, body, offset)
	return n, err
}

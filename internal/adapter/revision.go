package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

// RevisionProvider opens file content by node id and content version.
type RevisionProvider interface {
	OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error)
}

// OpenForReading opens the content of file id at exactly contentVersion.
// Copies whose content is not on the replica yet are read from their
// source through the paired revision source, when one is configured.
func (a *Adapter) OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error) {
	return a.revisions.OpenForReading(ctx, id, contentVersion)
}

// replicaRevisions reads straight from the adapter's own replica.
type replicaRevisions struct {
	a *Adapter
}

// OpenForReading validates that id is a readable file at exactly
// contentVersion and opens it on the replica. Every refusal is a typed
// replica.Error. Copies whose content is not on the replica yet fail with
// CodePartial.
func (r replicaRevisions) OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error) {
	a := r.a
	var (
		info    replica.NodeInfo
		denied  error
		copySrc bool
	)
	if err := a.do(ctx, "open for reading", func() error {
		m, err := a.validateRead(id, contentVersion)
		if err != nil {
			denied = err
			return nil
		}
		_, copySrc = a.links[id]
		info = a.nodeInfo(m)
		return nil
	}); err != nil {
		return nil, err
	}
	if denied != nil {
		return nil, denied
	}
	if copySrc && info.AltID.IsZero() {
		return nil, replica.Errorf(replica.CodePartial, "open for reading", "copy %d has no replica content yet", id)
	}
	rev, err := a.client.OpenForReading(ctx, info)
	if err != nil {
		code := replica.CodeOf(err)
		if copySrc && (code == replica.CodeObjectNotFound || code == replica.CodePartial) {
			return nil, replica.NewError(replica.CodePartial, "open for reading", err)
		}
		return nil, replica.Wrap("open for reading", err)
	}
	return rev, nil
}

// newRevisions builds the read path of a: its replica, wrapped in the copy
// fallback when a paired revision source can resolve copy sources.
func newRevisions(a *Adapter) RevisionProvider {
	own := replicaRevisions{a: a}
	peer, ok := a.opts.RevisionSource.(PathResolver)
	if !ok {
		return own
	}
	return &FallbackRevisionProvider{
		Primary:  own,
		Links:    a,
		Mapper:   PathMapper(peer),
		Fallback: a.opts.RevisionSource,
		Logger:   a.logger,
	}
}

func (a *Adapter) validateRead(id node.ID, contentVersion uint64) (node.Model, error) {
	const op = "open for reading"
	m, ok := a.tree.Get(id)
	switch {
	case !ok:
		return m, replica.Errorf(replica.CodeObjectNotFound, op, "node %d is not tracked", id)
	case !m.IsFile():
		return m, replica.Errorf(replica.CodeObjectNotFound, op, "node %d is not a file", id)
	case !a.rootEnabled(id):
		return m, replica.Errorf(replica.CodeSyncRootDisabled, op, "node %d", id)
	case dirty.InPlaceholder(a.tree, id):
		return m, replica.Errorf(replica.CodeDirtyNode, op, "node %d is a dirty placeholder", id)
	case dirty.BranchIsDeleted(a.tree, id):
		return m, replica.Errorf(replica.CodeObjectNotFound, op, "node %d is deleted", id)
	case m.ContentVersion != contentVersion:
		return m, replica.Errorf(replica.CodeVersionMismatch, op, "node %d is at version %d, not %d", id, m.ContentVersion, contentVersion)
	}
	if debounce := a.opts.ReadDebounce; debounce > 0 && !m.LastWriteTime.IsZero() && a.now().Sub(m.LastWriteTime) < debounce {
		return m, replica.Errorf(replica.CodeLastWriteTimeTooRecent, op, "node %d written at %s", id, m.LastWriteTime)
	}
	return m, nil
}

// CopySource returns the link recorded when id was created by a copy
// across move scopes.
func (a *Adapter) CopySource(ctx context.Context, id node.ID) (detect.CopyLink, bool, error) {
	var (
		link detect.CopyLink
		ok   bool
	)
	err := a.do(ctx, "copy source", func() error {
		link, ok = a.links[id]
		return nil
	})
	return link, ok, err
}

type CopySourceLookup interface {
	CopySource(ctx context.Context, id node.ID) (detect.CopyLink, bool, error)
}

// SourceMapper maps the source of a copy to an id and version readable
// through a fallback provider.
type SourceMapper interface {
	MapCopySource(ctx context.Context, link detect.CopyLink) (node.ID, uint64, error)
}

type MapperFunc func(ctx context.Context, link detect.CopyLink) (node.ID, uint64, error)

func (f MapperFunc) MapCopySource(ctx context.Context, link detect.CopyLink) (node.ID, uint64, error) {
	return f(ctx, link)
}

// PathResolver finds a tracked node by its segments below the tree root,
// the sync root id first.
type PathResolver interface {
	LookupPath(ctx context.Context, segments []string) (node.Model, bool, error)
}

// PathMapper maps a copy source to the node of the paired adapter at the
// path the source had when it was copied. Paired adapters share sync root
// ids, and the peer still holds the old path until the move reaches it.
func PathMapper(peer PathResolver) SourceMapper {
	return MapperFunc(func(ctx context.Context, link detect.CopyLink) (node.ID, uint64, error) {
		const op = "map copy source"
		if len(link.SourcePath) == 0 {
			return 0, 0, replica.Errorf(replica.CodeObjectNotFound, op, "copy %d has no source path", link.CopyID)
		}
		m, ok, err := peer.LookupPath(ctx, link.SourcePath)
		if err != nil {
			return 0, 0, err
		}
		if !ok || !m.IsFile() {
			return 0, 0, replica.Errorf(replica.CodeObjectNotFound, op, "no file at /%s", strings.Join(link.SourcePath, "/"))
		}
		return m.ID, m.ContentVersion, nil
	})
}

type redirectedKey struct{}

// FallbackRevisionProvider redirects reads that fail with CodePartial to
// the source of the copy that produced the node.
type FallbackRevisionProvider struct {
	Primary  RevisionProvider
	Links    CopySourceLookup
	Mapper   SourceMapper
	Fallback RevisionProvider
	Logger   *zap.Logger
}

func (f *FallbackRevisionProvider) OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error) {
	rev, err := f.Primary.OpenForReading(ctx, id, contentVersion)
	if err == nil || !errors.Is(err, replica.ErrPartial) || f.Links == nil || f.Mapper == nil {
		return rev, err
	}
	// A read redirected once is not redirected again, so two paired
	// adapters never bounce a read between them.
	if ctx.Value(redirectedKey{}) != nil {
		return nil, err
	}
	link, ok, linkErr := f.Links.CopySource(ctx, id)
	if linkErr != nil {
		return nil, errors.Join(err, linkErr)
	}
	if !ok {
		return nil, err
	}
	sourceID, sourceVersion, mapErr := f.Mapper.MapCopySource(ctx, link)
	if mapErr != nil {
		return nil, errors.Join(err, mapErr)
	}
	target := f.Fallback
	if target == nil {
		target = f.Primary
	}
	if f.Logger != nil {
		f.Logger.Debug("redirecting read to copy source",
			zap.Uint64("node_id", uint64(id)),
			zap.Uint64("source_id", uint64(sourceID)),
			zap.Uint64("source_version", sourceVersion),
		)
	}
	return target.OpenForReading(context.WithValue(ctx, redirectedKey{}, true), sourceID, sourceVersion)
}

// LateBound holds a collaborator that only exists after its owner was
// constructed, such as the revision provider of the paired adapter.
type LateBound[T any] struct {
	name  string
	mu    sync.RWMutex
	value T
	bound bool
}

func NewLateBound[T any](name string) *LateBound[T] {
	return &LateBound[T]{name: name}
}

// Bind sets the target once.
func (l *LateBound[T]) Bind(value T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound {
		return fmt.Errorf("%s is already bound", l.name)
	}
	l.value = value
	l.bound = true
	return nil
}

func (l *LateBound[T]) Bound() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bound
}

// Get fails with ErrUnbound until Bind was called.
func (l *LateBound[T]) Get() (T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.bound {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrUnbound, l.name)
	}
	return l.value, nil
}

// LateRevisionProvider is a RevisionProvider whose target is bound later.
type LateRevisionProvider struct {
	*LateBound[RevisionProvider]
}

func NewLateRevisionProvider(name string) LateRevisionProvider {
	return LateRevisionProvider{LateBound: NewLateBound[RevisionProvider](name)}
}

func (p LateRevisionProvider) OpenForReading(ctx context.Context, id node.ID, contentVersion uint64) (replica.Revision, error) {
	target, err := p.Get()
	if err != nil {
		return nil, err
	}
	return target.OpenForReading(ctx, id, contentVersion)
}

// LookupPath resolves through the bound target when it tracks paths.
func (p LateRevisionProvider) LookupPath(ctx context.Context, segments []string) (node.Model, bool, error) {
	target, err := p.Get()
	if err != nil {
		return node.Model{}, false, err
	}
	resolver, ok := target.(PathResolver)
	if !ok {
		return node.Model{}, false, replica.Errorf(replica.CodeNotSupported, "lookup path", "%s does not resolve paths", p.name)
	}
	return resolver.LookupPath(ctx, segments)
}

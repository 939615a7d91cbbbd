package adapter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/ratelimit"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

func execute(t *testing.T, a *Adapter, op Operation) ExecutionResult {
	t.Helper()
	result, err := a.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute %s failed: %v", op.Type, err)
	}
	return result
}

func TestExecuteClosesLoopIntoSyncedLog(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("/data", "/data/docs")
	source := newFakeSource()
	source.contents[40] = "hello"
	opts := docsOptions(fs)
	opts.RevisionSource = source
	a := connectAdapter(t, opts)
	detectOnce(t, a)
	roots, err := a.SyncRoots(ctx)
	if err != nil {
		t.Fatalf("sync roots failed: %v", err)
	}
	docs := roots["docs"]

	created := execute(t, a, Operation{
		Type:     node.OpCreate,
		ParentID: docs.ID,
		Name:     "new.txt",
		NodeType: node.TypeFile,
		Source:   &ContentRef{ID: 40, ContentVersion: 3},
	})
	if !created.Succeeded() || created.Model == nil {
		t.Fatalf("expected create to succeed with a model, got %+v", created)
	}
	if content, _ := fs.content("/data/docs/new.txt"); content != "hello" {
		t.Fatalf("expected uploaded content 'hello', got %q", content)
	}
	if created.Model.AltID != fs.altOf("/data/docs/new.txt") {
		t.Fatalf("expected model to carry replica identity, got %s", created.Model)
	}
	id := created.Model.ID

	source.contents[40] = "hello again"
	edited := execute(t, a, Operation{Type: node.OpEdit, NodeID: id, Source: &ContentRef{ID: 40, ContentVersion: 4}})
	if !edited.Succeeded() {
		t.Fatalf("expected edit to succeed, got %+v", edited)
	}
	if edited.Model.ContentVersion <= created.Model.ContentVersion {
		t.Fatalf("expected content version to advance past %d, got %d", created.Model.ContentVersion, edited.Model.ContentVersion)
	}
	if content, _ := fs.content("/data/docs/new.txt"); content != "hello again" {
		t.Fatalf("expected edited content, got %q", content)
	}

	moved := execute(t, a, Operation{Type: node.OpMove, NodeID: id, ParentID: docs.ID, Name: "renamed.txt"})
	if !moved.Succeeded() || moved.Model.Name != "renamed.txt" {
		t.Fatalf("expected rename to succeed, got %+v", moved)
	}
	if !fs.exists("/data/docs/renamed.txt") || fs.exists("/data/docs/new.txt") {
		t.Fatalf("expected replica item to be renamed")
	}

	deleted := execute(t, a, Operation{Type: node.OpDelete, NodeID: id})
	if !deleted.Succeeded() {
		t.Fatalf("expected delete to succeed, got %+v", deleted)
	}
	if fs.exists("/data/docs/renamed.txt") {
		t.Fatalf("expected replica item to be deleted")
	}

	synced := pending(a, changes.Synced)
	want := []node.OperationType{node.OpCreate, node.OpEdit, node.OpMove, node.OpDelete}
	if len(synced) != len(want) {
		t.Fatalf("expected %d synced entries, got %v", len(want), synced)
	}
	for i, entry := range synced {
		if entry.Type != want[i] || entry.Model.ID != id {
			t.Fatalf("expected synced entry %d to be %s of %d, got %s %s", i, want[i], id, entry.Type, entry.Model)
		}
	}
	detectOnce(t, a)
	if got := pending(a, changes.Detected); len(got) != 0 {
		t.Fatalf("expected executed operations not to be detected again, got %v", got)
	}
}

func TestExecuteRefusesDirtyAndConflictingTargets(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("/data", "/data/docs")
	fs.write("/data/docs/a.txt", "a")
	fs.write("/data/docs/b.txt", "b")
	a := connectAdapter(t, docsOptions(fs))
	detectOnce(t, a)
	roots, _ := a.SyncRoots(ctx)
	docs := roots["docs"]
	fileA := nodeAt(t, a, "docs", "a.txt")
	fileB := nodeAt(t, a, "docs", "b.txt")

	conflict := execute(t, a, Operation{Type: node.OpCreate, ParentID: docs.ID, Name: "a.txt", NodeType: node.TypeDirectory})
	if conflict.Code != replica.CodeNameConflict || !conflict.Retryable {
		t.Fatalf("expected retryable NameConflict, got %+v", conflict)
	}
	if n := fs.callCount("create-directory"); n != 0 {
		t.Fatalf("expected no replica call for a refused operation, got %d", n)
	}

	// c.txt exists on the replica but was never detected.
	fs.write("/data/docs/c.txt", "c")
	stale := execute(t, a, Operation{Type: node.OpCreate, ParentID: docs.ID, Name: "c.txt", NodeType: node.TypeDirectory})
	if stale.Code != replica.CodeDirtyBranch {
		t.Fatalf("expected stale name clash to report DirtyBranch, got %+v", stale)
	}
	if m := nodeAt(t, a, "docs"); !m.Status.Has(node.DirtyChildren) {
		t.Fatalf("expected parent to be marked for enumeration, got %s", m.Status)
	}

	markDirty(t, a, fileA.ID, node.DirtyAttributes)
	dirtyNode := execute(t, a, Operation{Type: node.OpDelete, NodeID: fileA.ID})
	if dirtyNode.Code != replica.CodeDirtyNode {
		t.Fatalf("expected DirtyNode, got %+v", dirtyNode)
	}

	if err := a.Rescan(ctx); err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	dirtyBranch := execute(t, a, Operation{Type: node.OpDelete, NodeID: fileB.ID})
	if dirtyBranch.Code != replica.CodeDirtyBranch {
		t.Fatalf("expected DirtyBranch, got %+v", dirtyBranch)
	}
	if n := fs.callCount("delete"); n != 0 {
		t.Fatalf("expected no delete to reach the replica, got %d", n)
	}

	root := execute(t, a, Operation{Type: node.OpDelete, NodeID: docs.ID})
	if root.Code != replica.CodeNotSupported || root.Retryable {
		t.Fatalf("expected terminal NotSupported for the sync root, got %+v", root)
	}
}

func TestExecuteRejectsCyclicMove(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("/data", "/data/docs", "/data/docs/outer", "/data/docs/outer/inner")
	a := connectAdapter(t, docsOptions(fs))
	detectOnce(t, a)
	outer := nodeAt(t, a, "docs", "outer")
	inner := nodeAt(t, a, "docs", "outer", "inner")

	result := execute(t, a, Operation{Type: node.OpMove, NodeID: outer.ID, ParentID: inner.ID, Name: "outer"})
	if result.Code != replica.CodeNotSupported {
		t.Fatalf("expected cyclic move to be refused, got %+v", result)
	}
	if m, _, _ := a.Get(ctx, outer.ID); m.ParentID != outer.ParentID {
		t.Fatalf("expected tree to be unchanged, got parent %d", m.ParentID)
	}
}

func TestExecuteRateLimitsRetries(t *testing.T) {
	fs := newFakeFS("/data", "/data/docs")
	fs.write("/data/docs/a.txt", "a")
	source := newFakeSource()
	source.contents[7] = "new content"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewOperationLimiter(ratelimit.Config{MinDelay: 5 * time.Second, MaxDelay: time.Minute})
	limiter.SetClock(func() time.Time { return now })
	opts := docsOptions(fs)
	opts.RevisionSource = source
	opts.Limiter = limiter
	a := connectAdapter(t, opts)
	detectOnce(t, a)
	file := nodeAt(t, a, "docs", "a.txt")
	op := Operation{Type: node.OpEdit, NodeID: file.ID, Source: &ContentRef{ID: 7, ContentVersion: 1}}

	fs.failNext("write-revision", errors.New("backend unavailable"))
	first := execute(t, a, op)
	if first.Status != ResultFailed || first.Code != replica.CodeUnknown || !first.Retryable {
		t.Fatalf("expected retryable Unknown failure, got %+v", first)
	}
	if first.RetryAfter != 5*time.Second {
		t.Fatalf("expected retry after 5s, got %s", first.RetryAfter)
	}

	second := execute(t, a, op)
	if second.Code != replica.CodeRetryRateLimitExceeded {
		t.Fatalf("expected RetryRateLimitExceeded, got %+v", second)
	}
	if n := fs.callCount("write-revision"); n != 1 {
		t.Fatalf("expected throttled retry to skip the replica, got %d calls", n)
	}

	now = now.Add(6 * time.Second)
	third := execute(t, a, op)
	if !third.Succeeded() {
		t.Fatalf("expected retry after delay to succeed, got %+v", third)
	}
	if d := limiter.Items.Delay(file.ID); d != 0 {
		t.Fatalf("expected success to reset the item delay, got %s", d)
	}
}

func TestExecuteWithoutSourceIsNotSupported(t *testing.T) {
	fs := newFakeFS("/data", "/data/docs")
	a := connectAdapter(t, docsOptions(fs))
	detectOnce(t, a)
	docs := nodeAt(t, a, "docs")

	result := execute(t, a, Operation{Type: node.OpCreate, ParentID: docs.ID, Name: "x.txt", NodeType: node.TypeFile})
	if result.Code != replica.CodeNotSupported {
		t.Fatalf("expected NotSupported, got %+v", result)
	}
	result = execute(t, a, Operation{Type: node.OpUpdate, NodeID: docs.ID})
	if result.Code != replica.CodeNotSupported {
		t.Fatalf("expected update to be refused, got %+v", result)
	}
}

func TestExecuteCancelledIsNotAFailure(t *testing.T) {
	fs := newFakeFS("/data", "/data/docs")
	a := connectAdapter(t, docsOptions(fs))
	detectOnce(t, a)
	docs := nodeAt(t, a, "docs")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := a.Execute(ctx, Operation{Type: node.OpCreate, ParentID: docs.ID, Name: "d", NodeType: node.TypeDirectory})
	if err != nil {
		t.Fatalf("expected cancellation as a result, got error %v", err)
	}
	if result.Status != ResultCancelled || result.Code != replica.CodeCancelled {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
}

func TestCrossScopeMoveCopiesAndFallsBackToSource(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("/data", "/data/a", "/data/b", "/data/a/d")
	fs.write("/data/a/d/f.txt", "payload")
	a := connectAdapter(t, Options{
		Name:   "cloud",
		Client: fs,
		Roots: []Root{
			{ID: "a", Path: "/data/a", Scope: "share-a", Enabled: true},
			{ID: "b", Path: "/data/b", Scope: "share-b", Enabled: true},
		},
		OnDemand: true,
	})
	detectOnce(t, a)
	roots, _ := a.SyncRoots(ctx)
	dir := nodeAt(t, a, "a", "d")
	file := nodeAt(t, a, "a", "d", "f.txt")

	result := execute(t, a, Operation{Type: node.OpMove, NodeID: dir.ID, ParentID: roots["b"].ID, Name: "d"})
	if !result.Succeeded() {
		t.Fatalf("expected cross scope move to succeed, got %+v", result)
	}
	if fs.exists("/data/a/d") || !fs.exists("/data/b/d/f.txt") {
		t.Fatalf("expected replica branch to be copied then deleted")
	}
	synced := pending(a, changes.Synced)
	if len(synced) != 3 {
		t.Fatalf("expected two creations and one deletion, got %v", synced)
	}
	if synced[0].Type != node.OpCreate || synced[1].Type != node.OpCreate || synced[2].Type != node.OpDelete {
		t.Fatalf("expected create, create, delete, got %v", synced)
	}
	if synced[2].Model.ID != dir.ID {
		t.Fatalf("expected source %d to be deleted, got %d", dir.ID, synced[2].Model.ID)
	}

	copied := nodeAt(t, a, "b", "d", "f.txt")
	if !copied.AltID.IsZero() {
		t.Fatalf("expected copy to wait for its replica identity, got %s", copied.AltID)
	}
	if copied.ContentVersion != file.ContentVersion {
		t.Fatalf("expected copy to keep version %d, got %d", file.ContentVersion, copied.ContentVersion)
	}
	if _, err := a.OpenForReading(ctx, copied.ID, copied.ContentVersion); !errors.Is(err, replica.ErrPartial) {
		t.Fatalf("expected Partial for an unmatched copy, got %v", err)
	}

	fallback := newFakeSource()
	fallback.contents[file.ID] = "payload"
	provider := &FallbackRevisionProvider{
		Primary: a,
		Links:   a,
		Mapper: MapperFunc(func(_ context.Context, link detect.CopyLink) (node.ID, uint64, error) {
			return link.SourceID, link.SourceContentVersion, nil
		}),
		Fallback: fallback,
	}
	rev, err := provider.OpenForReading(ctx, copied.ID, copied.ContentVersion)
	if err != nil {
		t.Fatalf("expected fallback read to succeed, got %v", err)
	}
	data, _ := io.ReadAll(rev)
	_ = rev.Close()
	if string(data) != "payload" {
		t.Fatalf("expected source content, got %q", string(data))
	}
	if len(fallback.opened) != 1 || fallback.opened[0].ID != file.ID || fallback.opened[0].ContentVersion != file.ContentVersion {
		t.Fatalf("expected read of source %d@%d, got %v", file.ID, file.ContentVersion, fallback.opened)
	}

	detectOnce(t, a)
	matched := nodeAt(t, a, "b", "d", "f.txt")
	if matched.AltID != fs.altOf("/data/b/d/f.txt") {
		t.Fatalf("expected enumeration to match the copy, got %s", matched.AltID)
	}
	rev, err = a.OpenForReading(ctx, matched.ID, matched.ContentVersion)
	if err != nil {
		t.Fatalf("expected direct read after matching, got %v", err)
	}
	_ = rev.Close()
}

func TestActivityReportsExecutionStages(t *testing.T) {
	fs := newFakeFS("/data", "/data/docs")
	a := connectAdapter(t, docsOptions(fs))
	detectOnce(t, a)
	docs := nodeAt(t, a, "docs")
	events, cancel := a.Activity().Subscribe(8)
	defer cancel()

	execute(t, a, Operation{Type: node.OpCreate, ParentID: docs.ID, Name: "made", NodeType: node.TypeDirectory})

	var stages []Stage
	for len(stages) < 2 {
		select {
		case ev := <-events:
			stages = append(stages, ev.Stage)
			if ev.Kind != "create" || ev.Adapter != "local" {
				t.Fatalf("expected create activity of adapter local, got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected activity, got %v", stages)
		}
	}
	if stages[0] != StageStarted || stages[1] != StageSucceeded {
		t.Fatalf("expected started then succeeded, got %v", stages)
	}
	cancel()
	if n := a.Activity().Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers after cancel, got %d", n)
	}
}

func TestLateRevisionProviderFailsUntilBound(t *testing.T) {
	provider := NewLateRevisionProvider("paired")
	if _, err := provider.OpenForReading(context.Background(), 1, 1); !errors.Is(err, ErrUnbound) {
		t.Fatalf("expected ErrUnbound, got %v", err)
	}
	source := newFakeSource()
	source.contents[1] = "bound"
	if err := provider.Bind(source); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := provider.Bind(source); err == nil {
		t.Fatalf("expected second bind to fail")
	}
	rev, err := provider.OpenForReading(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("expected bound provider to read, got %v", err)
	}
	_ = rev.Close()
}

type failingMarker struct {
	fail node.ID
	seen []node.ID
}

func (m *failingMarker) MarkDirty(id node.ID, _ node.Status) error {
	m.seen = append(m.seen, id)
	if id == m.fail {
		return errors.New("tree rejected update")
	}
	return nil
}

func TestMarkStaleLogsRejectedMarks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	marker := &failingMarker{fail: 7}
	markStale(zap.New(core), marker,
		staleMark{id: 5, flags: node.DirtyAttributes},
		staleMark{id: 7, flags: node.DirtyChildren},
		staleMark{id: 9, flags: node.DirtyChildren},
	)
	if len(marker.seen) != 3 {
		t.Fatalf("expected every mark to be attempted, got %v", marker.seen)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["node_id"]; got != uint64(7) {
		t.Fatalf("expected warning for node 7, got %v", got)
	}
}

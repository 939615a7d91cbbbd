package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/node"
)

func sampleChangeSet() *ChangeSet {
	lwt := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	file := node.Model{ID: 3, ParentID: 2, Name: "a.txt", Type: node.TypeFile, AltID: node.AltID{Scope: "vol", External: "42"}, ContentVersion: 1, LastWriteTime: lwt, Size: 5, Status: node.DirtyAttributes}
	cs := &ChangeSet{
		Upserts: []node.Model{
			{ID: node.RootID, Name: "root", Type: node.TypeDirectory},
			{ID: 2, ParentID: node.RootID, Name: "sync", Type: node.TypeDirectory, AltID: node.AltID{Scope: "vol", External: "2"}},
			file,
		},
		Appended: []AppendedEntry{
			{Log: changes.Detected, Entry: changes.Entry{ID: 1, Type: node.OpCreate, Model: file}},
			{Log: changes.Detected, Entry: changes.Entry{ID: 2, Type: node.OpEdit, Model: file}},
		},
		Links:              []detect.CopyLink{{CopyID: 3, SourceID: 9, SourceAltID: node.AltID{Scope: "other", External: "9"}, SourceContentVersion: 1, SourcePath: []string{"a", "d", "a.txt"}}},
		LastNodeID:         3,
		LastContentVersion: 1,
	}
	cs.SetCursor(changes.Detected, 2, 0)
	return cs
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	snapshot, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}
	if err := backend.Commit(ctx, sampleChangeSet()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	snapshot, err = backend.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %+v", snapshot)
	}
	got := snapshot.Nodes[3]
	want := sampleChangeSet().Upserts[2]
	if got.Name != want.Name || got.AltID != want.AltID || got.Status != want.Status || !got.LastWriteTime.Equal(want.LastWriteTime) || got.ContentVersion != 1 {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	detected := snapshot.Logs[changes.Detected]
	if detected == nil || len(detected.Entries) != 2 || detected.LastID != 2 {
		t.Fatalf("expected two detected entries, got %+v", detected)
	}
	if detected.Entries[1].Type != node.OpEdit || detected.Entries[1].Model.Name != "a.txt" {
		t.Fatalf("expected edit of a.txt, got %+v", detected.Entries[1])
	}
	if snapshot.LastNodeID != 3 || snapshot.LastContentVersion != 1 {
		t.Fatalf("expected sequences 3/1, got %d/%d", snapshot.LastNodeID, snapshot.LastContentVersion)
	}
	if link, ok := snapshot.CopyLinks[3]; !ok || link.SourceAltID.External != "9" || len(link.SourcePath) != 3 || link.SourcePath[2] != "a.txt" {
		t.Fatalf("expected copy link for node 3, got %+v", snapshot.CopyLinks)
	}

	next := &ChangeSet{Deletes: []node.ID{3}, Unlinked: []node.ID{3}, LastNodeID: 4}
	next.SetCursor(changes.Detected, 2, 1)
	if err := backend.Commit(ctx, next); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	snapshot, err = backend.Load(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := snapshot.Nodes[3]; ok {
		t.Fatalf("expected node 3 deleted")
	}
	if len(snapshot.CopyLinks) != 0 {
		t.Fatalf("expected copy link removed, got %+v", snapshot.CopyLinks)
	}
	detected = snapshot.Logs[changes.Detected]
	if len(detected.Entries) != 1 || detected.Entries[0].ID != 2 || detected.Acked != 1 || detected.LastID != 2 {
		t.Fatalf("expected one unacked entry after ack, got %+v", detected)
	}
	if snapshot.LastNodeID != 4 {
		t.Fatalf("expected last node id 4, got %d", snapshot.LastNodeID)
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestJSONFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	exerciseBackend(t, NewJSONFileBackend(path))

	reopened := NewJSONFileBackend(path)
	snapshot, err := reopened.Load(context.Background())
	if err != nil {
		t.Fatalf("reopen load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Nodes) != 2 {
		t.Fatalf("expected 2 nodes after reopen, got %+v", snapshot)
	}
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	backend, err := NewSQLiteBackend(path, "adapter-a")
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	exerciseBackend(t, backend)

	other, err := NewSQLiteBackend(path, "adapter-b")
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	snapshot, err := other.Load(context.Background())
	if err != nil {
		t.Fatalf("load other adapter failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected adapters isolated by key, got %+v", snapshot)
	}
}

func TestMemoryBackendLoadReturnsCopy(t *testing.T) {
	backend := NewMemoryBackend()
	if err := backend.Commit(context.Background(), sampleChangeSet()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	first, _ := backend.Load(context.Background())
	delete(first.Nodes, 3)
	second, _ := backend.Load(context.Background())
	if _, ok := second.Nodes[3]; !ok {
		t.Fatalf("expected committed state unaffected by caller mutation")
	}
}

func TestEmptyChangeSetIsNoop(t *testing.T) {
	backend := NewJSONFileBackend(filepath.Join(t.TempDir(), "state.json"))
	if err := backend.Commit(context.Background(), &ChangeSet{}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	snapshot, err := backend.Load(context.Background())
	if err != nil || snapshot != nil {
		t.Fatalf("expected nothing persisted, got %+v (%v)", snapshot, err)
	}
}

func TestBuildFromDSN(t *testing.T) {
	backend, err := BuildFromDSN("memory://", "a")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err = BuildFromDSN("file://"+path, "a")
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if fb, ok := backend.(*JSONFileBackend); !ok || fb.Path != path {
		t.Fatalf("expected file backend at %s, got %#v", path, backend)
	}
	backend, err = BuildFromDSN("sqlite::memory:", "a")
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	if sb, ok := backend.(*SQLBackend); !ok || sb.dsn != ":memory:" {
		t.Fatalf("expected in-memory sqlite backend, got %#v", backend)
	}
	backend, err = BuildFromDSN("postgres://localhost/shadowsync?sslmode=disable", "a")
	if err != nil || backend == nil {
		t.Fatalf("expected postgres backend, got %v", err)
	}
	if _, err := BuildFromDSN("mysql://localhost/shadowsync", "a"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
	if backend, err := BuildFromDSN("", "a"); backend != nil || err != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v %v", backend, err)
	}
}

func TestRegisterFactory(t *testing.T) {
	RegisterFactory("statetestcustom", func(dsn, key string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, err := BuildFromDSN("statetestcustom://example", "a")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered factory")
	}
}

func TestSQLBackendBindNumbersPlaceholders(t *testing.T) {
	pg, _ := NewPostgresBackend("postgres://localhost/x", "a")
	if got := pg.bind("SELECT ? WHERE a = ? AND b = ?"); got != "SELECT $1 WHERE a = $2 AND b = $3" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite, _ := NewSQLiteBackend(":memory:", "a")
	if got := lite.bind("a = ?"); got != "a = ?" {
		t.Fatalf("expected sqlite query untouched, got %s", got)
	}
}

func TestSQLiteSchemaIndexesAndDirtyTable(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"), "adapter-a")
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	if err := backend.Commit(ctx, sampleChangeSet()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	for _, name := range []string{"shadowsync_nodes_alt_idx", "shadowsync_nodes_parent_idx", "shadowsync_dirty"} {
		var found string
		err := backend.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE name = ?", name).Scan(&found)
		if err != nil {
			t.Fatalf("expected schema object %s, got %v", name, err)
		}
	}
	var flags int64
	if err := backend.db.QueryRowContext(ctx, `SELECT flags FROM "shadowsync_dirty" WHERE adapter_key = ? AND id = ?`, "adapter-a", 3).Scan(&flags); err != nil {
		t.Fatalf("expected dirty row for node 3, got %v", err)
	}
	if node.Status(flags) != node.DirtyAttributes {
		t.Fatalf("expected DirtyAttributes, got %s", node.Status(flags))
	}

	// Node 4 takes the alt id of node 3, which is cleaned in the same commit.
	lwt := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	clean := node.Model{ID: 3, ParentID: 2, Name: "a.txt", Type: node.TypeFile, AltID: node.AltID{Scope: "vol", External: "43"}, ContentVersion: 1, LastWriteTime: lwt}
	taker := node.Model{ID: 4, ParentID: 2, Name: "b.txt", Type: node.TypeFile, AltID: node.AltID{Scope: "vol", External: "42"}, ContentVersion: 2, LastWriteTime: lwt}
	if err := backend.Commit(ctx, &ChangeSet{Upserts: []node.Model{taker, clean}, LastNodeID: 4}); err != nil {
		t.Fatalf("commit with alt id handover failed: %v", err)
	}
	var rows int
	if err := backend.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "shadowsync_dirty" WHERE adapter_key = ?`, "adapter-a").Scan(&rows); err != nil {
		t.Fatalf("count dirty rows: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected dirty row cleared, got %d rows", rows)
	}
	snapshot, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot.Nodes[4].AltID.External != "42" || snapshot.Nodes[3].AltID.External != "43" {
		t.Fatalf("expected alt ids handed over, got %+v", snapshot.Nodes)
	}
	if snapshot.Nodes[3].Status.Any(node.DirtyMask) {
		t.Fatalf("expected node 3 clean, got %s", snapshot.Nodes[3].Status)
	}

	dup := node.Model{ID: 5, ParentID: 2, Name: "c.txt", Type: node.TypeFile, AltID: node.AltID{Scope: "vol", External: "42"}}
	_, err = backend.db.ExecContext(ctx, `INSERT INTO "shadowsync_nodes" (adapter_key, id, parent_id, name, node_type, alt_scope, alt_external,
		status, content_version, last_write_time, size, revision_id) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, '')`,
		"adapter-a", int64(dup.ID), int64(dup.ParentID), dup.Name, int(dup.Type), dup.AltID.Scope, dup.AltID.External)
	if err == nil {
		t.Fatalf("expected the alt id index to reject a second holder")
	}
}

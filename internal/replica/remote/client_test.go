package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

func connectedRemote(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	c, err := New(api, Options{Workspace: "ws_test"})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return c, api
}

func TestNewRequiresWorkspace(t *testing.T) {
	if _, err := New(newFakeAPI(), Options{Workspace: " "}); err == nil {
		t.Fatalf("expected blank workspace to be rejected")
	}
	if _, err := New(nil, Options{Workspace: "ws"}); err == nil {
		t.Fatalf("expected missing api to be rejected")
	}
}

func TestEnumerateListsImpliedDirectories(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	api.put("/docs/a.md", "alpha")
	api.put("/docs/guides/b.md", "beta")

	docs, err := c.GetInfo(ctx, replica.NodeInfo{Path: "/docs"})
	if err != nil {
		t.Fatalf("get info failed: %v", err)
	}
	if !docs.IsDirectory() || docs.AltID != (node.AltID{Scope: "ws_test", External: "/docs"}) {
		t.Fatalf("expected /docs directory keyed by workspace and path, got %+v", docs)
	}
	listed, err := c.Enumerate(ctx, docs)
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two children, got %+v", listed)
	}
	if listed[0].Name != "a.md" || listed[0].Type != node.TypeFile || listed[0].Size != 5 || listed[0].RevisionID == "" {
		t.Fatalf("expected a.md with size and revision, got %+v", listed[0])
	}
	if listed[1].Name != "guides" || !listed[1].IsDirectory() {
		t.Fatalf("expected guides directory, got %+v", listed[1])
	}
	if listed[0].ParentAltID != docs.AltID {
		t.Fatalf("expected parent identity %s, got %s", docs.AltID, listed[0].ParentAltID)
	}
	if _, err := c.Enumerate(ctx, replica.NodeInfo{Path: "/missing"}); !errors.Is(err, replica.ErrObjectNotFound) {
		t.Fatalf("expected ObjectNotFound for a missing directory, got %v", err)
	}
}

func TestCreateDirectoryIsKeptUntilFilled(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	dir, err := c.CreateDirectory(ctx, replica.NodeInfo{Path: "/notes"})
	if err != nil {
		t.Fatalf("create directory failed: %v", err)
	}
	if _, err := c.CreateDirectory(ctx, replica.NodeInfo{Path: "/notes"}); replica.CodeOf(err) != replica.CodeNameConflict {
		t.Fatalf("expected NameConflict for an existing directory, got %v", err)
	}
	root, err := c.Enumerate(ctx, replica.NodeInfo{Path: "/"})
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(root) != 1 || root[0].AltID != dir.AltID {
		t.Fatalf("expected the empty directory to be listed, got %+v", root)
	}

	if _, err := c.CreateFile(ctx, replica.NodeInfo{Path: "/absent/x.md"}, strings.NewReader("x")); !errors.Is(err, replica.ErrObjectNotFound) {
		t.Fatalf("expected a missing parent to be refused, got %v", err)
	}
	created, err := c.CreateFile(ctx, replica.NodeInfo{Path: "/notes/today.md"}, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	if created.RevisionID == "" || created.Size != 5 || created.ParentAltID != dir.AltID {
		t.Fatalf("expected created file with revision under /notes, got %+v", created)
	}
	if _, ok := api.file("/notes/today.md"); !ok {
		t.Fatalf("expected file to reach the service")
	}
	c.mu.Lock()
	_, virtual := c.dirs["/notes"]
	c.mu.Unlock()
	if virtual {
		t.Fatalf("expected /notes to be implied by its file once written")
	}
	if _, err := c.CreateFile(ctx, replica.NodeInfo{Path: "/notes/today.md"}, strings.NewReader("again")); replica.CodeOf(err) != replica.CodeNameConflict {
		t.Fatalf("expected NameConflict on create over an existing file, got %v", err)
	}
}

func TestWriteRevisionRequiresCurrentRevision(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	rev := api.put("/a.md", "one")
	info := replica.NodeInfo{Path: "/a.md", RevisionID: rev}

	written, err := c.WriteRevision(ctx, info, strings.NewReader("two"))
	if err != nil {
		t.Fatalf("write revision failed: %v", err)
	}
	if written.RevisionID == rev {
		t.Fatalf("expected a new revision, got %s", written.RevisionID)
	}
	if _, err := c.WriteRevision(ctx, info, strings.NewReader("three")); replica.CodeOf(err) != replica.CodeDirtyNode {
		t.Fatalf("expected DirtyNode for a stale revision, got %v", err)
	}
	file, _ := api.file("/a.md")
	if file.content != "two" {
		t.Fatalf("expected content two, got %q", file.content)
	}
}

func TestOpenForReadingChecksRevision(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	rev := api.put("/r.md", "content")
	r, err := c.OpenForReading(ctx, replica.NodeInfo{Path: "/r.md", RevisionID: rev})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	data, _ := io.ReadAll(r)
	_ = r.Close()
	if string(data) != "content" || r.Size() != 7 {
		t.Fatalf("expected 7 bytes of content, got %q (%d)", string(data), r.Size())
	}
	if r.LastWriteTime().IsZero() {
		t.Fatalf("expected last edited time to be parsed")
	}
	api.put("/r.md", "newer")
	if _, err := c.OpenForReading(ctx, replica.NodeInfo{Path: "/r.md", RevisionID: rev}); replica.CodeOf(err) != replica.CodeVersionMismatch {
		t.Fatalf("expected VersionMismatch, got %v", err)
	}
	if _, err := c.OpenForReading(ctx, replica.NodeInfo{Path: "/gone.md"}); !errors.Is(err, replica.ErrObjectNotFound) {
		t.Fatalf("expected ObjectNotFound, got %v", err)
	}
}

func TestMoveCopiesAndDeletes(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	rev := api.put("/docs/a.md", "alpha")
	api.put("/docs/b.md", "beta")
	from := replica.NodeInfo{Path: "/docs/a.md", RevisionID: rev}

	if _, err := c.Move(ctx, from, replica.NodeInfo{Path: "/docs/b.md"}); replica.CodeOf(err) != replica.CodeNameConflict {
		t.Fatalf("expected NameConflict for an occupied target, got %v", err)
	}
	moved, err := c.Move(ctx, from, replica.NodeInfo{Path: "/docs/c.md"})
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if moved.Name != "c.md" || moved.AltID.External != "/docs/c.md" {
		t.Fatalf("expected c.md, got %+v", moved)
	}
	if _, ok := api.file("/docs/a.md"); ok {
		t.Fatalf("expected source to be deleted")
	}
	file, ok := api.file("/docs/c.md")
	if !ok || file.content != "alpha" {
		t.Fatalf("expected content at the target, got %+v", file)
	}

	dir, err := c.CreateDirectory(ctx, replica.NodeInfo{Path: "/empty"})
	if err != nil {
		t.Fatalf("create directory failed: %v", err)
	}
	if _, err := c.Move(ctx, dir, replica.NodeInfo{Path: "/renamed"}); err != nil {
		t.Fatalf("expected an empty directory to move, got %v", err)
	}
	if _, err := c.Move(ctx, replica.NodeInfo{Path: "/docs"}, replica.NodeInfo{Path: "/archive"}); replica.CodeOf(err) != replica.CodeNotSupported {
		t.Fatalf("expected NotSupported for a directory with content, got %v", err)
	}
}

func TestDeleteRemovesEveryFileBelow(t *testing.T) {
	ctx := context.Background()
	c, api := connectedRemote(t)
	api.put("/docs/a.md", "a")
	api.put("/docs/sub/b.md", "b")
	api.put("/other.md", "o")
	if err := c.Delete(ctx, replica.NodeInfo{Path: "/docs"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if api.deletes != 2 {
		t.Fatalf("expected two deletions, got %d", api.deletes)
	}
	if _, ok := api.file("/other.md"); !ok {
		t.Fatalf("expected /other.md to survive")
	}
	if err := c.Delete(ctx, replica.NodeInfo{Path: "/docs"}); !errors.Is(err, replica.ErrObjectNotFound) {
		t.Fatalf("expected ObjectNotFound on second delete, got %v", err)
	}
	rev := api.put("/x.md", "x")
	api.put("/x.md", "y")
	if err := c.Delete(ctx, replica.NodeInfo{Path: "/x.md", RevisionID: rev}); replica.CodeOf(err) != replica.CodeDirtyNode {
		t.Fatalf("expected DirtyNode for a stale delete, got %v", err)
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"/a.md":       "text/markdown",
		"/b.markdown": "text/markdown",
		"/c.json":     "application/json",
		"/d":          "text/plain",
	}
	for p, want := range cases {
		if got := contentType(p); got != want {
			t.Fatalf("expected %s for %s, got %s", want, p, got)
		}
	}
}

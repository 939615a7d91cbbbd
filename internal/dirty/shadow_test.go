package dirty

import (
	"fmt"
	"testing"

	"github.com/agentworkforce/shadowsync/internal/node"
)

func newObservedTree(t *testing.T) (*node.Tree, *Shadow) {
	t.Helper()
	tree := node.NewTree(node.Model{ID: node.RootID, Name: "root"})
	shadow := New()
	tree.Observe(shadow)
	create(t, tree, node.Model{ID: 2, ParentID: node.RootID, Name: "sync", Type: node.TypeDirectory})
	create(t, tree, node.Model{ID: 3, ParentID: 2, Name: "a", Type: node.TypeDirectory})
	create(t, tree, node.Model{ID: 4, ParentID: 3, Name: "b", Type: node.TypeDirectory})
	create(t, tree, node.Model{ID: 5, ParentID: 4, Name: "f.txt", Type: node.TypeFile})
	create(t, tree, node.Model{ID: 6, ParentID: 2, Name: "other", Type: node.TypeDirectory})
	return tree, shadow
}

func create(t *testing.T, tree *node.Tree, m node.Model) {
	t.Helper()
	if err := tree.Create(m); err != nil {
		t.Fatalf("create %q failed: %v", m.Name, err)
	}
}

func mustCheck(t *testing.T, tree *node.Tree, shadow *Shadow) {
	t.Helper()
	if err := shadow.Check(tree); err != nil {
		t.Fatalf("dirty shadow inconsistent: %v", err)
	}
}

func TestShadowTracksDirtyNodeAndAncestors(t *testing.T) {
	tree, shadow := newObservedTree(t)
	if shadow.Len() != 0 {
		t.Fatalf("expected empty shadow, got %v", shadow.IDs())
	}
	if err := tree.SetStatus(5, node.DirtyAttributes, 0); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if fmt.Sprint(shadow.IDs()) != "[1 2 3 4 5]" {
		t.Fatalf("expected chain [1 2 3 4 5], got %v", shadow.IDs())
	}
	if fmt.Sprint(shadow.Leaves()) != "[5]" {
		t.Fatalf("expected leaf [5], got %v", shadow.Leaves())
	}
	mustCheck(t, tree, shadow)

	if err := tree.SetStatus(5, 0, node.DirtyAttributes); err != nil {
		t.Fatalf("clear status failed: %v", err)
	}
	if shadow.Len() != 0 {
		t.Fatalf("expected shadow pruned to empty, got %v", shadow.IDs())
	}
}

func TestShadowKeepsDirtyAncestorWhenLeafClears(t *testing.T) {
	tree, shadow := newObservedTree(t)
	_ = tree.SetStatus(3, node.DirtyChildren, 0)
	_ = tree.SetStatus(5, node.DirtyParent, 0)
	_ = tree.SetStatus(5, 0, node.DirtyParent)
	if fmt.Sprint(shadow.IDs()) != "[1 2 3]" {
		t.Fatalf("expected [1 2 3], got %v", shadow.IDs())
	}
	mustCheck(t, tree, shadow)
}

func TestShadowFollowsMoves(t *testing.T) {
	tree, shadow := newObservedTree(t)
	_ = tree.SetStatus(5, node.DirtyAttributes, 0)
	if err := tree.Move(4, 6, "b"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if shadow.Contains(3) {
		t.Fatalf("expected old parent pruned from shadow")
	}
	if !shadow.Contains(6) || !shadow.Contains(4) {
		t.Fatalf("expected new chain present, got %v", shadow.IDs())
	}
	mustCheck(t, tree, shadow)
}

func TestShadowCleansUpOnDelete(t *testing.T) {
	tree, shadow := newObservedTree(t)
	_ = tree.SetStatus(5, node.DirtyAttributes, 0)
	_ = tree.SetStatus(6, node.DirtyChildren, 0)
	if err := tree.Delete(3); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if fmt.Sprint(shadow.IDs()) != "[1 2 6]" {
		t.Fatalf("expected [1 2 6], got %v", shadow.IDs())
	}
	mustCheck(t, tree, shadow)
}

func TestShadowRebuildMatchesIncremental(t *testing.T) {
	tree, shadow := newObservedTree(t)
	_ = tree.SetStatus(4, node.DirtyDescendants, 0)
	_ = tree.SetStatus(6, node.DirtyPlaceholder, 0)
	want := fmt.Sprint(shadow.IDs())

	rebuilt := New()
	rebuilt.Rebuild(tree)
	if got := fmt.Sprint(rebuilt.IDs()); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	mustCheck(t, tree, rebuilt)
}

func TestBranchIsDirty(t *testing.T) {
	tree, _ := newObservedTree(t)
	if BranchIsDirty(tree, 5) {
		t.Fatalf("expected clean branch")
	}
	_ = tree.SetStatus(3, node.DirtyDescendants, 0)
	if !BranchIsDirty(tree, 5) {
		t.Fatalf("expected dirty branch below DirtyDescendants ancestor")
	}
	if BranchIsDirty(tree, 3) {
		t.Fatalf("expected node carrying DirtyDescendants itself not to be in a dirty branch")
	}
	_ = tree.SetStatus(6, node.DirtyPlaceholder, 0)
	if !BranchIsDirty(tree, 6) || !InPlaceholder(tree, 6) {
		t.Fatalf("expected placeholder to be a dirty branch")
	}
	_ = tree.SetStatus(4, node.DirtyDeleted, 0)
	if !BranchIsDeleted(tree, 5) {
		t.Fatalf("expected deleted branch below DirtyDeleted ancestor")
	}
}

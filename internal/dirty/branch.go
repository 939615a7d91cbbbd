package dirty

import "github.com/agentworkforce/shadowsync/internal/node"

// BranchIsDirty reports whether id is a dirty placeholder or any of its
// ancestors carries DirtyDescendants.
func BranchIsDirty(tree *node.Tree, id node.ID) bool {
	m, ok := tree.Get(id)
	if !ok {
		return false
	}
	if m.Status.Has(node.DirtyPlaceholder) {
		return true
	}
	for _, ancestor := range tree.Ancestors(id) {
		if ancestor.Status.Has(node.DirtyDescendants) {
			return true
		}
	}
	return false
}

// BranchIsDeleted reports whether id or an ancestor is marked DirtyDeleted.
func BranchIsDeleted(tree *node.Tree, id node.ID) bool {
	return anyOnChain(tree, id, node.DirtyDeleted)
}

// InPlaceholder reports whether id or an ancestor is a dirty placeholder.
func InPlaceholder(tree *node.Tree, id node.ID) bool {
	return anyOnChain(tree, id, node.DirtyPlaceholder)
}

func anyOnChain(tree *node.Tree, id node.ID, flag node.Status) bool {
	m, ok := tree.Get(id)
	if !ok {
		return false
	}
	if m.Status.Has(flag) {
		return true
	}
	for _, ancestor := range tree.Ancestors(id) {
		if ancestor.Status.Has(flag) {
			return true
		}
	}
	return false
}

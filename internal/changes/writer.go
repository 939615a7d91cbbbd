package changes

import (
	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/node"
)

// Writer turns tree events into change log entries. Only creations, file
// edits, moves and deletions are recorded, and nothing inside a dirty
// placeholder branch. It must be registered after the dirty shadow.
type Writer struct {
	target *Log
}

func NewWriter() *Writer {
	return &Writer{}
}

// Use routes subsequent events to log. Nil suspends recording.
func (w *Writer) Use(log *Log) {
	w.target = log
}

func (w *Writer) Target() *Log {
	return w.target
}

func (w *Writer) NodeChanged(tree *node.Tree, event node.Event) {
	if w.target == nil {
		return
	}
	switch event.Kind {
	case node.EventCreated:
		if dirty.InPlaceholder(tree, event.After.ID) {
			return
		}
		w.target.Append(node.OpCreate, event.After)
	case node.EventEdited:
		if !event.After.IsFile() || dirty.InPlaceholder(tree, event.After.ID) {
			return
		}
		w.target.Append(node.OpEdit, event.After)
	case node.EventRenamed, node.EventMoved:
		w.relinked(tree, event)
	case node.EventUpdated:
		resolved := event.Before.Status.Has(node.DirtyPlaceholder) && !event.After.Status.Has(node.DirtyPlaceholder)
		if resolved && !dirty.InPlaceholder(tree, event.After.ID) {
			w.createSubtree(tree, event.After.ID)
		}
	case node.EventDeleted:
		if event.Cascade || event.Before.Status.Has(node.DirtyPlaceholder) {
			return
		}
		if dirty.InPlaceholder(tree, event.Before.ParentID) {
			return
		}
		w.target.Append(node.OpDelete, event.Before)
	}
}

func (w *Writer) relinked(tree *node.Tree, event node.Event) {
	wasHidden := event.Before.Status.Has(node.DirtyPlaceholder) || dirty.InPlaceholder(tree, event.Before.ParentID)
	isHidden := dirty.InPlaceholder(tree, event.After.ID)
	switch {
	case wasHidden && isHidden:
	case wasHidden:
		w.createSubtree(tree, event.After.ID)
	case isHidden:
		w.target.Append(node.OpDelete, event.Before)
	default:
		w.target.Append(node.OpMove, event.After)
	}
}

// createSubtree reports a branch that was never forwarded, parents first.
func (w *Writer) createSubtree(tree *node.Tree, id node.ID) {
	tree.Walk(id, func(m node.Model) bool {
		w.target.Append(node.OpCreate, m)
		return true
	})
}

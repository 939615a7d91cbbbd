package node

import "strings"

// Status is a combinable set of node flags.
type Status uint32

const (
	DirtyAttributes Status = 1 << iota
	DirtyParent
	DirtyChildren
	DirtyDescendants
	DirtyDeleted
	DirtyPlaceholder
	Synced
	StateUpdatePending
	HydrationPending
)

const (
	// DirtyNodeMask covers flags that require re-checking the node itself.
	DirtyNodeMask = DirtyAttributes | DirtyParent | DirtyDeleted | DirtyPlaceholder
	// DirtyMask covers every dirty flag, including the ones about children.
	DirtyMask = DirtyNodeMask | DirtyChildren | DirtyDescendants
	// StateUpdateFlagsMask is placeholder hydration bookkeeping for on-demand replicas.
	StateUpdateFlagsMask = StateUpdatePending | HydrationPending
)

var statusNames = []struct {
	flag Status
	name string
}{
	{DirtyAttributes, "DirtyAttributes"},
	{DirtyParent, "DirtyParent"},
	{DirtyChildren, "DirtyChildren"},
	{DirtyDescendants, "DirtyDescendants"},
	{DirtyDeleted, "DirtyDeleted"},
	{DirtyPlaceholder, "DirtyPlaceholder"},
	{Synced, "Synced"},
	{StateUpdatePending, "StateUpdatePending"},
	{HydrationPending, "HydrationPending"},
}

// Has reports whether every flag in f is set.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// Any reports whether at least one flag of mask is set.
func (s Status) Any(mask Status) bool {
	return s&mask != 0
}

func (s Status) With(f Status) Status {
	return s | f
}

func (s Status) Without(f Status) Status {
	return s &^ f
}

func (s Status) IsDirty() bool {
	return s.Any(DirtyMask)
}

func (s Status) String() string {
	if s == 0 {
		return "None"
	}
	parts := make([]string, 0, 4)
	for _, item := range statusNames {
		if s&item.flag != 0 {
			parts = append(parts, item.name)
		}
	}
	return strings.Join(parts, "|")
}

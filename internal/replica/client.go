// Package replica defines the contracts the adapter consumes from a live
// storage replica: a file system client, an ordered event log and the
// platform hydration callback.
package replica

import (
	"context"
	"io"
	"time"

	"github.com/agentworkforce/shadowsync/internal/node"
)

// Attributes are replica item properties the exclusion filter looks at.
type Attributes uint16

const (
	AttrHidden Attributes = 1 << iota
	AttrSystem
	AttrReparsePoint
	AttrTemporary
	AttrOffline
)

func (a Attributes) Has(f Attributes) bool {
	return a&f == f
}

// NodeInfo describes a replica item, either as observed or as the target of
// a request. Path is the replica-native full path.
type NodeInfo struct {
	ID            node.ID
	AltID         node.AltID
	ParentID      node.ID
	ParentAltID   node.AltID
	Path          string
	Name          string
	Type          node.Type
	Attributes    Attributes
	LastWriteTime time.Time
	Size          int64
	RevisionID    string
}

func (i NodeInfo) IsDirectory() bool {
	return i.Type == node.TypeDirectory
}

// Revision is an open read stream over one revision of file content.
type Revision interface {
	io.ReadCloser
	Size() int64
	LastWriteTime() time.Time
}

// FileSystemClient performs I/O against the live replica. Implementations
// must be safe for concurrent use.
type FileSystemClient interface {
	Connect(ctx context.Context, hydration HydrationHandler) error
	Disconnect() error
	Enumerate(ctx context.Context, dir NodeInfo) ([]NodeInfo, error)
	GetInfo(ctx context.Context, info NodeInfo) (NodeInfo, error)
	CreateDirectory(ctx context.Context, info NodeInfo) (NodeInfo, error)
	CreateFile(ctx context.Context, info NodeInfo, content io.Reader) (NodeInfo, error)
	WriteRevision(ctx context.Context, info NodeInfo, content io.Reader) (NodeInfo, error)
	Move(ctx context.Context, from, to NodeInfo) (NodeInfo, error)
	Delete(ctx context.Context, info NodeInfo) error
	OpenForReading(ctx context.Context, info NodeInfo) (Revision, error)
}

type ChangeType uint8

const (
	ChangeCreated ChangeType = iota + 1
	ChangeChanged
	ChangeMoved
	ChangeDeleted
	// ChangeChangedOrMoved is reported when the backend cannot tell the two apart.
	ChangeChangedOrMoved
	// ChangeDeletedOrMovedFrom is reported for an item that left its location.
	ChangeDeletedOrMovedFrom
)

func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeChanged:
		return "changed"
	case ChangeMoved:
		return "moved"
	case ChangeDeleted:
		return "deleted"
	case ChangeChangedOrMoved:
		return "changed-or-moved"
	case ChangeDeletedOrMovedFrom:
		return "deleted-or-moved-from"
	default:
		return "unknown"
	}
}

// EventEntry is one change in a scope's event stream. Info is set when the
// backend reports full metadata with the event; otherwise the adapter
// fetches it. Path identifies items whose alternate id is no longer
// observable (removed local files).
type EventEntry struct {
	ChangeType  ChangeType
	AltID       node.AltID
	ParentAltID node.AltID
	Path        string
	Info        *NodeInfo
}

type EventBatch struct {
	Scope   string
	Entries []EventEntry
}

// EventLogClient delivers replica changes in per-scope order.
type EventLogClient interface {
	Enable(ctx context.Context) error
	Disable() error
	GetEvents(ctx context.Context) ([]EventBatch, error)
}

// HydrationDemand is the platform's request for a byte range of a file.
// Length below zero means "to the end of the file".
type HydrationDemand interface {
	FileInfo() NodeInfo
	Offset() int64
	Length() int64
	Writer() io.Writer
	UpdateSize(size int64) error
}

type HydrationHandler interface {
	HandleFileHydration(ctx context.Context, demand HydrationDemand) error
}

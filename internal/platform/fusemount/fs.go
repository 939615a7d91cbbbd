// Package fusemount exposes an adapter's tracked tree as a read-only FUSE
// file system. Metadata comes from the tracked state; file content is
// requested range by range through the adapter's hydration handler.
package fusemount

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

// View is the part of an adapter the mount reads from.
type View interface {
	Get(ctx context.Context, id node.ID) (node.Model, bool, error)
	Children(ctx context.Context, id node.ID) ([]node.Model, error)
	HandleFileHydration(ctx context.Context, demand replica.HydrationDemand) error
}

type Config struct {
	MountPoint string
	// RootID is the tracked directory shown at the mount point, usually a
	// sync root.
	RootID     node.ID
	AllowOther bool
	Debug      bool
	// EntryTimeout is how long the kernel may cache names and attributes.
	EntryTimeout time.Duration
	Logger       *zap.Logger
}

type Stats struct {
	Lookups        atomic.Int64
	Hydrations     atomic.Int64
	BytesServed    atomic.Int64
	FailedReads    atomic.Int64
	SizesCorrected atomic.Int64
}

// FS is a mounted view of one tracked directory.
type FS struct {
	view   View
	cfg    Config
	logger *zap.Logger
	uid    uint32
	gid    uint32
	stats  Stats
}

func New(view View, cfg Config) (*FS, error) {
	if view == nil {
		return nil, fmt.Errorf("view is required")
	}
	if cfg.RootID == 0 {
		cfg.RootID = node.RootID
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{
		view:   view,
		cfg:    cfg,
		logger: logger,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
	}, nil
}

func (f *FS) Stats() *Stats {
	return &f.stats
}

// Mount serves the view at cfg.MountPoint until the returned server is
// unmounted.
func (f *FS) Mount(ctx context.Context) (*gofuse.Server, error) {
	if err := os.MkdirAll(f.cfg.MountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	m, ok, err := f.view.Get(ctx, f.cfg.RootID)
	if err != nil {
		return nil, fmt.Errorf("resolve mount root: %w", err)
	}
	if !ok || !m.IsDirectory() {
		return nil, fmt.Errorf("mount root %d is not a tracked directory", f.cfg.RootID)
	}
	root := f.newNode(m)
	timeout := f.cfg.EntryTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     "shadowsync",
			Name:       "shadowsync",
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          f.uid,
		GID:          f.gid,
	}
	server, err := fs.Mount(f.cfg.MountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	f.logger.Info("hydration mount ready", zap.String("mount_point", f.cfg.MountPoint), zap.Uint64("root_id", uint64(f.cfg.RootID)))
	return server, nil
}

func (f *FS) newNode(m node.Model) *Node {
	n := &Node{fsys: f, id: m.ID, dir: m.IsDirectory(), mtime: m.LastWriteTime}
	n.size.Store(m.Size)
	return n
}

// Node is one tracked file or directory.
type Node struct {
	fs.Inode

	fsys  *FS
	id    node.ID
	dir   bool
	mtime time.Time
	size  atomic.Int64
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)

// Getattr never triggers hydration.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fill(&out.Attr)
	return 0
}

func (n *Node) fill(attr *gofuse.Attr) {
	attr.Mode = mode(n.dir)
	if !n.dir {
		attr.Size = uint64(n.size.Load())
	}
	attr.Ino = uint64(n.id)
	mtime := uint64(n.mtime.Unix())
	attr.Mtime = mtime
	attr.Atime = mtime
	attr.Ctime = mtime
	attr.Uid = n.fsys.uid
	attr.Gid = n.fsys.gid
}

func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)
	if !n.dir {
		return nil, syscall.ENOTDIR
	}
	children, err := n.fsys.view.Children(ctx, n.id)
	if err != nil {
		return nil, errno(err)
	}
	for _, child := range children {
		if child.Name != name {
			continue
		}
		c := n.fsys.newNode(child)
		c.fill(&out.Attr)
		stable := fs.StableAttr{Mode: mode(c.dir) & syscall.S_IFMT, Ino: uint64(child.ID)}
		return n.NewInode(ctx, c, stable), 0
	}
	return nil, syscall.ENOENT
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.dir {
		return nil, syscall.ENOTDIR
	}
	children, err := n.fsys.view.Children(ctx, n.id)
	if err != nil {
		return nil, errno(err)
	}
	return fs.NewListDirStream(dirEntries(children)), 0
}

// Open refuses writes; the mount only ever serves tracked content.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.dir {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, gofuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.read(ctx, n, off, int64(len(dest)))
	if err != nil {
		return nil, errno(err)
	}
	return gofuse.ReadResultData(data), 0
}

// read hydrates [off, off+length) of n.
func (f *FS) read(ctx context.Context, n *Node, off, length int64) ([]byte, error) {
	f.stats.Hydrations.Add(1)
	d := &demand{
		info:   replica.NodeInfo{ID: n.id, Type: node.TypeFile, Size: n.size.Load()},
		offset: off,
		length: length,
		node:   n,
		fsys:   f,
	}
	if err := f.view.HandleFileHydration(ctx, d); err != nil {
		f.stats.FailedReads.Add(1)
		if replica.CodeOf(err) != replica.CodeCancelled {
			f.logger.Warn("read failed", zap.Uint64("node_id", uint64(n.id)), zap.Int64("offset", off), zap.Error(err))
		}
		return nil, err
	}
	f.stats.BytesServed.Add(int64(d.buf.Len()))
	return d.buf.Bytes(), nil
}

// demand carries one kernel read into the hydration handler.
type demand struct {
	info   replica.NodeInfo
	offset int64
	length int64
	buf    bytes.Buffer
	node   *Node
	fsys   *FS
}

var _ replica.HydrationDemand = (*demand)(nil)

func (d *demand) FileInfo() replica.NodeInfo { return d.info }
func (d *demand) Offset() int64              { return d.offset }
func (d *demand) Length() int64              { return d.length }
func (d *demand) Writer() io.Writer          { return &d.buf }

// UpdateSize records the real length so the next getattr reports it.
func (d *demand) UpdateSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid size %d", size)
	}
	if d.node.size.Swap(size) != size {
		d.fsys.stats.SizesCorrected.Add(1)
	}
	return nil
}

func dirEntries(children []node.Model) []gofuse.DirEntry {
	sorted := append([]node.Model(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	out := make([]gofuse.DirEntry, 0, len(sorted))
	for _, child := range sorted {
		out = append(out, gofuse.DirEntry{
			Name: child.Name,
			Mode: mode(child.IsDirectory()) & syscall.S_IFMT,
			Ino:  uint64(child.ID),
		})
	}
	return out
}

func mode(dir bool) uint32 {
	if dir {
		return 0o555 | syscall.S_IFDIR
	}
	return 0o444 | syscall.S_IFREG
}

// errno maps replica failures onto kernel error numbers.
func errno(err error) syscall.Errno {
	switch replica.CodeOf(err) {
	case replica.CodeNone:
		return 0
	case replica.CodeObjectNotFound:
		return syscall.ENOENT
	case replica.CodeCancelled:
		return syscall.EINTR
	case replica.CodeFreeSpaceExceeded:
		return syscall.ENOSPC
	case replica.CodeNotSupported:
		return syscall.ENOTSUP
	case replica.CodeAccessRateLimitExceeded, replica.CodeRetryRateLimitExceeded:
		return syscall.EAGAIN
	case replica.CodePartial, replica.CodeVersionMismatch:
		return syscall.ESTALE
	default:
		return syscall.EIO
	}
}

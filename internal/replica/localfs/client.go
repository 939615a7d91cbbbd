// Package localfs is a replica client over a local directory tree. Items
// are identified by device and inode so renames keep their identity.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

type Options struct {
	// Roots are checked on Connect and watched by the event log.
	Roots []string
	// MinFreeSpace is kept free on the volume when writing content.
	MinFreeSpace int64
	Logger       *zap.Logger
}

type Client struct {
	roots        []string
	minFreeSpace int64
	logger       *zap.Logger

	mu        sync.Mutex
	hydration replica.HydrationHandler
}

var _ replica.FileSystemClient = (*Client)(nil)

func New(opts Options) (*Client, error) {
	roots := make([]string, 0, len(opts.Roots))
	for _, root := range opts.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			return nil, fmt.Errorf("root path is required")
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		roots = append(roots, filepath.Clean(abs))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{roots: roots, minFreeSpace: opts.MinFreeSpace, logger: logger}, nil
}

func (c *Client) Connect(_ context.Context, hydration replica.HydrationHandler) error {
	for _, root := range c.roots {
		st, err := os.Stat(root)
		if err != nil {
			return replica.Wrap("connect", err)
		}
		if !st.IsDir() {
			return replica.Errorf(replica.CodeNotSupported, "connect", "%s is not a directory", root)
		}
	}
	c.mu.Lock()
	c.hydration = hydration
	c.mu.Unlock()
	c.logger.Debug("local replica connected", zap.Strings("roots", c.roots))
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.hydration = nil
	c.mu.Unlock()
	return nil
}

// Hydration returns the handler registered on Connect, if any.
func (c *Client) Hydration() replica.HydrationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydration
}

func (c *Client) Enumerate(ctx context.Context, dir replica.NodeInfo) ([]replica.NodeInfo, error) {
	p, err := localPath(dir)
	if err != nil {
		return nil, replica.Wrap("enumerate", err)
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, replica.Wrap("enumerate", err)
	}
	parentAlt, err := identity(p)
	if err != nil {
		return nil, replica.Wrap("enumerate", err)
	}
	out := make([]replica.NodeInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, replica.NewError(replica.CodeCancelled, "enumerate", err)
		}
		info, err := stat(filepath.Join(p, entry.Name()))
		if err != nil {
			// Removed while listing.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, replica.Wrap("enumerate", err)
		}
		info.ParentAltID = parentAlt
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) GetInfo(_ context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	p, err := localPath(info)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap("get info", err)
	}
	return c.describe(p, "get info")
}

func (c *Client) describe(p, op string) (replica.NodeInfo, error) {
	out, err := stat(p)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if parent, err := identity(filepath.Dir(p)); err == nil {
		out.ParentAltID = parent
	}
	return out, nil
}

func (c *Client) CreateDirectory(_ context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	p, err := localPath(info)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap("create directory", err)
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		return replica.NodeInfo{}, replica.Wrap("create directory", err)
	}
	if !info.LastWriteTime.IsZero() {
		_ = os.Chtimes(p, info.LastWriteTime, info.LastWriteTime)
	}
	return c.describe(p, "create directory")
}

// CreateFile writes content next to the target and renames it into place
// without replacing an existing item.
func (c *Client) CreateFile(ctx context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	const op = "create file"
	p, err := localPath(info)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if _, err := os.Lstat(p); err == nil {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNameConflict, op, "%s exists", p)
	}
	if err := c.ensureFreeSpace(filepath.Dir(p), info.Size); err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	tmp, err := writeTemp(ctx, p, content, 0o644, info.LastWriteTime)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if err := renameNoReplace(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	return c.describe(p, op)
}

// WriteRevision atomically replaces the content of an existing file. A file
// whose identity no longer matches info is reported as not found.
func (c *Client) WriteRevision(ctx context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	const op = "write revision"
	p, err := localPath(info)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	st, err := os.Lstat(p)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if !st.Mode().IsRegular() {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNotSupported, op, "%s is not a regular file", p)
	}
	if err := c.checkIdentity(p, info.AltID, op); err != nil {
		return replica.NodeInfo{}, err
	}
	if err := c.ensureFreeSpace(filepath.Dir(p), info.Size); err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	tmp, err := writeTemp(ctx, p, content, st.Mode().Perm(), info.LastWriteTime)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	return c.describe(p, op)
}

func (c *Client) Move(_ context.Context, from, to replica.NodeInfo) (replica.NodeInfo, error) {
	const op = "move"
	src, err := localPath(from)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	dst, err := localPath(to)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	if err := c.checkIdentity(src, from.AltID, op); err != nil {
		return replica.NodeInfo{}, err
	}
	if err := renameNoReplace(src, dst); err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	return c.describe(dst, op)
}

func (c *Client) Delete(_ context.Context, info replica.NodeInfo) error {
	const op = "delete"
	p, err := localPath(info)
	if err != nil {
		return replica.Wrap(op, err)
	}
	if _, err := os.Lstat(p); err != nil {
		return replica.Wrap(op, err)
	}
	if err := c.checkIdentity(p, info.AltID, op); err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return replica.Wrap(op, err)
	}
	return nil
}

func (c *Client) OpenForReading(_ context.Context, info replica.NodeInfo) (replica.Revision, error) {
	const op = "open"
	p, err := localPath(info)
	if err != nil {
		return nil, replica.Wrap(op, err)
	}
	if err := c.checkIdentity(p, info.AltID, op); err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, replica.Wrap(op, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, replica.Wrap(op, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, replica.Errorf(replica.CodeObjectNotFound, op, "%s is a directory", p)
	}
	return &revision{File: f, size: st.Size(), lwt: st.ModTime().UTC()}, nil
}

// checkIdentity fails with ObjectNotFound when the item at p is not the one
// alt names. A zero alt matches anything.
func (c *Client) checkIdentity(p string, alt node.AltID, op string) error {
	if alt.IsZero() {
		return nil
	}
	current, err := identity(p)
	if err != nil {
		return replica.Wrap(op, err)
	}
	if current != alt {
		return replica.Errorf(replica.CodeObjectNotFound, op, "%s was replaced (%s, expected %s)", p, current, alt)
	}
	return nil
}

func (c *Client) ensureFreeSpace(dir string, size int64) error {
	if size <= 0 && c.minFreeSpace <= 0 {
		return nil
	}
	available, ok, err := freeSpace(dir)
	if err != nil || !ok {
		return err
	}
	if available-max(size, 0) < c.minFreeSpace {
		return replica.Errorf(replica.CodeFreeSpaceExceeded, "free space", "%d bytes available below %s", available, dir)
	}
	return nil
}

type revision struct {
	*os.File
	size int64
	lwt  time.Time
}

func (r *revision) Size() int64 {
	return r.size
}

func (r *revision) LastWriteTime() time.Time {
	return r.lwt
}

func localPath(info replica.NodeInfo) (string, error) {
	p := strings.TrimSpace(info.Path)
	if p == "" {
		return "", replica.Errorf(replica.CodeObjectNotFound, "resolve path", "item %s has no local path", info.AltID)
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}

func stat(p string) (replica.NodeInfo, error) {
	st, err := os.Lstat(p)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	alt, err := identity(p)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	info := replica.NodeInfo{
		AltID:         alt,
		Path:          filepath.ToSlash(p),
		Name:          filepath.Base(p),
		Type:          node.TypeFile,
		LastWriteTime: st.ModTime().UTC(),
	}
	mode := st.Mode()
	switch {
	case mode.IsDir():
		info.Type = node.TypeDirectory
	case mode&os.ModeSymlink != 0:
		info.Attributes |= replica.AttrReparsePoint
	case !mode.IsRegular():
		info.Attributes |= replica.AttrSystem
	default:
		info.Size = st.Size()
	}
	if strings.HasPrefix(info.Name, ".") {
		info.Attributes |= replica.AttrHidden
	}
	return info, nil
}

// writeTemp streams content into a hidden temporary file next to target and
// returns its name. The caller renames or removes it.
func writeTemp(ctx context.Context, target string, content io.Reader, mode os.FileMode, lwt time.Time) (string, error) {
	dir := filepath.Dir(target)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmpFile, contextReader{ctx: ctx, r: content}); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}
	if !lwt.IsZero() {
		if err := os.Chtimes(tmpName, lwt, lwt); err != nil {
			return "", err
		}
	}
	committed = true
	return tmpName, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, replica.NewError(replica.CodeCancelled, "write", err)
	}
	return r.r.Read(p)
}

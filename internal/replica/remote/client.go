package remote

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
)

const (
	typeFile = "file"
	typeDir  = "dir"

	// createRevision is the If-Match value that creates a new file.
	createRevision = "0"
)

type Options struct {
	Workspace string
	// Provider filters the event feed, e.g. "notion".
	Provider string
	PageSize int
	Logger   *zap.Logger
}

// Client maps the replica contract onto a path-addressed storage API. The
// remote path is the item identity and the workspace is its scope, so a
// rename is observed as a deletion and a creation. Directories exist
// implicitly through the files below them; empty ones created here are
// kept in memory until a file lands inside.
type Client struct {
	api       API
	workspace string
	provider  string
	pageSize  int
	logger    *zap.Logger

	mu        sync.Mutex
	dirs      map[string]time.Time
	hydration replica.HydrationHandler
}

var _ replica.FileSystemClient = (*Client)(nil)

func New(api API, opts Options) (*Client, error) {
	if api == nil {
		return nil, errors.New("api is required")
	}
	workspace := strings.TrimSpace(opts.Workspace)
	if workspace == "" {
		return nil, errors.New("workspace id is required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:       api,
		workspace: workspace,
		provider:  strings.TrimSpace(opts.Provider),
		pageSize:  pageSize,
		logger:    logger,
		dirs:      map[string]time.Time{},
	}, nil
}

func (c *Client) altID(p string) node.AltID {
	return node.AltID{Scope: c.workspace, External: cleanRemotePath(p)}
}

func (c *Client) Connect(ctx context.Context, hydration replica.HydrationHandler) error {
	if _, err := c.api.ListTree(ctx, c.workspace, "/", 1, ""); err != nil {
		return failed("connect", err)
	}
	c.mu.Lock()
	c.hydration = hydration
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.hydration = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Enumerate(ctx context.Context, dir replica.NodeInfo) ([]replica.NodeInfo, error) {
	base, err := c.itemPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := c.listAll(ctx, base, 1)
	if err != nil {
		return nil, failed("enumerate", err)
	}
	seen := map[string]bool{}
	out := make([]replica.NodeInfo, 0, len(entries))
	for _, entry := range entries {
		p := cleanRemotePath(entry.Path)
		if p == base || path.Dir(p) != base || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, c.entryInfo(entry))
	}
	c.mu.Lock()
	for p, created := range c.dirs {
		if path.Dir(p) == base && !seen[p] {
			out = append(out, c.dirInfo(p, created))
		}
	}
	c.mu.Unlock()
	if len(out) == 0 && base != "/" && !c.knownDir(ctx, base) {
		return nil, replica.Errorf(replica.CodeObjectNotFound, "enumerate", "%s", base)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) GetInfo(ctx context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	p, err := c.itemPath(info)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	return c.lookup(ctx, p, "get info")
}

func (c *Client) lookup(ctx context.Context, p, op string) (replica.NodeInfo, error) {
	if p == "/" {
		return c.dirInfo(p, time.Time{}), nil
	}
	parent := path.Dir(p)
	entries, err := c.listAll(ctx, parent, 1)
	if err != nil {
		return replica.NodeInfo{}, failed(op, err)
	}
	for _, entry := range entries {
		if cleanRemotePath(entry.Path) == p {
			return c.entryInfo(entry), nil
		}
	}
	c.mu.Lock()
	created, ok := c.dirs[p]
	c.mu.Unlock()
	if ok {
		return c.dirInfo(p, created), nil
	}
	return replica.NodeInfo{}, replica.Errorf(replica.CodeObjectNotFound, op, "%s", p)
}

// knownDir reports whether p is a directory on the service or one created
// through this client.
func (c *Client) knownDir(ctx context.Context, p string) bool {
	info, err := c.lookup(ctx, p, "lookup")
	return err == nil && info.IsDirectory()
}

func (c *Client) CreateDirectory(ctx context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	const op = "create directory"
	p, err := c.itemPath(info)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	if err := c.requireParent(ctx, p, op); err != nil {
		return replica.NodeInfo{}, err
	}
	if _, err := c.lookup(ctx, p, op); err == nil {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNameConflict, op, "%s exists", p)
	}
	created := info.LastWriteTime
	if created.IsZero() {
		created = time.Now().UTC()
	}
	c.mu.Lock()
	c.dirs[p] = created
	c.mu.Unlock()
	return c.dirInfo(p, created), nil
}

func (c *Client) CreateFile(ctx context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	const op = "create file"
	p, err := c.itemPath(info)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	if err := c.requireParent(ctx, p, op); err != nil {
		return replica.NodeInfo{}, err
	}
	return c.write(ctx, p, createRevision, info.LastWriteTime, content, op)
}

// WriteRevision replaces the content guarded by the revision info carries.
// A revision the service no longer holds means the tracked state is stale.
func (c *Client) WriteRevision(ctx context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	const op = "write revision"
	p, err := c.itemPath(info)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	base := info.RevisionID
	if base == "" {
		current, err := c.lookup(ctx, p, op)
		if err != nil {
			return replica.NodeInfo{}, err
		}
		if current.IsDirectory() {
			return replica.NodeInfo{}, replica.Errorf(replica.CodeNotSupported, op, "%s is a directory", p)
		}
		base = current.RevisionID
	}
	return c.write(ctx, p, base, info.LastWriteTime, content, op)
}

func (c *Client) write(ctx context.Context, p, base string, lwt time.Time, content io.Reader, op string) (replica.NodeInfo, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap(op, err)
	}
	result, err := c.api.WriteFile(ctx, c.workspace, p, base, contentType(p), string(data))
	if err != nil {
		return replica.NodeInfo{}, failed(op, err)
	}
	if lwt.IsZero() {
		lwt = time.Now().UTC()
	}
	c.forgetDirsAbove(p)
	return replica.NodeInfo{
		AltID:         c.altID(p),
		ParentAltID:   c.altID(path.Dir(p)),
		Path:          p,
		Name:          path.Base(p),
		Type:          node.TypeFile,
		LastWriteTime: lwt,
		Size:          int64(len(data)),
		RevisionID:    result.TargetRevision,
	}, nil
}

// Move copies a file to its new path and deletes the original. Only files
// and empty directories created through this client can move.
func (c *Client) Move(ctx context.Context, from, to replica.NodeInfo) (replica.NodeInfo, error) {
	const op = "move"
	src, err := c.itemPath(from)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	dst, err := c.itemPath(to)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	current, err := c.lookup(ctx, src, op)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	if err := c.requireParent(ctx, dst, op); err != nil {
		return replica.NodeInfo{}, err
	}
	if _, err := c.lookup(ctx, dst, op); err == nil {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNameConflict, op, "%s exists", dst)
	}
	if current.IsDirectory() {
		c.mu.Lock()
		created, virtual := c.dirs[src]
		if virtual {
			delete(c.dirs, src)
			c.dirs[dst] = created
		}
		c.mu.Unlock()
		if !virtual {
			return replica.NodeInfo{}, replica.Errorf(replica.CodeNotSupported, op, "directory %s has content", src)
		}
		return c.dirInfo(dst, created), nil
	}
	if from.RevisionID != "" && from.RevisionID != current.RevisionID {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeDirtyNode, op, "%s changed since revision %s", src, from.RevisionID)
	}
	file, err := c.api.ReadFile(ctx, c.workspace, src)
	if err != nil {
		return replica.NodeInfo{}, failed(op, err)
	}
	moved, err := c.write(ctx, dst, createRevision, current.LastWriteTime, strings.NewReader(file.Content), op)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	if err := c.api.DeleteFile(ctx, c.workspace, src, file.Revision); err != nil {
		c.logger.Warn("moved file left at its source", zap.String("path", src), zap.Error(err))
		return moved, failed(op, err)
	}
	return moved, nil
}

// Delete removes a file, or every file below a directory.
func (c *Client) Delete(ctx context.Context, info replica.NodeInfo) error {
	const op = "delete"
	p, err := c.itemPath(info)
	if err != nil {
		return err
	}
	current, err := c.lookup(ctx, p, op)
	if err != nil {
		return err
	}
	if !current.IsDirectory() {
		base := current.RevisionID
		if info.RevisionID != "" {
			base = info.RevisionID
		}
		return failed(op, c.api.DeleteFile(ctx, c.workspace, p, base))
	}
	entries, err := c.listAll(ctx, p, 64)
	if err != nil {
		return failed(op, err)
	}
	for _, entry := range entries {
		if entry.Type != typeFile {
			continue
		}
		if err := c.api.DeleteFile(ctx, c.workspace, cleanRemotePath(entry.Path), entry.Revision); err != nil && !isNotFound(err) {
			return failed(op, err)
		}
	}
	c.mu.Lock()
	for dir := range c.dirs {
		if within(p, dir) {
			delete(c.dirs, dir)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) OpenForReading(ctx context.Context, info replica.NodeInfo) (replica.Revision, error) {
	const op = "open"
	p, err := c.itemPath(info)
	if err != nil {
		return nil, err
	}
	file, err := c.api.ReadFile(ctx, c.workspace, p)
	if err != nil {
		return nil, failed(op, err)
	}
	if info.RevisionID != "" && file.Revision != info.RevisionID {
		return nil, replica.Errorf(replica.CodeVersionMismatch, op, "%s is at revision %s, not %s", p, file.Revision, info.RevisionID)
	}
	lwt, _ := time.Parse(time.RFC3339Nano, file.LastEditedAt)
	return &revision{Reader: strings.NewReader(file.Content), size: int64(len(file.Content)), lwt: lwt}, nil
}

func (c *Client) listAll(ctx context.Context, base string, depth int) ([]Entry, error) {
	var out []Entry
	cursor := ""
	for {
		page, err := c.api.ListTree(ctx, c.workspace, base, depth, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

func (c *Client) requireParent(ctx context.Context, p, op string) error {
	parent := path.Dir(p)
	if parent == "/" || c.knownDir(ctx, parent) {
		return nil
	}
	return replica.Errorf(replica.CodeObjectNotFound, op, "parent %s", parent)
}

func (c *Client) forgetDirsAbove(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		delete(c.dirs, dir)
	}
}

func (c *Client) itemPath(info replica.NodeInfo) (string, error) {
	p := strings.TrimSpace(info.Path)
	if p == "" && info.AltID.Scope == c.workspace {
		p = info.AltID.External
	}
	if p == "" {
		return "", replica.Errorf(replica.CodeObjectNotFound, "resolve path", "item %s has no remote path", info.AltID)
	}
	return cleanRemotePath(p), nil
}

func (c *Client) entryInfo(entry Entry) replica.NodeInfo {
	p := cleanRemotePath(entry.Path)
	info := replica.NodeInfo{
		AltID:       c.altID(p),
		ParentAltID: c.altID(path.Dir(p)),
		Path:        p,
		Name:        path.Base(p),
		Type:        node.TypeDirectory,
	}
	if entry.Type == typeFile {
		info.Type = node.TypeFile
		info.Size = entry.Size
		info.RevisionID = entry.Revision
		info.LastWriteTime, _ = time.Parse(time.RFC3339Nano, entry.UpdatedAt)
	}
	return info
}

func (c *Client) dirInfo(p string, created time.Time) replica.NodeInfo {
	return replica.NodeInfo{
		AltID:         c.altID(p),
		ParentAltID:   c.altID(path.Dir(p)),
		Path:          p,
		Name:          path.Base(p),
		Type:          node.TypeDirectory,
		LastWriteTime: created,
	}
}

type revision struct {
	*strings.Reader
	size int64
	lwt  time.Time
}

func (r *revision) Size() int64 {
	return r.size
}

func (r *revision) LastWriteTime() time.Time {
	return r.lwt
}

func (r *revision) Close() error {
	return nil
}

func contentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "text/plain"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func isNotFound(err error) bool {
	return replica.CodeOf(err) == replica.CodeObjectNotFound
}

// failed attributes a service failure to the replica operation op,
// keeping the code the service answer was classified with.
func failed(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *replica.Error
	if errors.As(err, &typed) {
		return replica.NewError(typed.Code, op, err)
	}
	return replica.Wrap(op, err)
}

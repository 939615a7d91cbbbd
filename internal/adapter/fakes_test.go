package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"github.com/agentworkforce/shadowsync/internal/store"
)

type fakeItem struct {
	alt     node.AltID
	typ     node.Type
	lwt     time.Time
	content []byte
}

// fakeFS is an in-memory replica keyed by path. Identities are "f1", "f2"...
// in the scope of the longest matching prefix of scopes.
type fakeFS struct {
	mu        sync.Mutex
	items     map[string]*fakeItem
	scopes    map[string]string
	nextAlt   int
	clock     time.Time
	partial   map[string]bool
	failures  map[string]error
	hydration replica.HydrationHandler
	calls     []string
}

func newFakeFS(dirs ...string) *fakeFS {
	f := &fakeFS{
		items:    map[string]*fakeItem{},
		scopes:   map[string]string{},
		clock:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		partial:  map[string]bool{},
		failures: map[string]error{},
	}
	for _, dir := range dirs {
		f.mkdir(dir)
	}
	return f
}

func (f *fakeFS) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeFS) newAltLocked(p string) node.AltID {
	f.nextAlt++
	scope := "vol"
	best := ""
	for prefix, s := range f.scopes {
		if (p == prefix || strings.HasPrefix(p, prefix+"/")) && len(prefix) > len(best) {
			best, scope = prefix, s
		}
	}
	return node.AltID{Scope: scope, External: fmt.Sprintf("f%d", f.nextAlt)}
}

func (f *fakeFS) mkdir(p string) node.AltID {
	f.mu.Lock()
	defer f.mu.Unlock()
	alt := f.newAltLocked(p)
	f.items[p] = &fakeItem{alt: alt, typ: node.TypeDirectory, lwt: f.tick()}
	return alt
}

// write creates a file or overwrites it in place.
func (f *fakeFS) write(p, content string) node.AltID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[p]; ok {
		item.content = []byte(content)
		item.lwt = f.tick()
		return item.alt
	}
	alt := f.newAltLocked(p)
	f.items[p] = &fakeItem{alt: alt, typ: node.TypeFile, lwt: f.tick(), content: []byte(content)}
	return alt
}

// replace writes a new item over p, the way editors save atomically.
func (f *fakeFS) replace(p, content string) node.AltID {
	f.mu.Lock()
	defer f.mu.Unlock()
	alt := f.newAltLocked(p)
	f.items[p] = &fakeItem{alt: alt, typ: node.TypeFile, lwt: f.tick(), content: []byte(content)}
	return alt
}

func (f *fakeFS) rename(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveLocked(from, to)
}

func (f *fakeFS) remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(p)
}

func (f *fakeFS) content(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[p]
	if !ok {
		return "", false
	}
	return string(item.content), true
}

func (f *fakeFS) exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[p]
	return ok
}

func (f *fakeFS) altOf(p string) node.AltID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[p]; ok {
		return item.alt
	}
	return node.AltID{}
}

func (f *fakeFS) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *fakeFS) setPartial(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partial[p] = true
}

func (f *fakeFS) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeFS) enter(op string) error {
	f.calls = append(f.calls, op)
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *fakeFS) moveLocked(from, to string) {
	moved := map[string]*fakeItem{}
	for p, item := range f.items {
		if p == from || strings.HasPrefix(p, from+"/") {
			moved[to+strings.TrimPrefix(p, from)] = item
			delete(f.items, p)
		}
	}
	for p, item := range moved {
		f.items[p] = item
	}
}

func (f *fakeFS) removeLocked(p string) {
	for candidate := range f.items {
		if candidate == p || strings.HasPrefix(candidate, p+"/") {
			delete(f.items, candidate)
		}
	}
}

func (f *fakeFS) infoLocked(p string, item *fakeItem) replica.NodeInfo {
	info := replica.NodeInfo{
		AltID:         item.alt,
		Path:          p,
		Name:          path.Base(p),
		Type:          item.typ,
		LastWriteTime: item.lwt,
		Size:          int64(len(item.content)),
	}
	if parent, ok := f.items[path.Dir(p)]; ok {
		info.ParentAltID = parent.alt
	}
	return info
}

func (f *fakeFS) findLocked(info replica.NodeInfo) (string, *fakeItem, bool) {
	if info.Path != "" {
		item, ok := f.items[info.Path]
		return info.Path, item, ok
	}
	if !info.AltID.IsZero() {
		for p, item := range f.items {
			if item.alt == info.AltID {
				return p, item, true
			}
		}
	}
	return "", nil, false
}

func notFound(op, p string) error {
	return replica.Errorf(replica.CodeObjectNotFound, op, "%s", p)
}

func (f *fakeFS) Connect(_ context.Context, hydration replica.HydrationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydration = hydration
	return f.enter("connect")
}

func (f *fakeFS) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydration = nil
	return nil
}

func (f *fakeFS) Enumerate(_ context.Context, dir replica.NodeInfo) ([]replica.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("enumerate"); err != nil {
		return nil, err
	}
	p, item, ok := f.findLocked(dir)
	if !ok || item.typ != node.TypeDirectory {
		return nil, notFound("enumerate", dir.Path)
	}
	var out []replica.NodeInfo
	for candidate, child := range f.items {
		if candidate != p && path.Dir(candidate) == p {
			out = append(out, f.infoLocked(candidate, child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeFS) GetInfo(_ context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get-info"); err != nil {
		return replica.NodeInfo{}, err
	}
	p, item, ok := f.findLocked(info)
	if !ok {
		return replica.NodeInfo{}, notFound("get info", info.Path)
	}
	return f.infoLocked(p, item), nil
}

func (f *fakeFS) createLocked(op string, info replica.NodeInfo, item *fakeItem) (replica.NodeInfo, error) {
	if err := f.enter(op); err != nil {
		return replica.NodeInfo{}, err
	}
	if parent, ok := f.items[path.Dir(info.Path)]; !ok || parent.typ != node.TypeDirectory {
		return replica.NodeInfo{}, notFound(op, path.Dir(info.Path))
	}
	if _, taken := f.items[info.Path]; taken {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNameConflict, op, "%s exists", info.Path)
	}
	item.alt = f.newAltLocked(info.Path)
	item.lwt = f.tick()
	f.items[info.Path] = item
	return f.infoLocked(info.Path, item), nil
}

func (f *fakeFS) CreateDirectory(_ context.Context, info replica.NodeInfo) (replica.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked("create-directory", info, &fakeItem{typ: node.TypeDirectory})
}

func (f *fakeFS) CreateFile(_ context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked("create-file", info, &fakeItem{typ: node.TypeFile, content: data})
}

func (f *fakeFS) WriteRevision(_ context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return replica.NodeInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("write-revision"); err != nil {
		return replica.NodeInfo{}, err
	}
	p, item, ok := f.findLocked(info)
	if !ok {
		return replica.NodeInfo{}, notFound("write revision", info.Path)
	}
	item.content = data
	item.lwt = f.tick()
	return f.infoLocked(p, item), nil
}

func (f *fakeFS) Move(_ context.Context, from, to replica.NodeInfo) (replica.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("move"); err != nil {
		return replica.NodeInfo{}, err
	}
	p, _, ok := f.findLocked(from)
	if !ok {
		return replica.NodeInfo{}, notFound("move", from.Path)
	}
	if _, taken := f.items[to.Path]; taken {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNameConflict, "move", "%s exists", to.Path)
	}
	f.moveLocked(p, to.Path)
	return f.infoLocked(to.Path, f.items[to.Path]), nil
}

func (f *fakeFS) Delete(_ context.Context, info replica.NodeInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("delete"); err != nil {
		return err
	}
	p, _, ok := f.findLocked(info)
	if !ok {
		return notFound("delete", info.Path)
	}
	f.removeLocked(p)
	return nil
}

func (f *fakeFS) OpenForReading(_ context.Context, info replica.NodeInfo) (replica.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("open"); err != nil {
		return nil, err
	}
	if f.partial[info.Path] {
		return nil, replica.Errorf(replica.CodePartial, "open", "%s is not materialized", info.Path)
	}
	_, item, ok := f.findLocked(info)
	if !ok || item.typ != node.TypeFile {
		return nil, notFound("open", info.Path)
	}
	return newFakeRevision(string(item.content), item.lwt), nil
}

type fakeRevision struct {
	*bytes.Reader
	size   int64
	lwt    time.Time
	closed bool
}

func newFakeRevision(content string, lwt time.Time) *fakeRevision {
	return &fakeRevision{Reader: bytes.NewReader([]byte(content)), size: int64(len(content)), lwt: lwt}
}

func (r *fakeRevision) Size() int64 {
	return r.size
}

func (r *fakeRevision) LastWriteTime() time.Time {
	return r.lwt
}

func (r *fakeRevision) Close() error {
	r.closed = true
	return nil
}

// fakeSource serves content of the paired replica by id and version.
type fakeSource struct {
	mu       sync.Mutex
	contents map[node.ID]string
	opened   []ContentRef
}

func newFakeSource() *fakeSource {
	return &fakeSource{contents: map[node.ID]string{}}
}

func (s *fakeSource) OpenForReading(_ context.Context, id node.ID, contentVersion uint64) (replica.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, ContentRef{ID: id, ContentVersion: contentVersion})
	content, ok := s.contents[id]
	if !ok {
		return nil, replica.Errorf(replica.CodeObjectNotFound, "open", "source %d", id)
	}
	return newFakeRevision(content, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), nil
}

type fakeEventLog struct {
	mu      sync.Mutex
	enabled bool
	batches []replica.EventBatch
}

func (l *fakeEventLog) Enable(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	return nil
}

func (l *fakeEventLog) Disable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return nil
}

func (l *fakeEventLog) push(scope string, entries ...replica.EventEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, replica.EventBatch{Scope: scope, Entries: entries})
}

func (l *fakeEventLog) GetEvents(context.Context) ([]replica.EventBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return nil, errors.New("event log disabled")
	}
	out := l.batches
	l.batches = nil
	return out, nil
}

// flakyBackend fails commits while failing is set and counts the rest.
type flakyBackend struct {
	*store.MemoryBackend
	mu      sync.Mutex
	failing bool
	commits int
}

func (b *flakyBackend) commitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

func (b *flakyBackend) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

func (b *flakyBackend) Commit(ctx context.Context, cs *store.ChangeSet) error {
	b.mu.Lock()
	failing := b.failing
	if !failing {
		b.commits++
	}
	b.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Commit(ctx, cs)
}

// fakeDemand collects hydrated bytes.
type fakeDemand struct {
	info    replica.NodeInfo
	offset  int64
	length  int64
	buf     bytes.Buffer
	resized int64
}

func (d *fakeDemand) FileInfo() replica.NodeInfo { return d.info }
func (d *fakeDemand) Offset() int64              { return d.offset }
func (d *fakeDemand) Length() int64              { return d.length }
func (d *fakeDemand) Writer() io.Writer          { return &d.buf }

func (d *fakeDemand) UpdateSize(size int64) error {
	d.resized = size
	return nil
}

package remote

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type fakeFile struct {
	revision string
	content  string
	updated  string
}

// fakeAPI is an in-memory workspace with relayfile tree and revision
// semantics: directories are implied by the files below them.
type fakeAPI struct {
	mu      sync.Mutex
	files   map[string]fakeFile
	events  []Event
	nextRev int
	nextEvt int
	// lostCursor makes ListEvents answer 404 for any non-empty cursor.
	lostCursor bool
	writes     int
	deletes    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{files: map[string]fakeFile{}}
}

// put stores a file as another writer would, recording an event.
func (f *fakeAPI) put(p, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLocked(cleanRemotePath(p), content)
}

func (f *fakeAPI) putLocked(p, content string) string {
	f.nextRev++
	rev := fmt.Sprintf("rev_%d", f.nextRev)
	_, existed := f.files[p]
	f.files[p] = fakeFile{revision: rev, content: content, updated: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339Nano)}
	kind := "file.created"
	if existed {
		kind = "file.updated"
	}
	f.recordLocked(kind, p, rev)
	return rev
}

func (f *fakeAPI) remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = cleanRemotePath(p)
	delete(f.files, p)
	f.recordLocked("file.deleted", p, "")
}

func (f *fakeAPI) recordLocked(kind, p, rev string) {
	f.nextEvt++
	f.events = append(f.events, Event{EventID: fmt.Sprintf("evt_%d", f.nextEvt), Type: kind, Path: p, Revision: rev})
}

func (f *fakeAPI) file(p string) (fakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[cleanRemotePath(p)]
	return file, ok
}

func (f *fakeAPI) ListTree(_ context.Context, _ string, p string, depth int, _ string) (TreePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := cleanRemotePath(p)
	if depth <= 0 {
		depth = 1
	}
	entries := map[string]Entry{}
	for filePath, file := range f.files {
		if !within(base, filePath) || filePath == base {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(filePath, base), "/")
		parts := strings.Split(rest, "/")
		for level := 1; level <= depth && level <= len(parts); level++ {
			child := strings.TrimSuffix(base, "/") + "/" + strings.Join(parts[:level], "/")
			if level == len(parts) {
				entries[child] = Entry{Path: child, Type: typeFile, Revision: file.revision, Size: int64(len(file.content)), UpdatedAt: file.updated}
				continue
			}
			if _, ok := entries[child]; !ok {
				entries[child] = Entry{Path: child, Type: typeDir, Revision: "dir"}
			}
		}
	}
	out := TreePage{Path: base, Entries: make([]Entry, 0, len(entries))}
	for _, entry := range entries {
		out.Entries = append(out.Entries, entry)
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Path < out.Entries[j].Path })
	return out, nil
}

func (f *fakeAPI) ListEvents(_ context.Context, _ string, _ string, cursor string, limit int) (EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor != "" && f.lostCursor {
		return EventPage{}, refusal("list events", false, &ServiceError{Status: http.StatusNotFound, Code: "not_found", Message: "cursor expired"})
	}
	start := 0
	if cursor != "" {
		for i, event := range f.events {
			if event.EventID == cursor {
				start = i + 1
			}
		}
	}
	end := len(f.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	feed := EventPage{Events: append([]Event(nil), f.events[start:end]...)}
	if end < len(f.events) && end > 0 {
		next := f.events[end-1].EventID
		feed.NextCursor = &next
	}
	return feed, nil
}

func (f *fakeAPI) ReadFile(_ context.Context, _ string, p string) (File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = cleanRemotePath(p)
	file, ok := f.files[p]
	if !ok {
		return File{}, notFoundAnswer("read file", p)
	}
	return File{Path: p, Revision: file.revision, ContentType: "text/plain", Content: file.content, LastEditedAt: file.updated}, nil
}

func (f *fakeAPI) WriteFile(_ context.Context, _ string, p, baseRevision, _ string, content string) (WriteReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = cleanRemotePath(p)
	current, exists := f.files[p]
	switch {
	case baseRevision == createRevision && exists:
		return WriteReceipt{}, conflictAnswer("write file", true, current.revision)
	case baseRevision != createRevision && (!exists || current.revision != baseRevision):
		return WriteReceipt{}, conflictAnswer("write file", false, current.revision)
	}
	f.writes++
	rev := f.putLocked(p, content)
	return WriteReceipt{OpID: fmt.Sprintf("op_%d", f.writes), TargetRevision: rev}, nil
}

func (f *fakeAPI) DeleteFile(_ context.Context, _ string, p, baseRevision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = cleanRemotePath(p)
	current, exists := f.files[p]
	if !exists {
		return notFoundAnswer("delete file", p)
	}
	if baseRevision != "" && baseRevision != current.revision {
		return conflictAnswer("delete file", false, current.revision)
	}
	f.deletes++
	delete(f.files, p)
	f.recordLocked("file.deleted", p, "")
	return nil
}

func notFoundAnswer(op, p string) error {
	return refusal(op, false, &ServiceError{Status: http.StatusNotFound, Code: "not_found", Message: p + " not found"})
}

func conflictAnswer(op string, creates bool, current string) error {
	return refusal(op, creates, &ServiceError{Status: http.StatusConflict, Code: "revision_conflict", CurrentRevision: current})
}

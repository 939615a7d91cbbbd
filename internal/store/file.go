package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type MemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(context.Context) (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.clone()
}

func (b *MemoryBackend) Commit(_ context.Context, cs *ChangeSet) error {
	if b == nil || cs.Empty() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := NewSnapshot()
	if b.snapshot != nil {
		var err error
		if next, err = b.snapshot.clone(); err != nil {
			return err
		}
	}
	next.Apply(cs)
	b.snapshot = next
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// JSONFileBackend keeps the whole snapshot in one JSON document that is
// replaced atomically on every commit.
type JSONFileBackend struct {
	Path string

	mu     sync.Mutex
	cached *Snapshot
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(context.Context) (*Snapshot, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.read()
	if err != nil || snapshot == nil {
		return nil, err
	}
	b.cached = snapshot
	return snapshot.clone()
}

func (b *JSONFileBackend) Commit(_ context.Context, cs *ChangeSet) error {
	if b == nil || b.Path == "" || cs.Empty() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.cached
	if current == nil {
		loaded, err := b.read()
		if err != nil {
			return err
		}
		current = loaded
	}
	next := NewSnapshot()
	if current != nil {
		var err error
		if next, err = current.clone(); err != nil {
			return err
		}
	}
	next.Apply(cs)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(b.Path, data, 0o644); err != nil {
		return err
	}
	b.cached = next
	return nil
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) read() (*Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := NewSnapshot()
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

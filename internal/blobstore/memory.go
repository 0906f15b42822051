package blobstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in a map guarded by an RWMutex. It backs tests
// and the standalone dev mode; the mutex makes WriteIfAbsent atomic, so the
// locking protocol behaves the same as against a real server.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	modified time.Time
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryStore) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy so callers cannot mutate stored bytes.
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *MemoryStore) Write(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), modified: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) WriteIfAbsent(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return ErrAlreadyExists
	}
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), modified: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Swap(_ context.Context, path string, old, new []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok {
		return ErrNotFound
	}
	if !bytes.Equal(obj.data, old) {
		return ErrModified
	}
	m.objects[path] = memoryObject{data: append([]byte(nil), new...), modified: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []Entry
	for path, obj := range m.objects {
		if strings.HasPrefix(path, prefix) {
			entries = append(entries, Entry{Path: path, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// SetModified backdates an object's timestamp. Only tests use this, to
// exercise age-based sweeping without sleeping.
func (m *MemoryStore) SetModified(path string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[path]; ok {
		obj.modified = t
		m.objects[path] = obj
	}
}

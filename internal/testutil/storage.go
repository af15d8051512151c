package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// MemStorage is an in-memory storage.Storage.
type MemStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	cleanups []time.Time
	now      func() time.Time

	StoreErr error
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		objects:  map[string][]byte{},
		modified: map[string]time.Time{},
		now:      time.Now,
	}
}

// Put stores an object with an explicit modification time.
func (m *MemStorage) Put(key string, data []byte, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.modified[key] = at
}

// Keys returns the stored keys sorted.
func (m *MemStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the raw bytes under key.
func (m *MemStorage) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Cleanups returns the thresholds CleanupBefore was called with.
func (m *MemStorage) Cleanups() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cleanups...)
}

func (m *MemStorage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	if m.StoreErr != nil {
		return "", m.StoreErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	m.Put(key, data, m.now())
	return key, nil
}

func (m *MemStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := m.Object(key)
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.modified, key)
	return nil
}

func (m *MemStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, threshold)
	for k, at := range m.modified {
		if at.Before(threshold) {
			delete(m.objects, k)
			delete(m.modified, k)
		}
	}
	return nil
}

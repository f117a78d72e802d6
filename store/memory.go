package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	body        []byte
	contentType string
}

// MemoryStore implements the artifact gateway in memory. It's primarily
// intended for testing purposes.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Exists reports whether the key is present.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// GetBytes returns the stored body and content type.
func (m *MemoryStore) GetBytes(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return body, obj.contentType, nil
}

// GetText returns the stored body as text.
func (m *MemoryStore) GetText(ctx context.Context, key string) (string, error) {
	body, _, err := m.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Put stores the body under key.
func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	stored := make([]byte, len(body))
	copy(stored, body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{body: stored, contentType: contentType}
	return nil
}

// PutStream stores the reader contents under key.
func (m *MemoryStore) PutStream(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return m.Put(ctx, key, data, contentType)
}

// Delete removes the key if present.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// ListByPrefix returns sorted keys under prefix matching the filter.
func (m *MemoryStore) ListByPrefix(ctx context.Context, prefix string, filter func(string) bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if filter == nil || filter(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Keys returns every stored key sorted. Test helper.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

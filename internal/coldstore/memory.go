package coldstore

import (
	"context"
	"sync"

	"pointscan/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development
// (COLD_BUCKET unset). It honors the same single-writer-per-key semantics.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	metas   map[string]models.ChunkMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		metas:   make(map[string]models.ChunkMeta),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, meta models.ChunkMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	m.metas[key] = meta
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (models.ChunkMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[key]
	if !ok {
		return models.ChunkMeta{}, ErrNotFound
	}
	return meta, nil
}

// Keys returns all stored object keys (test helper).
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

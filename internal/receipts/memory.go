package receipts

import (
	"context"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string][]byte),
	}
}

func (m *memoryStore) Put(_ context.Context, r Receipt) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	key := objectKey(m.prefix, r.Prime)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = data
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, prime uint64) (Receipt, error) {
	m.mu.RLock()
	data, ok := m.objects[objectKey(m.prefix, prime)]
	m.mu.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %d", ErrNotFound, prime)
	}
	return decode(prime, data)
}

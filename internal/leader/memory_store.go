package leader

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory lease store for tests and single-replica runs.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]Lease),
	}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[name]
	if ok && l.Owner != owner && l.ExpiresAt.After(now) {
		return l, false, nil
	}
	out := Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
	}
	s.leases[name] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[name]
	if !ok {
		return nil
	}
	if l.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for tests and single-process runs.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	payments map[string]Payment
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		payments: make(map[string]Payment),
	}
}

func (s *MemoryStore) Create(_ context.Context, p Payment) error {
	if err := validatePayment(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.Reference]; ok {
		return ErrDuplicate
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	s.payments[p.Reference] = clonePayment(p)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (Payment, error) {
	if ref == "" {
		return Payment{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[ref]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, ref, txHash string, confirmations int) (Payment, error) {
	if ref == "" || confirmations < 0 {
		return Payment{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[ref]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.ConfirmedAt == nil {
		now := s.now().UTC()
		p.ConfirmedAt = &now
	}
	p.Status = StatusConfirmed
	if txHash != "" {
		p.TxHash = txHash
	}
	if confirmations > p.Confirmations {
		p.Confirmations = confirmations
	}
	s.payments[ref] = p
	return clonePayment(p), nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var removed int64
	for ref, p := range s.payments {
		if p.Status == StatusPending && !p.CreatedAt.After(cutoff) {
			delete(s.payments, ref)
			removed++
		}
	}
	return removed, nil
}

func clonePayment(p Payment) Payment {
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		p.ConfirmedAt = &t
	}
	return p
}

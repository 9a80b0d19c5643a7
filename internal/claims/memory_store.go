package claims

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory claim store intended for unit tests and
// single-process usage. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[uint64]Claim
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		claims: make(map[uint64]Claim),
	}
}

func (s *MemoryStore) MaxAllocatedPrime(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highest := uint64(1)
	for p := range s.claims {
		if p > highest {
			highest = p
		}
	}
	return highest, nil
}

func (s *MemoryStore) Get(_ context.Context, prime uint64) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[prime]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return cloneClaim(c), nil
}

func (s *MemoryStore) GetByPayer(_ context.Context, payer string) (Claim, error) {
	if payer == "" {
		return Claim{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  Claim
		found bool
	)
	for _, c := range s.claims {
		if c.Payer != payer {
			continue
		}
		if !found || preferForPayer(c, best) {
			best = c
			found = true
		}
	}
	if !found {
		return Claim{}, ErrNotFound
	}
	return cloneClaim(best), nil
}

// preferForPayer orders a payer's rows: PAID first, then the newest claim.
func preferForPayer(a, b Claim) bool {
	if (a.Status == StatusPaid) != (b.Status == StatusPaid) {
		return a.Status == StatusPaid
	}
	if !a.ClaimedAt.Equal(b.ClaimedAt) {
		return a.ClaimedAt.After(b.ClaimedAt)
	}
	return a.Prime > b.Prime
}

func (s *MemoryStore) IsActivelyReserved(_ context.Context, prime uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[prime]
	if !ok {
		return false, nil
	}
	return c.ActiveAt(s.now()), nil
}

func (s *MemoryStore) UpsertPending(_ context.Context, prime uint64, payer string, expiresAt time.Time) (Claim, error) {
	if err := validatePending(prime, payer, expiresAt); err != nil {
		return Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.claims[prime]
	if ok && !canOverwrite(existing, payer, now) {
		return Claim{}, &ConflictError{Existing: cloneClaim(existing)}
	}

	exp := expiresAt
	c := Claim{
		Prime:     prime,
		Payer:     payer,
		Status:    StatusPending,
		ExpiresAt: &exp,
		ClaimedAt: now,
	}
	s.claims[prime] = c
	return cloneClaim(c), nil
}

// canOverwrite mirrors the WHERE clause of the postgres upsert.
func canOverwrite(existing Claim, payer string, now time.Time) bool {
	if existing.Status != StatusPending || existing.ExpiresAt == nil {
		return false
	}
	if !existing.ExpiresAt.After(now) {
		return true
	}
	return existing.Payer == payer
}

func (s *MemoryStore) AttachPayment(_ context.Context, prime uint64, payer string, method Method, ref string) (Claim, error) {
	if err := ValidateAttach(prime, payer, method, ref); err != nil {
		return Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[prime]
	if !ok {
		return Claim{}, ErrNotFound
	}
	now := s.now()
	if c.Payer != payer || !c.ActiveAt(now) || c.Status != StatusPending {
		return Claim{}, &ConflictError{Existing: cloneClaim(c)}
	}
	c.ExpiresAt = nil
	c.Method = method
	c.PaymentRef = ref
	c.ClaimedAt = now
	s.claims[prime] = c
	return cloneClaim(c), nil
}

func (s *MemoryStore) ConfirmPayment(_ context.Context, ref string, amountUSD string) (Claim, bool, error) {
	if ref == "" {
		return Claim{}, false, ErrInvalidInput
	}
	if err := ValidateAmount(amountUSD); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for p, c := range s.claims {
		if c.PaymentRef != ref || c.Status != StatusPending {
			continue
		}
		for _, other := range s.claims {
			if other.Payer == c.Payer && other.Status == StatusPaid {
				return Claim{}, false, ErrPayerAlreadyPaid
			}
		}
		now := s.now()
		c.Status = StatusPaid
		c.ExpiresAt = nil
		c.AmountPaid = amountUSD
		c.PaidAt = &now
		s.claims[p] = c
		return cloneClaim(c), true, nil
	}
	for _, c := range s.claims {
		if c.PaymentRef == ref && c.Status == StatusPaid {
			return cloneClaim(c), false, nil
		}
	}
	return Claim{}, false, ErrNotFound
}

func (s *MemoryStore) ReleasePending(_ context.Context, prime uint64, payer string) error {
	if prime < 2 || payer == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[prime]
	if !ok || c.Status != StatusPending || c.Payer != payer {
		return nil
	}
	delete(s.claims, prime)
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, abandonedTTL time.Duration) (int64, error) {
	if abandonedTTL <= 0 {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-abandonedTTL)
	var removed int64
	for p, c := range s.claims {
		if c.Status != StatusPending {
			continue
		}
		expired := c.ExpiresAt != nil && !c.ExpiresAt.After(now)
		abandoned := c.ExpiresAt == nil && !c.ClaimedAt.After(cutoff)
		if expired || abandoned {
			delete(s.claims, p)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SeedPaid(_ context.Context, c Claim) (bool, error) {
	if c.Prime < 2 || c.Payer == "" {
		return false, ErrInvalidInput
	}
	if c.AmountPaid == "" {
		c.AmountPaid = strconv.FormatUint(c.Prime, 10)
	}
	if err := ValidateAmount(c.AmountPaid); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[c.Prime]; ok {
		return false, nil
	}
	for _, other := range s.claims {
		if other.Payer == c.Payer && other.Status == StatusPaid {
			return false, ErrPayerAlreadyPaid
		}
	}
	now := s.now()
	c.Status = StatusPaid
	c.ExpiresAt = nil
	c.ClaimedAt = now
	c.PaidAt = &now
	s.claims[c.Prime] = c
	return true, nil
}

func (s *MemoryStore) Stats(_ context.Context, recent int) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		PaidByMethod:    make(map[Method]int64),
		RevenueByMethod: make(map[Method]string),
	}
	revenue := make(map[Method]*big.Rat)
	paid := make([]Claim, 0)
	for _, c := range s.claims {
		out.Claimed++
		switch c.Status {
		case StatusPending:
			out.Pending++
		case StatusPaid:
			out.Paid++
			out.PaidByMethod[c.Method]++
			if amt, ok := parseDecimal(c.AmountPaid); ok {
				if revenue[c.Method] == nil {
					revenue[c.Method] = new(big.Rat)
				}
				revenue[c.Method].Add(revenue[c.Method], amt)
			}
			paid = append(paid, cloneClaim(c))
		}
	}
	for m, r := range revenue {
		out.RevenueByMethod[m] = formatUSD(r)
	}

	sort.Slice(paid, func(i, j int) bool {
		if !paid[i].PaidAt.Equal(*paid[j].PaidAt) {
			return paid[i].PaidAt.After(*paid[j].PaidAt)
		}
		return paid[i].Prime > paid[j].Prime
	})
	if recent < 0 {
		recent = 0
	}
	if len(paid) > recent {
		paid = paid[:recent]
	}
	out.Recent = paid
	return out, nil
}

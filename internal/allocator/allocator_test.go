package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/primes"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *claims.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}
	store := claims.NewMemoryStore(clock.Now)
	a, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.WithClock(clock.Now)
	return a, store, clock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	return cfg
}

func TestAllocator_ReserveConfirmScenario(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	r1, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable a: %v", err)
	}
	if r1.Prime != 2 || r1.PriceUSD != 2 {
		t.Fatalf("first reservation: got %+v want prime 2", r1)
	}

	r2, err := a.ReserveNextAvailable(ctx, "b@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable b: %v", err)
	}
	if r2.Prime != 3 {
		t.Fatalf("second reservation: got %d want 3", r2.Prime)
	}

	r7, err := a.ReserveSpecificPrime(ctx, 7, "c@x.com", time.Hour)
	if err != nil {
		t.Fatalf("ReserveSpecificPrime 7: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !r7.ExpiresAt.Equal(want) {
		t.Fatalf("expiry: got %v want %v", r7.ExpiresAt, want)
	}

	if _, err := a.AttachPayment(ctx, r1, claims.MethodBitcoin, "ref-2"); err != nil {
		t.Fatalf("AttachPayment: %v", err)
	}
	c, changed, err := a.ConfirmClaim(ctx, "ref-2", "2")
	if err != nil || !changed {
		t.Fatalf("ConfirmClaim: changed=%v err=%v", changed, err)
	}
	if c.Prime != 2 || c.Status != claims.StatusPaid {
		t.Fatalf("confirmed claim: %+v", c)
	}

	_, err = a.ReserveSpecificPrime(ctx, 2, "d@x.com", time.Hour)
	var ce *ClaimedError
	if !errors.Is(err, ErrAlreadyClaimed) || !errors.As(err, &ce) || ce.ByPayer {
		t.Fatalf("expected ErrAlreadyClaimed for another payer, got %v", err)
	}
}

func TestAllocator_ConfirmClaimIdempotent(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAllocator(t, testConfig())
	ctx := context.Background()

	r, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable: %v", err)
	}
	if _, err := a.AttachPayment(ctx, r, claims.MethodDogecoin, "ref"); err != nil {
		t.Fatalf("AttachPayment: %v", err)
	}

	first, changed, err := a.ConfirmClaim(ctx, "ref", "2.00")
	if err != nil || !changed {
		t.Fatalf("ConfirmClaim #1: changed=%v err=%v", changed, err)
	}
	second, changed, err := a.ConfirmClaim(ctx, "ref", "2.00")
	if err != nil || changed {
		t.Fatalf("ConfirmClaim #2: changed=%v err=%v", changed, err)
	}
	if first.Prime != second.Prime || !first.PaidAt.Equal(*second.PaidAt) || first.AmountPaid != second.AmountPaid {
		t.Fatalf("second confirm differs: %+v vs %+v", first, second)
	}

	st, err := store.Stats(ctx, 10)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Paid != 1 {
		t.Fatalf("paid rows: got %d want 1", st.Paid)
	}

	if _, _, err := a.ConfirmClaim(ctx, "missing", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllocator_ConflictCorrectness(t *testing.T) {
	t.Parallel()

	a, store, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	if _, err := a.ReserveSpecificPrime(ctx, 9, "a@x.com", time.Hour); !errors.Is(err, ErrNotPrime) {
		t.Fatalf("expected ErrNotPrime, got %v", err)
	}
	if _, err := a.ReserveSpecificPrime(ctx, 1, "a@x.com", time.Hour); !errors.Is(err, ErrNotPrime) {
		t.Fatalf("expected ErrNotPrime for 1, got %v", err)
	}

	if _, err := a.ReserveSpecificPrime(ctx, 5, "a@x.com", time.Minute); err != nil {
		t.Fatalf("ReserveSpecificPrime: %v", err)
	}
	if _, err := a.ReserveSpecificPrime(ctx, 5, "b@x.com", time.Hour); !errors.Is(err, ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}

	// After expiry a different payer wins the prime.
	clock.Advance(2 * time.Minute)
	r, err := a.ReserveSpecificPrime(ctx, 5, "b@x.com", time.Hour)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if r.Payer != "b@x.com" {
		t.Fatalf("payer: got %q", r.Payer)
	}

	// Reservation made with an expiry already in the past.
	if _, err := store.UpsertPending(ctx, 11, "c@x.com", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("seed expired reservation: %v", err)
	}
	r11, err := a.ReserveSpecificPrime(ctx, 11, "d@x.com", time.Hour)
	if err != nil {
		t.Fatalf("re-reserve expired 11: %v", err)
	}
	if r11.Prime != 11 || r11.Payer != "d@x.com" {
		t.Fatalf("unexpected reservation: %+v", r11)
	}
}

func TestAllocator_PayerAlreadyHoldingClaim(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	r1, err := a.ReserveNextAvailable(ctx, " A@X.com ")
	if err != nil {
		t.Fatalf("ReserveNextAvailable: %v", err)
	}
	if r1.Payer != "a@x.com" {
		t.Fatalf("payer not normalized: %q", r1.Payer)
	}

	clock.Advance(10 * time.Minute)
	again, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable again: %v", err)
	}
	if again.Prime != r1.Prime {
		t.Fatalf("expected same prime %d, got %d", r1.Prime, again.Prime)
	}
	if !again.ExpiresAt.After(r1.ExpiresAt) {
		t.Fatalf("expected renewed expiry: %v <= %v", again.ExpiresAt, r1.ExpiresAt)
	}

	if _, err := a.AttachPayment(ctx, again, claims.MethodBitcoin, "ref-a"); err != nil {
		t.Fatalf("AttachPayment: %v", err)
	}
	inFlight, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable in flight: %v", err)
	}
	if inFlight.Prime != r1.Prime || !inFlight.InFlight() || inFlight.PaymentRef != "ref-a" {
		t.Fatalf("expected in-flight reservation back, got %+v", inFlight)
	}

	if _, _, err := a.ConfirmClaim(ctx, "ref-a", "2"); err != nil {
		t.Fatalf("ConfirmClaim: %v", err)
	}
	_, err = a.ReserveNextAvailable(ctx, "a@x.com")
	var ce *ClaimedError
	if !errors.As(err, &ce) || !ce.ByPayer || ce.Prime != r1.Prime {
		t.Fatalf("expected ClaimedError by payer, got %v", err)
	}
	if _, err := a.ReserveSpecificPrime(ctx, 13, "a@x.com", 0); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on specific path, got %v", err)
	}
}

func TestAllocator_SpecificReplacesPreviousSoftReservation(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAllocator(t, testConfig())
	ctx := context.Background()

	if _, err := a.ReserveSpecificPrime(ctx, 17, "a@x.com", 0); err != nil {
		t.Fatalf("reserve 17: %v", err)
	}
	if _, err := a.ReserveSpecificPrime(ctx, 19, "a@x.com", 0); err != nil {
		t.Fatalf("reserve 19: %v", err)
	}
	if _, err := store.Get(ctx, 17); !errors.Is(err, claims.ErrNotFound) {
		t.Fatalf("expected 17 released, got %v", err)
	}
	if _, err := store.Get(ctx, 19); err != nil {
		t.Fatalf("expected 19 held: %v", err)
	}
}

func TestAllocator_ReservationHeldFlag(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	first, err := a.ReserveSpecificPrime(ctx, 7, "a@x.com", 0)
	if err != nil || first.Held {
		t.Fatalf("fresh reservation: %+v err=%v", first, err)
	}
	again, err := a.ReserveSpecificPrime(ctx, 7, "a@x.com", 0)
	if err != nil || !again.Held {
		t.Fatalf("renewed reservation: %+v err=%v", again, err)
	}
	next, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil || next.Prime != 7 || !next.Held {
		t.Fatalf("next path returned %+v err=%v", next, err)
	}
	other, err := a.ReserveSpecificPrime(ctx, 11, "a@x.com", 0)
	if err != nil || other.Held {
		t.Fatalf("switching prime: %+v err=%v", other, err)
	}

	clock.Advance(testConfig().ReservationTTL + time.Minute)
	expired, err := a.ReserveSpecificPrime(ctx, 11, "a@x.com", 0)
	if err != nil || expired.Held {
		t.Fatalf("expired hold counts as new: %+v err=%v", expired, err)
	}
}

func TestAllocator_ConcurrentReserveNextYieldsDistinctPrimes(t *testing.T) {
	t.Parallel()

	const n = 48
	cfg := testConfig()
	cfg.MaxAttempts = n
	a, _, _ := newTestAllocator(t, cfg)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]string, n)
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payer := fmt.Sprintf("payer-%d@x.com", i)
			r, err := a.ReserveNextAvailable(ctx, payer)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if other, ok := seen[r.Prime]; ok {
				errs <- fmt.Errorf("prime %d issued to %s and %s", r.Prime, other, payer)
				return
			}
			seen[r.Prime] = payer
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if len(seen) != n {
		t.Fatalf("distinct primes: got %d want %d", len(seen), n)
	}
	for p := range seen {
		if !primes.IsPrime(p) {
			t.Fatalf("issued non-prime %d", p)
		}
	}
}

func TestAllocator_FindNextIsMonotonic(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	var held uint64
	for i := 0; i < 20; i++ {
		p, err := a.FindNextAvailablePrime(ctx)
		if err != nil {
			t.Fatalf("FindNextAvailablePrime: %v", err)
		}
		if p <= held {
			t.Fatalf("candidate %d not above held prime %d", p, held)
		}
		ttl := time.Hour
		if i%3 == 0 {
			// Short reservations expire but still raise the floor.
			ttl = time.Second
		}
		r, err := a.ReserveSpecificPrime(ctx, p, fmt.Sprintf("p%d@x.com", i), ttl)
		if err != nil {
			t.Fatalf("ReserveSpecificPrime(%d): %v", p, err)
		}
		held = r.Prime
		clock.Advance(2 * time.Second)
	}
}

func TestAllocator_AttachAfterReservationLost(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	ctx := context.Background()

	r, err := a.ReserveSpecificPrime(ctx, 23, "a@x.com", time.Minute)
	if err != nil {
		t.Fatalf("ReserveSpecificPrime: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := a.ReserveSpecificPrime(ctx, 23, "b@x.com", time.Hour); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if _, err := a.AttachPayment(ctx, r, claims.MethodBitcoin, "late"); !errors.Is(err, ErrReservationLost) {
		t.Fatalf("expected ErrReservationLost, got %v", err)
	}
}

func TestAllocator_SweepUsesAbandonedTTL(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AbandonedTTL = 2 * time.Hour
	a, store, clock := newTestAllocator(t, cfg)
	ctx := context.Background()

	r, err := a.ReserveNextAvailable(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ReserveNextAvailable: %v", err)
	}
	if _, err := a.AttachPayment(ctx, r, claims.MethodBitcoin, "ref"); err != nil {
		t.Fatalf("AttachPayment: %v", err)
	}
	if _, err := a.ReserveSpecificPrime(ctx, 29, "b@x.com", time.Minute); err != nil {
		t.Fatalf("ReserveSpecificPrime: %v", err)
	}

	clock.Advance(90 * time.Minute)
	n, err := a.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep #1: n=%d err=%v want 1", n, err)
	}
	if _, err := store.Get(ctx, r.Prime); err != nil {
		t.Fatalf("in-flight claim swept too early: %v", err)
	}

	clock.Advance(time.Hour)
	n, err = a.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep #2: n=%d err=%v want 1", n, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"reservation ttl": func(c *Config) { c.ReservationTTL = 0 },
		"abandoned ttl":   func(c *Config) { c.AbandonedTTL = -time.Second },
		"attempts":        func(c *Config) { c.MaxAttempts = 0 },
		"backoff":         func(c *Config) { c.RetryBackoff = -1 },
		"store timeout":   func(c *Config) { c.StoreTimeout = 0 },
		"quote timeout":   func(c *Config) { c.QuoteTimeout = 0 },
		"trial limit":     func(c *Config) { c.TrialDivisionLimit = 1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if _, err := New(DefaultConfig(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil store, got %v", err)
	}
}

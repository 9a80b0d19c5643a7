package allocator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/oracle"
)

type fakePrices struct {
	rates map[oracle.Currency]float64
}

func (f fakePrices) ConvertUSD(_ context.Context, currency oracle.Currency, usd uint64) (oracle.Conversion, error) {
	rate, ok := f.rates[currency]
	if !ok {
		return oracle.Conversion{}, oracle.ErrUnavailable
	}
	return oracle.Conversion{Currency: currency, AmountUSD: usd, Rate: rate, Amount: "x", Source: "fake"}, nil
}

func TestAllocator_QuoteDegradesWithoutOracle(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(), claims.NewMemoryStore(nil), fakePrices{rates: map[oracle.Currency]float64{oracle.BTC: 50000}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q := a.Quote(context.Background(), 101)
	if q.Prime != 101 || q.PriceUSD != 101 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	btc, ok := q.Amounts[oracle.BTC]
	if !ok || btc.AmountUSD != 101 {
		t.Fatalf("missing BTC amount: %+v", q.Amounts)
	}
	if len(q.Missing) != 1 || q.Missing[0] != oracle.DOGE {
		t.Fatalf("missing: got %v want [DOGE]", q.Missing)
	}

	bare, err := New(testConfig(), claims.NewMemoryStore(nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q = bare.Quote(context.Background(), 7)
	if len(q.Amounts) != 0 || len(q.Missing) != 2 || q.PriceUSD != 7 {
		t.Fatalf("quote without oracle: %+v", q)
	}
}

type failingStore struct {
	claims.Store
}

var errBackend = errors.New("connection refused")

func (failingStore) MaxAllocatedPrime(context.Context) (uint64, error) { return 0, errBackend }
func (failingStore) GetByPayer(context.Context, string) (claims.Claim, error) {
	return claims.Claim{}, claims.ErrNotFound
}

func TestAllocator_StoreFailuresSurfaceAsUnavailable(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(), failingStore{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.ReserveNextAvailable(context.Background(), "a@x.com")
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, errBackend) {
		t.Fatalf("expected ErrStoreUnavailable wrapping backend error, got %v", err)
	}
}

// conflictStore loses every race and records the candidates it was offered.
type conflictStore struct {
	*claims.MemoryStore
	offered []uint64
}

func (s *conflictStore) UpsertPending(_ context.Context, prime uint64, _ string, _ time.Time) (claims.Claim, error) {
	s.offered = append(s.offered, prime)
	return claims.Claim{}, &claims.ConflictError{Existing: claims.Claim{Prime: prime, Payer: "other@x.com", Status: claims.StatusPending}}
}

func TestAllocator_ContentionAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxAttempts = 4
	store := &conflictStore{MemoryStore: claims.NewMemoryStore(nil)}
	a, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = a.ReserveNextAvailable(context.Background(), "a@x.com")
	if !errors.Is(err, ErrAllocationContention) {
		t.Fatalf("expected ErrAllocationContention, got %v", err)
	}
	want := []uint64{2, 3, 5, 7}
	if len(store.offered) != len(want) {
		t.Fatalf("attempts: got %v want %v", store.offered, want)
	}
	for i := range want {
		if store.offered[i] != want[i] {
			t.Fatalf("attempts: got %v want %v", store.offered, want)
		}
	}
}

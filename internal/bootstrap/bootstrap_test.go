package bootstrap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/receipts"
)

func TestOpenStores_Memory(t *testing.T) {
	t.Parallel()

	s, err := OpenStores(context.Background(), "Memory", "")
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	defer s.Close()
	if s.Claims == nil || s.Leases == nil || s.Payments == nil {
		t.Fatalf("missing store: %+v", s)
	}
}

func TestOpenStores_Validation(t *testing.T) {
	t.Parallel()

	if _, err := OpenStores(context.Background(), "sqlite", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for driver, got %v", err)
	}
	if _, err := OpenStores(context.Background(), "postgres", " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for dsn, got %v", err)
	}
}

func TestSeedFounder_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := claims.NewMemoryStore(nil)

	inserted, err := SeedFounder(ctx, store)
	if err != nil || !inserted {
		t.Fatalf("SeedFounder: inserted=%v err=%v", inserted, err)
	}
	inserted, err = SeedFounder(ctx, store)
	if err != nil || inserted {
		t.Fatalf("SeedFounder #2: inserted=%v err=%v", inserted, err)
	}

	c, err := store.Get(ctx, FounderPrime)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Payer != FounderPayer || c.Status != claims.StatusPaid || c.Method != claims.MethodFounder {
		t.Fatalf("unexpected founder claim: %+v", c)
	}
}

func TestOpenReceipts_Memory(t *testing.T) {
	t.Parallel()

	rs, err := OpenReceipts(context.Background(), receipts.DriverMemory, "", "")
	if err != nil || rs == nil {
		t.Fatalf("OpenReceipts: %v", err)
	}
}

func TestOwnerID(t *testing.T) {
	t.Parallel()

	a, b := OwnerID(), OwnerID()
	if a == b || !strings.Contains(a, "/") {
		t.Fatalf("owner ids: %q %q", a, b)
	}
}

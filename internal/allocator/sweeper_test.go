package allocator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/theqp/primeclaim/internal/leader"
)

func TestSweeper_OnlyLeaderSweeps(t *testing.T) {
	t.Parallel()

	a, store, clock := newTestAllocator(t, testConfig())
	leases := leader.NewMemoryStore(clock.Now)
	ctx := context.Background()

	a1, err := NewSweeper(SweeperConfig{Interval: time.Minute}, "replica-a", a, leases)
	if err != nil {
		t.Fatalf("NewSweeper a: %v", err)
	}
	b1, err := NewSweeper(SweeperConfig{Interval: time.Minute}, "replica-b", a, leases)
	if err != nil {
		t.Fatalf("NewSweeper b: %v", err)
	}

	if _, err := store.UpsertPending(ctx, 2, "x@x.com", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := a1.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("leader tick: n=%d err=%v", n, err)
	}

	if _, err := store.UpsertPending(ctx, 3, "y@x.com", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err = b1.Tick(ctx)
	if err != nil || n != 0 {
		t.Fatalf("follower tick: n=%d err=%v", n, err)
	}

	// Lease lapses; the follower takes over.
	clock.Advance(3 * time.Minute)
	n, err = b1.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("takeover tick: n=%d err=%v", n, err)
	}
}

func TestSweeper_TasksRunOnLeaderOnly(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	leases := leader.NewMemoryStore(clock.Now)
	ctx := context.Background()

	var ranA, ranB int
	leaderSweeper, err := NewSweeper(SweeperConfig{Interval: time.Minute}, "replica-a", a, leases)
	if err != nil {
		t.Fatalf("NewSweeper a: %v", err)
	}
	leaderSweeper.
		WithTask("failing", func(context.Context) (int64, error) { return 0, errors.New("boom") }).
		WithTask("payments", func(context.Context) (int64, error) { ranA++; return 2, nil })

	follower, err := NewSweeper(SweeperConfig{Interval: time.Minute}, "replica-b", a, leases)
	if err != nil {
		t.Fatalf("NewSweeper b: %v", err)
	}
	follower.WithTask("payments", func(context.Context) (int64, error) { ranB++; return 0, nil })

	if _, err := leaderSweeper.Tick(ctx); err != nil {
		t.Fatalf("leader tick: %v", err)
	}
	if _, err := follower.Tick(ctx); err != nil {
		t.Fatalf("follower tick: %v", err)
	}
	if ranA != 1 || ranB != 0 {
		t.Fatalf("task runs: leader=%d follower=%d", ranA, ranB)
	}
}

func TestSweeper_RunReleasesLease(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAllocator(t, testConfig())
	leases := leader.NewMemoryStore(clock.Now)

	s, err := NewSweeper(SweeperConfig{Interval: time.Hour}, "replica-a", a, leases)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	// Run ticks once before observing cancellation, so the lease is taken
	// and must be handed back on exit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, err := leases.Acquire(context.Background(), "claim-sweeper", "probe", time.Second); err != nil || !ok {
		t.Fatalf("lease not released: ok=%v err=%v", ok, err)
	}
}

func TestNewSweeper_Validation(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAllocator(t, testConfig())
	leases := leader.NewMemoryStore(nil)
	if _, err := NewSweeper(SweeperConfig{}, "", a, leases); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty owner, got %v", err)
	}
	if _, err := NewSweeper(SweeperConfig{Interval: time.Minute, LeaseTTL: time.Second}, "a", a, leases); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for short lease, got %v", err)
	}
	if _, err := NewSweeper(SweeperConfig{}, "a", nil, leases); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil allocator, got %v", err)
	}
}

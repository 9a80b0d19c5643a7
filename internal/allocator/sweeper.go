package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/theqp/primeclaim/internal/leader"
)

type SweeperConfig struct {
	LeaseName string
	LeaseTTL  time.Duration
	Interval  time.Duration
}

// SweepTask is extra cleanup run by the leading sweeper after the claim sweep.
type SweepTask func(ctx context.Context) (int64, error)

type namedTask struct {
	name string
	fn   SweepTask
}

// Sweeper runs Allocator.Sweep on the replica holding the sweeper lease.
type Sweeper struct {
	cfg     SweeperConfig
	ownerID string
	alloc   *Allocator
	leases  leader.Store
	tasks   []namedTask
	log     *slog.Logger
}

func NewSweeper(cfg SweeperConfig, ownerID string, alloc *Allocator, leases leader.Store) (*Sweeper, error) {
	if alloc == nil || leases == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidConfig)
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = "claim-sweeper"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
	}
	if cfg.Interval < 0 || cfg.LeaseTTL < cfg.Interval {
		return nil, fmt.Errorf("%w: interval must be > 0 and lease ttl >= interval", ErrInvalidConfig)
	}
	return &Sweeper{
		cfg:     cfg,
		ownerID: ownerID,
		alloc:   alloc,
		leases:  leases,
		log:     slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

func (s *Sweeper) WithLogger(log *slog.Logger) *Sweeper {
	if s == nil {
		return s
	}
	if log != nil {
		s.log = log
	}
	return s
}

// WithTask adds cleanup that only the lease holder runs, such as pruning
// expired payment records.
func (s *Sweeper) WithTask(name string, fn SweepTask) *Sweeper {
	if s != nil && fn != nil {
		s.tasks = append(s.tasks, namedTask{name: name, fn: fn})
	}
	return s
}

// Tick sweeps once if this replica leads. Followers return (0, nil). The
// returned count covers claims only; task failures are logged.
func (s *Sweeper) Tick(ctx context.Context) (int64, error) {
	if s == nil || s.alloc == nil || s.leases == nil {
		return 0, fmt.Errorf("%w: nil sweeper", ErrInvalidConfig)
	}
	_, leading, err := s.leases.Acquire(ctx, s.cfg.LeaseName, s.ownerID, s.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if !leading {
		return 0, nil
	}
	n, err := s.alloc.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("swept pending claims", "removed", n)
	}
	for _, task := range s.tasks {
		removed, err := task.fn(ctx)
		if err != nil {
			s.log.Warn("sweep task failed", "task", task.name, "err", err)
			continue
		}
		if removed > 0 {
			s.log.Info("sweep task", "task", task.name, "removed", removed)
		}
	}
	return n, nil
}

// Run ticks immediately and then every Interval until ctx is done. The lease
// is released on exit so another replica can take over without waiting.
func (s *Sweeper) Run(ctx context.Context) error {
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leases.Release(rctx, s.cfg.LeaseName, s.ownerID); err != nil && !errors.Is(err, leader.ErrNotOwner) {
			s.log.Warn("release sweeper lease", "err", err)
		}
	}()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep tick", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

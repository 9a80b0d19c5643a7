package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/bootstrap"
	"github.com/theqp/primeclaim/internal/flagenv"
	"github.com/theqp/primeclaim/internal/payments"
	"github.com/theqp/primeclaim/internal/secrets"
)

func main() {
	fs := flag.NewFlagSet("claim-sweeper", flag.ExitOnError)
	var (
		envFile  = fs.String("env-file", "", "optional dotenv file loaded before PRIMECLAIM_* fallbacks")
		logLevel = fs.String("log-level", "info", "log level: debug|info|warn|error")

		storeDriver = fs.String("store-driver", bootstrap.DriverPostgres, "claim store driver: postgres|memory")
		postgresDSN = fs.String("postgres-dsn", "", "Postgres DSN or secret reference (env:NAME, awssm:ID)")

		ownerID   = fs.String("owner-id", "", "unique sweeper instance id; defaults to hostname plus a random suffix")
		leaseName = fs.String("lease-name", "claim-sweeper", "lease name shared by all sweeper replicas")
		leaseTTL  = fs.Duration("lease-ttl", 0, "lease TTL; defaults to twice the interval")
		interval  = fs.Duration("interval", 5*time.Minute, "sweep interval")

		abandonedTTL  = fs.Duration("abandoned-ttl", time.Hour, "age after which unconfirmed payment attempts are swept")
		paymentRetain = fs.Duration("payment-retention", payments.DefaultRetention, "age after which pending payment records are pruned")
		once          = fs.Bool("once", false, "sweep once and exit")
	)
	_ = fs.Parse(os.Args[1:])
	if err := flagenv.Apply(fs, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log, err := flagenv.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	cfg, sweepCfg, err := sweepConfig(*interval, *leaseTTL, *abandonedTTL, *paymentRetain, *leaseName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *ownerID == "" {
		*ownerID = bootstrap.OwnerID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := secrets.NewResolver().Resolve(ctx, *postgresDSN)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}
	stores, err := bootstrap.OpenStores(ctx, *storeDriver, dsn)
	if err != nil {
		log.Error("init stores", "err", err)
		os.Exit(2)
	}
	defer stores.Close()

	// The sweep never quotes, so no price oracle is wired.
	alloc, err := allocator.New(cfg, stores.Claims, nil)
	if err != nil {
		log.Error("init allocator", "err", err)
		os.Exit(2)
	}
	alloc.WithLogger(log)

	sweeper, err := allocator.NewSweeper(sweepCfg, *ownerID, alloc, stores.Leases)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}
	sweeper.WithLogger(log).WithTask("payments", func(ctx context.Context) (int64, error) {
		return stores.Payments.SweepExpired(ctx, *paymentRetain)
	})

	if *once {
		n, err := sweeper.Tick(ctx)
		if err != nil {
			log.Error("sweep", "err", err)
			os.Exit(1)
		}
		log.Info("sweep done", "removed", n)
		return
	}

	log.Info("claim-sweeper started", "owner", *ownerID, "lease", *leaseName, "interval", *interval)
	if err := sweeper.Run(ctx); err != nil {
		log.Error("sweeper stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}

func sweepConfig(interval, leaseTTL, abandonedTTL, paymentRetain time.Duration, leaseName string) (allocator.Config, allocator.SweeperConfig, error) {
	if interval <= 0 {
		return allocator.Config{}, allocator.SweeperConfig{}, errors.New("--interval must be > 0")
	}
	if leaseTTL < 0 || (leaseTTL > 0 && leaseTTL < interval) {
		return allocator.Config{}, allocator.SweeperConfig{}, errors.New("--lease-ttl must be 0 or >= --interval")
	}
	if paymentRetain <= 0 {
		return allocator.Config{}, allocator.SweeperConfig{}, errors.New("--payment-retention must be > 0")
	}
	if strings.TrimSpace(leaseName) == "" {
		return allocator.Config{}, allocator.SweeperConfig{}, errors.New("--lease-name is required")
	}

	cfg := allocator.DefaultConfig()
	cfg.AbandonedTTL = abandonedTTL
	if err := cfg.Validate(); err != nil {
		return allocator.Config{}, allocator.SweeperConfig{}, fmt.Errorf("--abandoned-ttl: %w", err)
	}
	return cfg, allocator.SweeperConfig{
		LeaseName: strings.TrimSpace(leaseName),
		LeaseTTL:  leaseTTL,
		Interval:  interval,
	}, nil
}

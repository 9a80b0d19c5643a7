// Package bootstrap wires stores and clients shared by the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theqp/primeclaim/internal/claims"
	claimspg "github.com/theqp/primeclaim/internal/claims/postgres"
	"github.com/theqp/primeclaim/internal/leader"
	leaderpg "github.com/theqp/primeclaim/internal/leader/postgres"
	"github.com/theqp/primeclaim/internal/payments"
	paymentspg "github.com/theqp/primeclaim/internal/payments/postgres"
	"github.com/theqp/primeclaim/internal/receipts"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	FounderPayer = "robbie@theqp.ai"
	FounderPrime = 2
)

var ErrInvalidConfig = errors.New("bootstrap: invalid config")

// Stores groups the persistence backends. Memory stores only make sense for a
// single process.
type Stores struct {
	Claims   claims.Store
	Leases   leader.Store
	Payments payments.Store

	pool *pgxpool.Pool
}

func (s *Stores) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func OpenStores(ctx context.Context, driver, postgresDSN string) (*Stores, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return &Stores{
			Claims:   claims.NewMemoryStore(nil),
			Leases:   leader.NewMemoryStore(nil),
			Payments: payments.NewMemoryStore(nil),
		}, nil
	case "", DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, driver)
	}

	if strings.TrimSpace(postgresDSN) == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidConfig)
	}
	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("init pgx pool: %w", err)
	}

	claimStore, err := claimspg.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	leaseStore, err := leaderpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	paymentStore, err := paymentspg.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"claims":   claimStore.EnsureSchema,
		"leases":   leaseStore.EnsureSchema,
		"payments": paymentStore.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure %s schema: %w", name, err)
		}
	}

	return &Stores{
		Claims:   claimStore,
		Leases:   leaseStore,
		Payments: paymentStore,
		pool:     pool,
	}, nil
}

// SeedFounder records the founder's prime as paid. It is a no-op once the row
// exists.
func SeedFounder(ctx context.Context, store claims.Store) (bool, error) {
	inserted, err := store.SeedPaid(ctx, claims.Claim{
		Prime:  FounderPrime,
		Payer:  FounderPayer,
		Method: claims.MethodFounder,
	})
	if errors.Is(err, claims.ErrPayerAlreadyPaid) {
		return false, nil
	}
	return inserted, err
}

// OpenReceipts builds the receipt store. The s3 driver loads credentials from
// the default AWS chain.
func OpenReceipts(ctx context.Context, driver, bucket, prefix string) (receipts.Store, error) {
	cfg := receipts.Config{Driver: driver, Bucket: bucket, Prefix: prefix}
	if strings.EqualFold(strings.TrimSpace(driver), receipts.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return receipts.New(cfg)
}

// OwnerID identifies this process in leader leases.
func OwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "/" + uuid.NewString()
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/payments"
)

var ErrInvalidConfig = errors.New("payments/postgres: invalid config")

const paymentColumns = `
	reference,
	method,
	prime,
	payer,
	address,
	amount_crypto,
	amount_usd,
	rate,
	rate_source,
	uri,
	status,
	COALESCE(tx_hash, ''),
	confirmations,
	created_at,
	expires_at,
	confirmed_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("payments/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p payments.Payment) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if p.Reference == "" || p.Prime < 2 || p.Prime > math.MaxInt64 || p.AmountUSD > math.MaxInt64 {
		return payments.ErrInvalidInput
	}
	if p.Status == "" {
		p.Status = payments.StatusPending
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO crypto_payments (
			reference, method, prime, payer, address,
			amount_crypto, amount_usd, rate, rate_source, uri,
			status, created_at, expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
	`,
		p.Reference,
		string(p.Method),
		int64(p.Prime),
		p.Payer,
		p.Address,
		p.AmountCrypto,
		int64(p.AmountUSD),
		p.Rate,
		p.RateSource,
		p.URI,
		string(p.Status),
		p.CreatedAt.UTC(),
		p.ExpiresAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return payments.ErrDuplicate
		}
		return fmt.Errorf("payments/postgres: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref string) (payments.Payment, error) {
	if s == nil || s.pool == nil {
		return payments.Payment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ref == "" {
		return payments.Payment{}, payments.ErrInvalidInput
	}
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM crypto_payments WHERE reference = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payments.Payment{}, payments.ErrNotFound
		}
		return payments.Payment{}, fmt.Errorf("payments/postgres: get: %w", err)
	}
	return p, nil
}

func (s *Store) MarkConfirmed(ctx context.Context, ref, txHash string, confirmations int) (payments.Payment, error) {
	if s == nil || s.pool == nil {
		return payments.Payment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ref == "" || confirmations < 0 {
		return payments.Payment{}, payments.ErrInvalidInput
	}
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		UPDATE crypto_payments
		SET status = 'confirmed',
			tx_hash = COALESCE(NULLIF($2, ''), tx_hash),
			confirmations = GREATEST(confirmations, $3),
			confirmed_at = COALESCE(confirmed_at, now()),
			updated_at = now()
		WHERE reference = $1
		RETURNING `+paymentColumns, ref, txHash, confirmations))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payments.Payment{}, payments.ErrNotFound
		}
		return payments.Payment{}, fmt.Errorf("payments/postgres: mark confirmed: %w", err)
	}
	return p, nil
}

func (s *Store) SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if olderThan <= 0 {
		return 0, payments.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM crypto_payments
		WHERE status = 'pending'
			AND created_at <= now() - ($1::bigint * interval '1 millisecond')
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("payments/postgres: sweep expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPayment(row pgx.Row) (payments.Payment, error) {
	var (
		p         payments.Payment
		method    string
		prime     int64
		amountUSD int64
		status    string
	)
	err := row.Scan(
		&p.Reference,
		&method,
		&prime,
		&p.Payer,
		&p.Address,
		&p.AmountCrypto,
		&amountUSD,
		&p.Rate,
		&p.RateSource,
		&p.URI,
		&status,
		&p.TxHash,
		&p.Confirmations,
		&p.CreatedAt,
		&p.ExpiresAt,
		&p.ConfirmedAt,
	)
	if err != nil {
		return payments.Payment{}, err
	}
	m, err := claims.ParseMethod(method)
	if err != nil {
		return payments.Payment{}, err
	}
	st, err := payments.ParseStatus(status)
	if err != nil {
		return payments.Payment{}, err
	}
	if prime < 2 || amountUSD < 0 {
		return payments.Payment{}, fmt.Errorf("payments/postgres: invalid row for %s", p.Reference)
	}
	p.Method = m
	p.Prime = uint64(prime)
	p.AmountUSD = uint64(amountUSD)
	p.Status = st
	return p, nil
}

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
)

var ErrInvalidConfig = errors.New("claims/postgres: invalid config")

const uniqueViolation = "23505"

const claimColumns = `
	prime,
	payer,
	status,
	expires_at,
	COALESCE(payment_method, ''),
	COALESCE(payment_ref, ''),
	COALESCE(amount_paid::text, ''),
	claimed_at,
	paid_at`

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
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("claims/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) MaxAllocatedPrime(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var highest int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(prime), 1) FROM prime_claims`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("claims/postgres: max prime: %w", err)
	}
	if highest < 1 {
		return 1, nil
	}
	return uint64(highest), nil
}

func (s *Store) Get(ctx context.Context, prime uint64) (claims.Claim, error) {
	if s == nil || s.pool == nil {
		return claims.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if prime > math.MaxInt64 {
		return claims.Claim{}, claims.ErrNotFound
	}
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM prime_claims WHERE prime = $1`, int64(prime)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claims.Claim{}, claims.ErrNotFound
		}
		return claims.Claim{}, fmt.Errorf("claims/postgres: get: %w", err)
	}
	return c, nil
}

func (s *Store) GetByPayer(ctx context.Context, payer string) (claims.Claim, error) {
	if s == nil || s.pool == nil {
		return claims.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if payer == "" {
		return claims.Claim{}, claims.ErrInvalidInput
	}
	c, err := scanClaim(s.pool.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM prime_claims
		WHERE payer = $1
		ORDER BY (status = 'paid') DESC, claimed_at DESC, prime DESC
		LIMIT 1
	`, payer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claims.Claim{}, claims.ErrNotFound
		}
		return claims.Claim{}, fmt.Errorf("claims/postgres: get by payer: %w", err)
	}
	return c, nil
}

func (s *Store) IsActivelyReserved(ctx context.Context, prime uint64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if prime > math.MaxInt64 {
		return false, nil
	}
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM prime_claims
			WHERE prime = $1
				AND (
					status = 'paid'
					OR (status = 'pending' AND (expires_at IS NULL OR expires_at > now()))
				)
		)
	`, int64(prime)).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("claims/postgres: is actively reserved: %w", err)
	}
	return active, nil
}

func (s *Store) UpsertPending(ctx context.Context, prime uint64, payer string, expiresAt time.Time) (claims.Claim, error) {
	if s == nil || s.pool == nil {
		return claims.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if prime < 2 || prime > math.MaxInt64 || payer == "" || expiresAt.IsZero() {
		return claims.Claim{}, claims.ErrInvalidInput
	}

	// The WHERE on the conflict arm is the whole availability check: the row is
	// only taken over when it is an expired reservation, or renewed when the
	// same payer still holds it as a reservation.
	c, err := scanClaim(s.pool.QueryRow(ctx, `
		INSERT INTO prime_claims (prime, payer, status, expires_at, claimed_at, updated_at)
		VALUES ($1, $2, 'pending', $3, now(), now())
		ON CONFLICT (prime) DO UPDATE
		SET payer = EXCLUDED.payer,
			expires_at = EXCLUDED.expires_at,
			payment_method = NULL,
			payment_ref = NULL,
			claimed_at = now(),
			updated_at = now()
		WHERE prime_claims.status = 'pending'
			AND prime_claims.expires_at IS NOT NULL
			AND (prime_claims.expires_at <= now() OR prime_claims.payer = EXCLUDED.payer)
		RETURNING `+claimColumns, int64(prime), payer, expiresAt.UTC()))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return claims.Claim{}, fmt.Errorf("claims/postgres: upsert pending: %w", err)
	}

	existing, gerr := s.Get(ctx, prime)
	if errors.Is(gerr, claims.ErrNotFound) {
		// Swept between the upsert and the read; the caller may retry.
		return claims.Claim{}, fmt.Errorf("%w: prime %d changed concurrently", claims.ErrConflict, prime)
	}
	if gerr != nil {
		return claims.Claim{}, gerr
	}
	return claims.Claim{}, &claims.ConflictError{Existing: existing}
}

func (s *Store) AttachPayment(ctx context.Context, prime uint64, payer string, method claims.Method, ref string) (claims.Claim, error) {
	if s == nil || s.pool == nil {
		return claims.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := claims.ValidateAttach(prime, payer, method, ref); err != nil {
		return claims.Claim{}, err
	}
	if prime > math.MaxInt64 {
		return claims.Claim{}, claims.ErrNotFound
	}

	c, err := scanClaim(s.pool.QueryRow(ctx, `
		UPDATE prime_claims
		SET expires_at = NULL,
			payment_method = $3,
			payment_ref = $4,
			claimed_at = now(),
			updated_at = now()
		WHERE prime = $1
			AND payer = $2
			AND status = 'pending'
			AND (expires_at IS NULL OR expires_at > now())
		RETURNING `+claimColumns, int64(prime), payer, string(method), ref))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return claims.Claim{}, fmt.Errorf("claims/postgres: attach payment: %w", err)
	}

	existing, gerr := s.Get(ctx, prime)
	if gerr != nil {
		return claims.Claim{}, gerr
	}
	return claims.Claim{}, &claims.ConflictError{Existing: existing}
}

func (s *Store) ConfirmPayment(ctx context.Context, ref string, amountUSD string) (claims.Claim, bool, error) {
	if s == nil || s.pool == nil {
		return claims.Claim{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ref == "" {
		return claims.Claim{}, false, claims.ErrInvalidInput
	}
	if err := claims.ValidateAmount(amountUSD); err != nil {
		return claims.Claim{}, false, err
	}

	c, err := scanClaim(s.pool.QueryRow(ctx, `
		UPDATE prime_claims
		SET status = 'paid',
			expires_at = NULL,
			amount_paid = $2::numeric,
			paid_at = now(),
			updated_at = now()
		WHERE payment_ref = $1 AND status = 'pending'
		RETURNING `+claimColumns, ref, amountUSD))
	if err == nil {
		return c, true, nil
	}
	if isUniqueViolation(err) {
		return claims.Claim{}, false, claims.ErrPayerAlreadyPaid
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return claims.Claim{}, false, fmt.Errorf("claims/postgres: confirm payment: %w", err)
	}

	// Duplicate delivery: report the already confirmed row without touching it.
	paid, err := scanClaim(s.pool.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM prime_claims
		WHERE payment_ref = $1 AND status = 'paid'
	`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claims.Claim{}, false, claims.ErrNotFound
		}
		return claims.Claim{}, false, fmt.Errorf("claims/postgres: confirm payment lookup: %w", err)
	}
	return paid, false, nil
}

func (s *Store) ReleasePending(ctx context.Context, prime uint64, payer string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if prime < 2 || prime > math.MaxInt64 || payer == "" {
		return claims.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM prime_claims
		WHERE prime = $1 AND payer = $2 AND status = 'pending'
	`, int64(prime), payer)
	if err != nil {
		return fmt.Errorf("claims/postgres: release pending: %w", err)
	}
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, abandonedTTL time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if abandonedTTL <= 0 {
		return 0, claims.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM prime_claims
		WHERE status = 'pending'
			AND (
				(expires_at IS NOT NULL AND expires_at <= now())
				OR (expires_at IS NULL AND claimed_at <= now() - ($1::bigint * interval '1 millisecond'))
			)
	`, abandonedTTL.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("claims/postgres: sweep expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SeedPaid(ctx context.Context, c claims.Claim) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if c.Prime < 2 || c.Prime > math.MaxInt64 || c.Payer == "" {
		return false, claims.ErrInvalidInput
	}
	amount := c.AmountPaid
	if amount == "" {
		amount = fmt.Sprintf("%d", c.Prime)
	}
	if err := claims.ValidateAmount(amount); err != nil {
		return false, err
	}
	method := c.Method
	if method == claims.MethodNone {
		method = claims.MethodFounder
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prime_claims (prime, payer, status, payment_method, payment_ref, amount_paid, claimed_at, paid_at, updated_at)
		VALUES ($1, $2, 'paid', $3, NULLIF($4, ''), $5::numeric, now(), now(), now())
		ON CONFLICT (prime) DO NOTHING
	`, int64(c.Prime), c.Payer, string(method), c.PaymentRef, amount)
	if err != nil {
		if isUniqueViolation(err) {
			return false, claims.ErrPayerAlreadyPaid
		}
		return false, fmt.Errorf("claims/postgres: seed paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Stats(ctx context.Context, recent int) (claims.Stats, error) {
	if s == nil || s.pool == nil {
		return claims.Stats{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if recent < 0 {
		recent = 0
	}

	out := claims.Stats{
		PaidByMethod:    make(map[claims.Method]int64),
		RevenueByMethod: make(map[claims.Method]string),
	}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'paid'),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM prime_claims
	`).Scan(&out.Claimed, &out.Paid, &out.Pending)
	if err != nil {
		return claims.Stats{}, fmt.Errorf("claims/postgres: stats counts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(payment_method, ''), COUNT(*), COALESCE(SUM(amount_paid), 0)::numeric(20, 2)::text
		FROM prime_claims
		WHERE status = 'paid'
		GROUP BY 1
	`)
	if err != nil {
		return claims.Stats{}, fmt.Errorf("claims/postgres: stats by method: %w", err)
	}
	for rows.Next() {
		var (
			method  string
			count   int64
			revenue string
		)
		if err := rows.Scan(&method, &count, &revenue); err != nil {
			rows.Close()
			return claims.Stats{}, fmt.Errorf("claims/postgres: scan stats row: %w", err)
		}
		out.PaidByMethod[claims.Method(method)] = count
		out.RevenueByMethod[claims.Method(method)] = revenue
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return claims.Stats{}, fmt.Errorf("claims/postgres: stats by method rows: %w", err)
	}

	if recent == 0 {
		return out, nil
	}
	rows, err = s.pool.Query(ctx, `
		SELECT `+claimColumns+`
		FROM prime_claims
		WHERE status = 'paid'
		ORDER BY paid_at DESC, prime DESC
		LIMIT $1
	`, recent)
	if err != nil {
		return claims.Stats{}, fmt.Errorf("claims/postgres: recent claims: %w", err)
	}
	defer rows.Close()

	out.Recent = make([]claims.Claim, 0, recent)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return claims.Stats{}, fmt.Errorf("claims/postgres: scan recent row: %w", err)
		}
		out.Recent = append(out.Recent, c)
	}
	if err := rows.Err(); err != nil {
		return claims.Stats{}, fmt.Errorf("claims/postgres: recent claims rows: %w", err)
	}
	return out, nil
}

func scanClaim(row pgx.Row) (claims.Claim, error) {
	var (
		prime     int64
		payer     string
		status    string
		expiresAt *time.Time
		method    string
		ref       string
		amount    string
		claimedAt time.Time
		paidAt    *time.Time
	)
	if err := row.Scan(&prime, &payer, &status, &expiresAt, &method, &ref, &amount, &claimedAt, &paidAt); err != nil {
		return claims.Claim{}, err
	}
	if prime < 2 {
		return claims.Claim{}, fmt.Errorf("claims/postgres: invalid prime %d in db", prime)
	}
	st, err := claims.ParseStatus(status)
	if err != nil {
		return claims.Claim{}, err
	}
	return claims.Claim{
		Prime:      uint64(prime),
		Payer:      payer,
		Status:     st,
		ExpiresAt:  expiresAt,
		Method:     claims.Method(method),
		PaymentRef: ref,
		AmountPaid: amount,
		ClaimedAt:  claimedAt,
		PaidAt:     paidAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

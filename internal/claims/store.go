package claims

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput     = errors.New("claims: invalid input")
	ErrNotFound         = errors.New("claims: not found")
	ErrConflict         = errors.New("claims: conflict")
	ErrPayerAlreadyPaid = errors.New("claims: payer already holds a paid claim")
)

// ConflictError is returned when a conditional write loses to an existing row.
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	Existing Claim
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("claims: conflict on prime %d (status=%s)", e.Existing.Prime, e.Existing.Status)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Store persists claims. Every mutating call is a single conditional write so
// that concurrent processes sharing the backend cannot double-allocate a prime.
//
// Semantics:
//   - UpsertPending inserts a soft reservation, overwrites a PENDING row whose
//     expiry has passed, or renews the same payer's unexpired reservation.
//     Anything else fails with a *ConflictError carrying the existing row.
//   - AttachPayment turns the payer's PENDING row into a payment attempt:
//     expires_at is cleared and claimed_at restarts the abandoned timer.
//   - ConfirmPayment is idempotent: the bool reports whether this call made the
//     PENDING -> PAID transition. A repeated call returns the PAID row with
//     false; an unknown reference returns ErrNotFound.
//   - SweepExpired deletes expired reservations and payment attempts older
//     than abandonedTTL. PAID rows are never touched.
type Store interface {
	MaxAllocatedPrime(ctx context.Context) (uint64, error)
	Get(ctx context.Context, prime uint64) (Claim, error)
	GetByPayer(ctx context.Context, payer string) (Claim, error)
	IsActivelyReserved(ctx context.Context, prime uint64) (bool, error)

	UpsertPending(ctx context.Context, prime uint64, payer string, expiresAt time.Time) (Claim, error)
	AttachPayment(ctx context.Context, prime uint64, payer string, method Method, ref string) (Claim, error)
	ConfirmPayment(ctx context.Context, ref string, amountUSD string) (Claim, bool, error)
	ReleasePending(ctx context.Context, prime uint64, payer string) error
	SweepExpired(ctx context.Context, abandonedTTL time.Duration) (int64, error)

	SeedPaid(ctx context.Context, c Claim) (bool, error)
	Stats(ctx context.Context, recent int) (Stats, error)
}

func validatePending(prime uint64, payer string, expiresAt time.Time) error {
	if prime < 2 || payer == "" || expiresAt.IsZero() {
		return fmt.Errorf("%w: prime must be >= 2, payer non-empty and expiry set", ErrInvalidInput)
	}
	if prime > maxStoredPrime {
		return fmt.Errorf("%w: prime %d exceeds storable range", ErrInvalidInput, prime)
	}
	return nil
}

// maxStoredPrime is the largest value a BIGINT column can hold.
const maxStoredPrime = 1<<63 - 1

// MaxStoredPrime exposes the storable upper bound to callers.
func MaxStoredPrime() uint64 { return maxStoredPrime }

func ValidateAttach(prime uint64, payer string, method Method, ref string) error {
	if prime < 2 || payer == "" || ref == "" {
		return fmt.Errorf("%w: prime, payer and reference are required", ErrInvalidInput)
	}
	switch method {
	case MethodBitcoin, MethodDogecoin:
		return nil
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidInput, method)
	}
}

func ValidateAmount(amountUSD string) error {
	if amountUSD == "" {
		return fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	if _, ok := parseDecimal(amountUSD); !ok {
		return fmt.Errorf("%w: amount %q is not a non-negative decimal below 1e22", ErrInvalidInput, amountUSD)
	}
	return nil
}

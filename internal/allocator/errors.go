package allocator

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("allocator: invalid config")
	ErrInvalidInput  = errors.New("allocator: invalid input")

	ErrNotPrime = errors.New("allocator: not prime")
	// ErrAlreadyClaimed is final: the prime or the payer already has a PAID claim.
	ErrAlreadyClaimed = errors.New("allocator: already claimed")
	// ErrAlreadyReserved may clear once the holder's reservation expires.
	ErrAlreadyReserved = errors.New("allocator: already reserved")
	// ErrAllocationContention is safe to retry immediately.
	ErrAllocationContention = errors.New("allocator: allocation contention")
	ErrStoreUnavailable     = errors.New("allocator: store unavailable")
	ErrOracleUnavailable    = errors.New("allocator: oracle unavailable")

	// ErrReservationLost means the reservation expired and was taken or swept
	// before a payment could be attached.
	ErrReservationLost = errors.New("allocator: reservation lost")
	ErrNotFound        = errors.New("allocator: not found")
)

// ClaimedError carries the prime behind an ErrAlreadyClaimed result.
type ClaimedError struct {
	Prime uint64
	// ByPayer is set when the requesting payer owns the paid claim.
	ByPayer bool
}

func (e *ClaimedError) Error() string {
	if e.ByPayer {
		return fmt.Sprintf("allocator: payer already claimed prime %d", e.Prime)
	}
	return fmt.Sprintf("allocator: prime %d already claimed", e.Prime)
}

func (e *ClaimedError) Is(target error) bool {
	return target == ErrAlreadyClaimed
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

package leader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leader: invalid input")
	ErrNotOwner     = errors.New("leader: not owner")
)

// Lease is a named, expiring leadership record.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store grants leadership of a named role to one owner at a time.
//
// Acquire takes the lease when it is absent or expired and extends it when
// owner already holds it; both cases report true. Release is idempotent when
// the lease is already gone.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

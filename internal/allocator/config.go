package allocator

import (
	"fmt"
	"time"
)

// Config enumerates every tunable of the allocator. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// ReservationTTL bounds soft reservations when the caller gives no TTL.
	ReservationTTL time.Duration
	// AbandonedTTL is how long a payment attempt may stay unconfirmed before
	// the sweep removes it.
	AbandonedTTL time.Duration

	// MaxAttempts bounds the next-available retry loop.
	MaxAttempts int
	// RetryBackoff is the upper bound of the jittered pause between attempts.
	RetryBackoff time.Duration

	StoreTimeout time.Duration
	QuoteTimeout time.Duration

	// TrialDivisionLimit selects where primality switches to Miller-Rabin.
	// Zero keeps the primes package default.
	TrialDivisionLimit uint64
}

func DefaultConfig() Config {
	return Config{
		ReservationTTL: time.Hour,
		AbandonedTTL:   time.Hour,
		MaxAttempts:    5,
		RetryBackoff:   20 * time.Millisecond,
		StoreTimeout:   5 * time.Second,
		QuoteTimeout:   5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("%w: reservation ttl must be > 0", ErrInvalidConfig)
	}
	if c.AbandonedTTL <= 0 {
		return fmt.Errorf("%w: abandoned ttl must be > 0", ErrInvalidConfig)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidConfig)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must be >= 0", ErrInvalidConfig)
	}
	if c.StoreTimeout <= 0 || c.QuoteTimeout <= 0 {
		return fmt.Errorf("%w: store and quote timeouts must be > 0", ErrInvalidConfig)
	}
	if c.TrialDivisionLimit == 1 {
		return fmt.Errorf("%w: trial division limit must be 0 or >= 2", ErrInvalidConfig)
	}
	return nil
}

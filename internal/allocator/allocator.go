package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/metrics"
	"github.com/theqp/primeclaim/internal/oracle"
	"github.com/theqp/primeclaim/internal/primes"
)

// PriceOracle converts a USD amount into a payment currency.
type PriceOracle interface {
	ConvertUSD(ctx context.Context, currency oracle.Currency, usd uint64) (oracle.Conversion, error)
}

// Reservation is a prime held for a payer. PriceUSD is always derived from
// Prime, so a quote can never drift from the reserved value.
type Reservation struct {
	Prime uint64
	Payer string
	// ExpiresAt is zero once a payment attempt is attached.
	ExpiresAt time.Time
	PriceUSD  uint64

	Method     claims.Method
	PaymentRef string

	// Held is set when the payer already held this prime before the call
	// that returned it.
	Held bool
}

func (r Reservation) InFlight() bool {
	return r.ExpiresAt.IsZero()
}

func reservationFrom(c claims.Claim) Reservation {
	r := Reservation{
		Prime:      c.Prime,
		Payer:      c.Payer,
		PriceUSD:   primes.Price(c.Prime),
		Method:     c.Method,
		PaymentRef: c.PaymentRef,
	}
	if c.ExpiresAt != nil {
		r.ExpiresAt = *c.ExpiresAt
	}
	return r
}

// Allocator hands out primes to payers. It keeps no allocation state of its
// own: every decision is re-derived from the store, and every write is a
// single conditional store operation, so any number of replicas can share
// one store.
type Allocator struct {
	cfg        Config
	store      claims.Store
	primes     primes.Oracle
	prices     PriceOracle
	currencies []oracle.Currency
	now        func() time.Time
	log        *slog.Logger
}

// New builds an allocator. prices may be nil, in which case quotes carry no
// currency amounts.
func New(cfg Config, store claims.Store, prices PriceOracle) (*Allocator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		cfg:        cfg,
		store:      store,
		primes:     primes.Oracle{TrialDivisionLimit: cfg.TrialDivisionLimit},
		prices:     prices,
		currencies: []oracle.Currency{oracle.BTC, oracle.DOGE},
		now:        time.Now,
		log:        slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

func (a *Allocator) WithLogger(log *slog.Logger) *Allocator {
	if a == nil {
		return a
	}
	if log != nil {
		a.log = log
	}
	return a
}

func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	if a == nil {
		return a
	}
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Allocator) Config() Config { return a.cfg }

func (a *Allocator) IsPrime(n uint64) bool { return a.primes.IsPrime(n) }

func (a *Allocator) PrimeIndex(p uint64) (uint64, bool) { return a.primes.Index(p) }

func (a *Allocator) Price(p uint64) uint64 { return primes.Price(p) }

// FindNextAvailablePrime returns the first prime above every prime ever
// stored that is not actively held. The result is only a candidate: another
// caller may reserve it first.
func (a *Allocator) FindNextAvailablePrime(ctx context.Context) (uint64, error) {
	return a.findFrom(ctx, 0)
}

func (a *Allocator) findFrom(ctx context.Context, floor uint64) (uint64, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	highest, err := a.store.MaxAllocatedPrime(sctx)
	cancel()
	if err != nil {
		return 0, storeErr(err)
	}
	if floor > highest {
		highest = floor
	}

	for c := primes.NextCandidate(highest); ; c = primes.NextCandidate(c) {
		if c > claims.MaxStoredPrime() {
			return 0, fmt.Errorf("%w: no storable prime above %d", ErrInvalidInput, highest)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !a.primes.IsPrime(c) {
			continue
		}
		active, err := a.isActive(ctx, c)
		if err != nil {
			return 0, err
		}
		if !active {
			return c, nil
		}
	}
}

func (a *Allocator) isActive(ctx context.Context, prime uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	active, err := a.store.IsActivelyReserved(ctx, prime)
	if err != nil {
		return false, storeErr(err)
	}
	return active, nil
}

// ReserveNextAvailable reserves the next free prime for payer.
//
// A payer that already holds a live reservation gets it back (renewed when it
// is still a soft reservation); a payer with a paid claim gets
// ErrAlreadyClaimed. A lost race restarts the search above the lost
// candidate, so each attempt moves strictly upward.
func (a *Allocator) ReserveNextAvailable(ctx context.Context, payer string) (Reservation, error) {
	payer = claims.NormalizePayer(payer)
	if payer == "" {
		return Reservation{}, fmt.Errorf("%w: payer is required", ErrInvalidInput)
	}

	if res, ok, err := a.existingForPayer(ctx, payer); err != nil || ok {
		if err == nil {
			metrics.RecordReservation("next", "existing")
		}
		return res, err
	}

	var floor uint64
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		candidate, err := a.findFrom(ctx, floor)
		if err != nil {
			return Reservation{}, err
		}

		c, err := a.upsert(ctx, candidate, payer, a.cfg.ReservationTTL)
		if err == nil {
			metrics.RecordReservation("next", "ok")
			a.log.Info("prime reserved", "path", "next", "prime", c.Prime, "payer", payer, "attempt", attempt)
			return reservationFrom(c), nil
		}

		var ce *claims.ConflictError
		switch {
		case errors.As(err, &ce):
			if ce.Existing.Payer == payer {
				return ownClaim(ce.Existing)
			}
		case errors.Is(err, claims.ErrConflict):
		default:
			return Reservation{}, a.mapWriteErr(err)
		}

		metrics.RecordAllocationRetry()
		a.log.Debug("lost allocation race", "prime", candidate, "attempt", attempt)
		floor = candidate
		if attempt < a.cfg.MaxAttempts {
			if err := a.pause(ctx); err != nil {
				return Reservation{}, err
			}
		}
	}

	metrics.RecordReservation("next", "contention")
	return Reservation{}, fmt.Errorf("%w: gave up after %d attempts", ErrAllocationContention, a.cfg.MaxAttempts)
}

// ReserveSpecificPrime reserves prime for payer for ttl (the configured
// ReservationTTL when ttl <= 0). Reserving a different prime replaces the
// payer's previous soft reservation.
func (a *Allocator) ReserveSpecificPrime(ctx context.Context, prime uint64, payer string, ttl time.Duration) (Reservation, error) {
	payer = claims.NormalizePayer(payer)
	if payer == "" {
		return Reservation{}, fmt.Errorf("%w: payer is required", ErrInvalidInput)
	}
	if !a.primes.IsPrime(prime) {
		metrics.RecordReservation("specific", "not_prime")
		return Reservation{}, fmt.Errorf("%w: %d", ErrNotPrime, prime)
	}
	if prime > claims.MaxStoredPrime() {
		return Reservation{}, fmt.Errorf("%w: prime %d exceeds storable range", ErrInvalidInput, prime)
	}
	if ttl <= 0 {
		ttl = a.cfg.ReservationTTL
	}

	prev, hasPrev, err := a.payerClaim(ctx, payer)
	if err != nil {
		return Reservation{}, err
	}
	if hasPrev && prev.Status == claims.StatusPaid {
		return Reservation{}, &ClaimedError{Prime: prev.Prime, ByPayer: true}
	}
	if hasPrev && prev.Prime == prime && prev.InFlight() {
		return heldFrom(prev), nil
	}
	held := hasPrev && prev.Prime == prime && prev.ActiveAt(a.now())

	c, err := a.upsert(ctx, prime, payer, ttl)
	if err != nil {
		var ce *claims.ConflictError
		switch {
		case errors.As(err, &ce) && ce.Existing.Status == claims.StatusPaid:
			metrics.RecordReservation("specific", "already_claimed")
			return Reservation{}, &ClaimedError{Prime: prime, ByPayer: ce.Existing.Payer == payer}
		case errors.As(err, &ce) && ce.Existing.Payer == payer:
			return heldFrom(ce.Existing), nil
		case errors.Is(err, claims.ErrConflict):
			metrics.RecordReservation("specific", "already_reserved")
			return Reservation{}, fmt.Errorf("%w: prime %d", ErrAlreadyReserved, prime)
		default:
			return Reservation{}, a.mapWriteErr(err)
		}
	}

	if hasPrev && prev.Prime != prime && prev.Status == claims.StatusPending && prev.ExpiresAt != nil && prev.ActiveAt(a.now()) {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
		if err := a.store.ReleasePending(rctx, prev.Prime, payer); err != nil {
			a.log.Warn("release previous reservation", "prime", prev.Prime, "payer", payer, "err", err)
		}
		cancel()
	}

	metrics.RecordReservation("specific", "ok")
	a.log.Info("prime reserved", "path", "specific", "prime", c.Prime, "payer", payer, "expires_at", c.ExpiresAt)
	res := reservationFrom(c)
	res.Held = held
	return res, nil
}

// existingForPayer returns the payer's live reservation, renewing a soft one.
func (a *Allocator) existingForPayer(ctx context.Context, payer string) (Reservation, bool, error) {
	c, ok, err := a.payerClaim(ctx, payer)
	if err != nil || !ok {
		return Reservation{}, false, err
	}
	if c.Status == claims.StatusPaid {
		return Reservation{}, false, &ClaimedError{Prime: c.Prime, ByPayer: true}
	}
	if !c.ActiveAt(a.now()) {
		return Reservation{}, false, nil
	}
	if c.InFlight() {
		return heldFrom(c), true, nil
	}

	renewed, err := a.upsert(ctx, c.Prime, payer, a.cfg.ReservationTTL)
	if err != nil {
		if errors.Is(err, claims.ErrConflict) {
			// Expired and taken between the read and the renewal.
			return Reservation{}, false, nil
		}
		return Reservation{}, false, a.mapWriteErr(err)
	}
	return heldFrom(renewed), true, nil
}

func (a *Allocator) payerClaim(ctx context.Context, payer string) (claims.Claim, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	c, err := a.store.GetByPayer(ctx, payer)
	if errors.Is(err, claims.ErrNotFound) {
		return claims.Claim{}, false, nil
	}
	if err != nil {
		return claims.Claim{}, false, storeErr(err)
	}
	return c, true, nil
}

func (a *Allocator) upsert(ctx context.Context, prime uint64, payer string, ttl time.Duration) (claims.Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	return a.store.UpsertPending(ctx, prime, payer, a.now().Add(ttl))
}

func ownClaim(c claims.Claim) (Reservation, error) {
	if c.Status == claims.StatusPaid {
		return Reservation{}, &ClaimedError{Prime: c.Prime, ByPayer: true}
	}
	return heldFrom(c), nil
}

func heldFrom(c claims.Claim) Reservation {
	r := reservationFrom(c)
	r.Held = true
	return r
}

func (a *Allocator) mapWriteErr(err error) error {
	switch {
	case errors.Is(err, claims.ErrInvalidInput):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, claims.ErrPayerAlreadyPaid):
		return fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
	default:
		return storeErr(err)
	}
}

func (a *Allocator) pause(ctx context.Context) error {
	if a.cfg.RetryBackoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(rand.N(a.cfg.RetryBackoff) + 1)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttachPayment moves a reservation to payment-in-flight. From here on only
// confirmation or the abandoned-payment sweep ends it.
func (a *Allocator) AttachPayment(ctx context.Context, res Reservation, method claims.Method, ref string) (Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()

	c, err := a.store.AttachPayment(ctx, res.Prime, res.Payer, method, ref)
	if err == nil {
		a.log.Info("payment attached", "prime", c.Prime, "payer", c.Payer, "method", method, "ref", ref)
		return reservationFrom(c), nil
	}

	var ce *claims.ConflictError
	switch {
	case errors.As(err, &ce) && ce.Existing.Status == claims.StatusPaid:
		return Reservation{}, &ClaimedError{Prime: res.Prime, ByPayer: ce.Existing.Payer == res.Payer}
	case errors.Is(err, claims.ErrConflict), errors.Is(err, claims.ErrNotFound):
		return Reservation{}, fmt.Errorf("%w: prime %d", ErrReservationLost, res.Prime)
	default:
		return Reservation{}, a.mapWriteErr(err)
	}
}

// ReleaseReservation drops the payer's pending row for res.Prime.
func (a *Allocator) ReleaseReservation(ctx context.Context, res Reservation) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	if err := a.store.ReleasePending(ctx, res.Prime, res.Payer); err != nil {
		return a.mapWriteErr(err)
	}
	return nil
}

// ConfirmClaim marks the claim carrying ref as PAID. It is idempotent: the
// bool is true only for the call that performed the transition, and repeated
// calls return the same claim.
func (a *Allocator) ConfirmClaim(ctx context.Context, ref string, amountUSD string) (claims.Claim, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()

	c, changed, err := a.store.ConfirmPayment(ctx, ref, amountUSD)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrNotFound):
			metrics.RecordConfirmation("unknown")
			return claims.Claim{}, false, fmt.Errorf("%w: payment %q", ErrNotFound, ref)
		case errors.Is(err, claims.ErrPayerAlreadyPaid):
			metrics.RecordConfirmation("payer_already_paid")
		}
		return claims.Claim{}, false, a.mapWriteErr(err)
	}
	if changed {
		metrics.RecordConfirmation("confirmed")
		a.log.Info("claim confirmed", "prime", c.Prime, "payer", c.Payer, "method", c.Method, "amount_usd", c.AmountPaid)
	} else {
		metrics.RecordConfirmation("duplicate")
	}
	return c, changed, nil
}

// Sweep removes expired reservations and abandoned payment attempts.
func (a *Allocator) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	n, err := a.store.SweepExpired(ctx, a.cfg.AbandonedTTL)
	if err != nil {
		return 0, storeErr(err)
	}
	metrics.RecordSweep(n)
	return n, nil
}

func (a *Allocator) Claim(ctx context.Context, prime uint64) (claims.Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	c, err := a.store.Get(ctx, prime)
	if errors.Is(err, claims.ErrNotFound) {
		return claims.Claim{}, fmt.Errorf("%w: prime %d", ErrNotFound, prime)
	}
	if err != nil {
		return claims.Claim{}, storeErr(err)
	}
	return c, nil
}

func (a *Allocator) ClaimByPayer(ctx context.Context, payer string) (claims.Claim, error) {
	payer = claims.NormalizePayer(payer)
	if payer == "" {
		return claims.Claim{}, fmt.Errorf("%w: payer is required", ErrInvalidInput)
	}
	c, ok, err := a.payerClaim(ctx, payer)
	if err != nil {
		return claims.Claim{}, err
	}
	if !ok {
		return claims.Claim{}, fmt.Errorf("%w: payer %q", ErrNotFound, payer)
	}
	return c, nil
}

func (a *Allocator) Stats(ctx context.Context, recent int) (claims.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	st, err := a.store.Stats(ctx, recent)
	if err != nil {
		return claims.Stats{}, storeErr(err)
	}
	return st, nil
}

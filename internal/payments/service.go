package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/claims"
)

// DefaultRetention is how long unconfirmed payment requests are kept.
const DefaultRetention = 2 * time.Hour

// Service starts payments. A payment is only ever created for a prime the
// allocator has already reserved for the payer, and the reservation is
// released again if the payment cannot be created.
type Service struct {
	alloc      *allocator.Allocator
	store      Store
	initiators map[claims.Method]Initiator
	log        *slog.Logger
}

func NewService(alloc *allocator.Allocator, store Store, initiators ...Initiator) (*Service, error) {
	if alloc == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	byMethod := make(map[claims.Method]Initiator, len(initiators))
	for _, in := range initiators {
		if in == nil {
			return nil, fmt.Errorf("%w: nil initiator", ErrInvalidConfig)
		}
		if _, dup := byMethod[in.Method()]; dup {
			return nil, fmt.Errorf("%w: duplicate initiator for %s", ErrInvalidConfig, in.Method())
		}
		byMethod[in.Method()] = in
	}
	return &Service{
		alloc:      alloc,
		store:      store,
		initiators: byMethod,
		log:        slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

func (s *Service) WithLogger(log *slog.Logger) *Service {
	if s == nil {
		return s
	}
	if log != nil {
		s.log = log
	}
	return s
}

// Methods lists the configured payment rails.
func (s *Service) Methods() []claims.Method {
	out := make([]claims.Method, 0, len(s.initiators))
	for _, m := range []claims.Method{claims.MethodBitcoin, claims.MethodDogecoin} {
		if _, ok := s.initiators[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Start reserves the next available prime for payer and requests payment.
func (s *Service) Start(ctx context.Context, method claims.Method, payer string) (Payment, error) {
	in, ok := s.initiators[method]
	if !ok {
		return Payment{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	res, err := s.alloc.ReserveNextAvailable(ctx, payer)
	if err != nil {
		return Payment{}, err
	}
	return s.startFor(ctx, in, res)
}

// StartForPrime requests payment for a specific prime, reserving it for payer
// first (or renewing the payer's existing reservation).
func (s *Service) StartForPrime(ctx context.Context, method claims.Method, payer string, prime uint64) (Payment, error) {
	in, ok := s.initiators[method]
	if !ok {
		return Payment{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	res, err := s.alloc.ReserveSpecificPrime(ctx, prime, payer, 0)
	if err != nil {
		return Payment{}, err
	}
	return s.startFor(ctx, in, res)
}

func (s *Service) startFor(ctx context.Context, in Initiator, res allocator.Reservation) (Payment, error) {
	// Same payer asking again while a payment for this rail is open.
	if res.InFlight() && res.Method == in.Method() && res.PaymentRef != "" {
		p, err := s.store.Get(ctx, res.PaymentRef)
		if err == nil && p.Status == StatusPending {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Payment{}, err
		}
	}

	p, err := in.CreatePayment(ctx, res.Prime, res.Payer)
	if err != nil {
		s.rollback(ctx, res, err)
		return Payment{}, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		s.rollback(ctx, res, err)
		return Payment{}, err
	}
	if _, err := s.alloc.AttachPayment(ctx, res, in.Method(), p.Reference); err != nil {
		// The payment row is left for the retention sweep.
		return Payment{}, err
	}
	s.log.Info("payment created",
		"ref", p.Reference,
		"method", p.Method,
		"prime", p.Prime,
		"payer", p.Payer,
		"amount", p.AmountCrypto,
		"address", p.Address,
	)
	return p, nil
}

// rollback releases a soft reservation made for a payment that never got
// created. Reservations the payer held before this call, or that already
// carry a payment, stay put.
func (s *Service) rollback(ctx context.Context, res allocator.Reservation, cause error) {
	s.log.Warn("payment creation failed", "prime", res.Prime, "payer", res.Payer, "err", cause)
	if res.Held || res.InFlight() {
		return
	}
	if err := s.alloc.ReleaseReservation(ctx, res); err != nil {
		s.log.Error("release reservation after failed payment", "prime", res.Prime, "payer", res.Payer, "err", err)
	}
}

func (s *Service) Get(ctx context.Context, ref string) (Payment, error) {
	return s.store.Get(ctx, ref)
}

func (s *Service) MarkConfirmed(ctx context.Context, ref, txHash string, confirmations int) (Payment, error) {
	return s.store.MarkConfirmed(ctx, ref, txHash, confirmations)
}

func (s *Service) SweepExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention == 0 {
		retention = DefaultRetention
	}
	return s.store.SweepExpired(ctx, retention)
}

// Package confirmer turns payments.confirmed.v1 events into PAID claims.
package confirmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/events"
	"github.com/theqp/primeclaim/internal/notify"
	"github.com/theqp/primeclaim/internal/payments"
	"github.com/theqp/primeclaim/internal/queue"
	"github.com/theqp/primeclaim/internal/receipts"
)

const (
	defaultAckTimeout      = 5 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultMaxRetryBackoff = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("confirmer: invalid config")
	// ErrRejected marks events that will never succeed and are acked anyway.
	ErrRejected = errors.New("confirmer: event rejected")
)

// PaymentMarker records on-chain confirmation data for a payment request.
type PaymentMarker interface {
	MarkConfirmed(ctx context.Context, ref, txHash string, confirmations int) (payments.Payment, error)
}

type Service struct {
	alloc    *allocator.Allocator
	payments PaymentMarker
	notifier notify.Notifier
	receipts receipts.Store

	ackTimeout      time.Duration
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	log             *slog.Logger
}

// New wires the confirmer. payments and receiptStore may be nil.
func New(alloc *allocator.Allocator, marker PaymentMarker, notifier notify.Notifier, receiptStore receipts.Store) (*Service, error) {
	if alloc == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: nil notifier", ErrInvalidConfig)
	}
	return &Service{
		alloc:      alloc,
		payments:   marker,
		notifier:   notifier,
		receipts:   receiptStore,
		ackTimeout:      defaultAckTimeout,
		retryBackoff:    defaultRetryBackoff,
		maxRetryBackoff: defaultMaxRetryBackoff,
		log:             slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

func (s *Service) WithLogger(log *slog.Logger) *Service {
	if s != nil && log != nil {
		s.log = log
	}
	return s
}

// WithRetryBackoff sets the first and the largest delay between attempts at
// a message that failed transiently. The delay doubles after each attempt.
func (s *Service) WithRetryBackoff(initial, limit time.Duration) *Service {
	if s == nil || initial < 0 || limit < initial {
		return s
	}
	s.retryBackoff, s.maxRetryBackoff = initial, limit
	return s
}

// Handle processes one payments.confirmed.v1 payload. It returns the claim
// and whether this call moved it to PAID. Side effects for the payer
// (receipt, notification) happen only on that transition, so redelivered
// events are harmless.
//
// Errors wrapping ErrRejected are permanent; anything else may succeed on
// redelivery.
func (s *Service) Handle(ctx context.Context, payload []byte) (claims.Claim, bool, error) {
	ev, err := events.DecodePaymentConfirmed(payload)
	if err != nil {
		return claims.Claim{}, false, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	c, changed, err := s.alloc.ConfirmClaim(ctx, ev.Reference, ev.AmountUSD)
	if err != nil {
		switch {
		case errors.Is(err, allocator.ErrNotFound),
			errors.Is(err, allocator.ErrAlreadyClaimed),
			errors.Is(err, allocator.ErrInvalidInput):
			return claims.Claim{}, false, fmt.Errorf("%w: %w", ErrRejected, err)
		default:
			return claims.Claim{}, false, err
		}
	}

	if s.payments != nil {
		if _, err := s.payments.MarkConfirmed(ctx, ev.Reference, ev.TxHash, ev.Confirmations); err != nil {
			// The claim is authoritative; the payment row may already be swept.
			s.log.Warn("mark payment confirmed", "ref", ev.Reference, "err", err)
		}
	}

	if !changed {
		s.log.Info("duplicate confirmation", "ref", ev.Reference, "prime", c.Prime)
		return c, false, nil
	}

	s.writeReceipt(ctx, c)
	if err := s.notifier.NotifyConfirmed(ctx, c); err != nil {
		s.log.Error("notify payer", "prime", c.Prime, "payer", c.Payer, "err", err)
	}
	return c, true, nil
}

func (s *Service) writeReceipt(ctx context.Context, c claims.Claim) {
	if s.receipts == nil {
		return
	}
	index, _ := s.alloc.PrimeIndex(c.Prime)
	r, err := receipts.FromClaim(c, index)
	if err == nil {
		err = s.receipts.Put(ctx, r)
	}
	if err != nil {
		s.log.Error("write receipt", "prime", c.Prime, "err", err)
	}
}

// Run consumes until ctx is done or the consumer closes. Offsets commit
// cumulatively, so a message that fails transiently is retried in place and
// nothing after it is read or acked until it succeeds or is rejected.
func (s *Service) Run(ctx context.Context, consumer queue.Consumer) error {
	if consumer == nil {
		return fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				s.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := s.process(ctx, msg); err != nil {
				return err
			}
			s.ack(msg)
		}
	}
}

// process handles msg until it is confirmed or rejected. It only returns an
// error when ctx ends first, in which case msg must not be acked.
func (s *Service) process(ctx context.Context, msg queue.Message) error {
	backoff := s.retryBackoff
	for attempt := 1; ; attempt++ {
		c, changed, err := s.Handle(ctx, msg.Value)
		switch {
		case err == nil:
			if changed {
				s.log.Info("claim confirmed", "prime", c.Prime, "payer", c.Payer, "method", c.Method)
			}
			return nil
		case errors.Is(err, ErrRejected):
			s.log.Warn("rejected payment event", "topic", msg.Topic, "err", err)
			return nil
		}

		s.log.Error("handle payment event", "topic", msg.Topic, "attempt", attempt, "retry_in", backoff, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(2*backoff, s.maxRetryBackoff)
	}
}

func (s *Service) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		s.log.Error("ack message", "topic", msg.Topic, "err", err)
	}
}

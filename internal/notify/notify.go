// Package notify tells payers that their claim went through.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/events"
	"github.com/theqp/primeclaim/internal/queue"
)

var ErrInvalidConfig = errors.New("notify: invalid config")

// Notifier delivers a claim confirmation. Delivery is best-effort: callers
// log failures and carry on.
type Notifier interface {
	NotifyConfirmed(ctx context.Context, c claims.Claim) error
}

// QueueNotifier publishes claims.confirmed.v1 for the mailer to pick up.
type QueueNotifier struct {
	producer queue.Producer
	topic    string
}

func NewQueueNotifier(producer queue.Producer, topic string) (*QueueNotifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = events.TopicClaimsConfirmed
	}
	return &QueueNotifier{producer: producer, topic: topic}, nil
}

func (n *QueueNotifier) NotifyConfirmed(ctx context.Context, c claims.Claim) error {
	ev, err := events.NewClaimConfirmed(c)
	if err != nil {
		return err
	}
	rec, err := ev.Record(n.topic)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.producer.Publish(ctx, rec); err != nil {
		return fmt.Errorf("notify: publish %s: %w", n.topic, err)
	}
	return nil
}

// LogNotifier only logs. Used when no queue is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyConfirmed(_ context.Context, c claims.Claim) error {
	n.log.Info("claim confirmed",
		"payer", c.Payer,
		"prime", c.Prime,
		"amount_usd", c.AmountPaid,
		"method", c.Method,
		"ref", c.PaymentRef,
	)
	return nil
}

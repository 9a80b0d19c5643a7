package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/queue"
)

type recordingProducer struct {
	records []queue.Record
	err     error
}

func (p *recordingProducer) Publish(_ context.Context, records ...queue.Record) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, records...)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func paid(prime uint64) claims.Claim {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return claims.Claim{
		Prime:      prime,
		Payer:      "a@x.com",
		Status:     claims.StatusPaid,
		Method:     claims.MethodBitcoin,
		PaymentRef: "ref",
		AmountPaid: "7.00",
		PaidAt:     &at,
	}
}

func TestQueueNotifier_PublishesKeyedRecord(t *testing.T) {
	t.Parallel()

	p := &recordingProducer{}
	n, err := NewQueueNotifier(p, "")
	if err != nil {
		t.Fatalf("NewQueueNotifier: %v", err)
	}
	if err := n.NotifyConfirmed(context.Background(), paid(7)); err != nil {
		t.Fatalf("NotifyConfirmed: %v", err)
	}
	if len(p.records) != 1 {
		t.Fatalf("records: got %d want 1", len(p.records))
	}
	rec := p.records[0]
	if rec.Topic != "claims.confirmed.v1" || string(rec.Key) != "7" || !bytes.Contains(rec.Value, []byte(`"payer":"a@x.com"`)) {
		t.Fatalf("unexpected record: %s %s %s", rec.Topic, rec.Key, rec.Value)
	}
}

func TestQueueNotifier_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewQueueNotifier(nil, ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil producer: got %v", err)
	}

	boom := errors.New("broker down")
	n, err := NewQueueNotifier(&recordingProducer{err: boom}, "custom.topic")
	if err != nil {
		t.Fatalf("NewQueueNotifier: %v", err)
	}
	if err := n.NotifyConfirmed(context.Background(), paid(7)); !errors.Is(err, boom) {
		t.Fatalf("publish failure: got %v", err)
	}

	pending := paid(7)
	pending.Status = claims.StatusPending
	if err := n.NotifyConfirmed(context.Background(), pending); err == nil {
		t.Fatalf("expected error for pending claim")
	}
}

func TestStdioProducerNotifier(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	n, err := NewQueueNotifier(p, "")
	if err != nil {
		t.Fatalf("NewQueueNotifier: %v", err)
	}
	if err := n.NotifyConfirmed(context.Background(), paid(11)); err != nil {
		t.Fatalf("NotifyConfirmed: %v", err)
	}
	if !strings.HasPrefix(out.String(), `{"version":"claims.confirmed.v1"`) || !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("unexpected line: %q", out.String())
	}
}

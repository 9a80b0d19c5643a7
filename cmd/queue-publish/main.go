package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/theqp/primeclaim/internal/events"
	"github.com/theqp/primeclaim/internal/flagenv"
	"github.com/theqp/primeclaim/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes payloads, typically payments.confirmed.v1 events written
// by an on-chain verifier or an operator confirming a payment by hand.
func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("queue-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	envFile := fs.String("env-file", "", "optional dotenv file loaded before PRIMECLAIM_* fallbacks")
	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", events.TopicPaymentsConfirmed, "queue topic")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&payloadFiles, "payload-file", "payload file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := flagenv.Apply(fs, *envFile); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}
	records, err := buildRecords(*topic, payloads)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     queue.KafkaTLSFromEnv(),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	if len(records) == 0 {
		return nil
	}
	return producer.Publish(context.Background(), records...)
}

// buildRecords validates known event payloads and keys them so every event
// for one payment lands on the same partition.
func buildRecords(topic string, payloads [][]byte) ([]queue.Record, error) {
	out := make([]queue.Record, 0, len(payloads))
	for i, p := range payloads {
		p = bytes.TrimSpace(p)
		if len(p) == 0 {
			continue
		}
		rec := queue.Record{Topic: topic, Value: p}
		if topic == events.TopicPaymentsConfirmed {
			ev, err := events.DecodePaymentConfirmed(p)
			if err != nil {
				return nil, fmt.Errorf("payload %d: %w", i, err)
			}
			rec.Key = []byte(ev.Reference)
		}
		out = append(out, rec)
	}
	return out, nil
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	// One event per line, matching the stdio consumer.
	return bytes.Split(b, []byte("\n")), nil
}

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/theqp/primeclaim/internal/events"
)

const confirmedPayload = `{"version":"payments.confirmed.v1","reference":"ref-1","amountUsd":"7","txHash":"ab12","confirmations":3}`

func TestLoadPayloads_InlineAndFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(confirmedPayload), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	payloads, err := loadPayloads(`{"version":"x"}`, []string{path}, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 2 || string(payloads[1]) != confirmedPayload {
		t.Fatalf("unexpected payloads: %q", payloads)
	}
}

func TestLoadPayloads_StdinSplitsLines(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads("", nil, bytes.NewBufferString("a\nb\n"))
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	records, err := buildRecords("example.topic", payloads)
	if err != nil {
		t.Fatalf("buildRecords: %v", err)
	}
	if len(records) != 2 || string(records[0].Value) != "a" || string(records[1].Value) != "b" {
		t.Fatalf("unexpected records: %+v", records)
	}

	if _, err := loadPayloads("", nil, bytes.NewBufferString(" \n\t")); err == nil {
		t.Fatalf("expected error for empty stdin")
	}
}

func TestBuildRecords_ValidatesPaymentEvents(t *testing.T) {
	t.Parallel()

	records, err := buildRecords(events.TopicPaymentsConfirmed, [][]byte{[]byte(confirmedPayload)})
	if err != nil {
		t.Fatalf("buildRecords: %v", err)
	}
	if len(records) != 1 || string(records[0].Key) != "ref-1" {
		t.Fatalf("unexpected records: %+v", records)
	}

	_, err = buildRecords(events.TopicPaymentsConfirmed, [][]byte{[]byte(`{"version":"payments.confirmed.v1","amountUsd":"7"}`)})
	if !errors.Is(err, events.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestRunMain_StdioPublishesLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(
		[]string{
			"--queue-driver", "stdio",
			"--payload", confirmedPayload,
		},
		bytes.NewBuffer(nil),
		&out,
	)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := out.String(); got != confirmedPayload+"\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}

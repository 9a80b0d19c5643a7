package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
)

func TestDecodePaymentConfirmed(t *testing.T) {
	t.Parallel()

	ev, err := DecodePaymentConfirmed([]byte(`{"version":"payments.confirmed.v1","reference":" ref-7 ","amountUsd":"7.00","txHash":"ab","confirmations":2}`))
	if err != nil {
		t.Fatalf("DecodePaymentConfirmed: %v", err)
	}
	if ev.Reference != "ref-7" || ev.AmountUSD != "7.00" || ev.TxHash != "ab" || ev.Confirmations != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	cases := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "not json", payload: `nope`, want: ErrInvalidPayload},
		{name: "missing version", payload: `{"reference":"r"}`, want: ErrInvalidPayload},
		{name: "numeric version", payload: `{"version":1}`, want: ErrInvalidPayload},
		{name: "other version", payload: `{"version":"payments.confirmed.v2","reference":"r","amountUsd":"1"}`, want: ErrUnknownVersion},
		{name: "missing reference", payload: `{"version":"payments.confirmed.v1","amountUsd":"1"}`, want: ErrInvalidPayload},
		{name: "bad amount", payload: `{"version":"payments.confirmed.v1","reference":"r","amountUsd":"-1"}`, want: ErrInvalidPayload},
		{name: "negative confirmations", payload: `{"version":"payments.confirmed.v1","reference":"r","amountUsd":"1","confirmations":-1}`, want: ErrInvalidPayload},
	}
	for _, tc := range cases {
		if _, err := DecodePaymentConfirmed([]byte(tc.payload)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestClaimConfirmedRecord(t *testing.T) {
	t.Parallel()

	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := claims.Claim{
		Prime:      13,
		Payer:      "a@x.com",
		Status:     claims.StatusPaid,
		Method:     claims.MethodDogecoin,
		PaymentRef: "ref-13",
		AmountPaid: "13.00",
		PaidAt:     &paidAt,
	}
	ev, err := NewClaimConfirmed(c)
	if err != nil {
		t.Fatalf("NewClaimConfirmed: %v", err)
	}
	rec, err := ev.Record(TopicClaimsConfirmed)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Topic != "claims.confirmed.v1" || string(rec.Key) != "13" {
		t.Fatalf("unexpected record: topic=%q key=%q", rec.Topic, rec.Key)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["version"] != VersionClaimConfirmedV1 || got["payer"] != "a@x.com" || got["method"] != "dogecoin" || got["paidAt"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected payload: %s", rec.Value)
	}

	c.Status = claims.StatusPending
	if _, err := NewClaimConfirmed(c); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("pending claim: got %v", err)
	}
}

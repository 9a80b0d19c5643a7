// Package events defines the versioned JSON payloads exchanged over the queue.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/queue"
	"github.com/tidwall/gjson"
)

const (
	VersionPaymentConfirmedV1 = "payments.confirmed.v1"
	VersionClaimConfirmedV1   = "claims.confirmed.v1"

	TopicPaymentsConfirmed = VersionPaymentConfirmedV1
	TopicClaimsConfirmed   = VersionClaimConfirmedV1
)

var (
	ErrInvalidPayload = errors.New("events: invalid payload")
	ErrUnknownVersion = errors.New("events: unknown version")
)

// PaymentConfirmedV1 is published by the on-chain watcher once a payment
// reference has enough confirmations.
type PaymentConfirmedV1 struct {
	Version       string `json:"version"`
	Reference     string `json:"reference"`
	AmountUSD     string `json:"amountUsd"`
	TxHash        string `json:"txHash,omitempty"`
	Confirmations int    `json:"confirmations"`
}

// ClaimConfirmedV1 announces a claim that has just become PAID. It is
// published once per claim.
type ClaimConfirmedV1 struct {
	Version     string    `json:"version"`
	Payer       string    `json:"payer"`
	Prime       uint64    `json:"prime"`
	AmountUSD   string    `json:"amountUsd"`
	Method      string    `json:"method"`
	TxReference string    `json:"txReference"`
	PaidAt      time.Time `json:"paidAt"`
}

// Version returns the envelope version of a raw payload.
func Version(payload []byte) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: not json", ErrInvalidPayload)
	}
	v := gjson.GetBytes(payload, "version")
	if !v.Exists() || v.Type != gjson.String {
		return "", fmt.Errorf("%w: missing version", ErrInvalidPayload)
	}
	return v.String(), nil
}

func DecodePaymentConfirmed(payload []byte) (PaymentConfirmedV1, error) {
	version, err := Version(payload)
	if err != nil {
		return PaymentConfirmedV1{}, err
	}
	if version != VersionPaymentConfirmedV1 {
		return PaymentConfirmedV1{}, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	var ev PaymentConfirmedV1
	if err := json.Unmarshal(payload, &ev); err != nil {
		return PaymentConfirmedV1{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Reference = strings.TrimSpace(ev.Reference)
	ev.AmountUSD = strings.TrimSpace(ev.AmountUSD)
	if ev.Reference == "" {
		return PaymentConfirmedV1{}, fmt.Errorf("%w: reference is required", ErrInvalidPayload)
	}
	if err := claims.ValidateAmount(ev.AmountUSD); err != nil {
		return PaymentConfirmedV1{}, fmt.Errorf("%w: amountUsd %q", ErrInvalidPayload, ev.AmountUSD)
	}
	if ev.Confirmations < 0 {
		return PaymentConfirmedV1{}, fmt.Errorf("%w: negative confirmations", ErrInvalidPayload)
	}
	return ev, nil
}

func NewClaimConfirmed(c claims.Claim) (ClaimConfirmedV1, error) {
	if c.Status != claims.StatusPaid || c.PaidAt == nil {
		return ClaimConfirmedV1{}, fmt.Errorf("%w: claim for %d is not paid", ErrInvalidPayload, c.Prime)
	}
	return ClaimConfirmedV1{
		Version:     VersionClaimConfirmedV1,
		Payer:       c.Payer,
		Prime:       c.Prime,
		AmountUSD:   c.AmountPaid,
		Method:      string(c.Method),
		TxReference: c.PaymentRef,
		PaidAt:      c.PaidAt.UTC(),
	}, nil
}

// Record encodes ev for topic, keyed by prime.
func (ev ClaimConfirmedV1) Record(topic string) (queue.Record, error) {
	if ev.Version == "" {
		ev.Version = VersionClaimConfirmedV1
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return queue.Record{}, err
	}
	return queue.Record{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(ev.Prime, 10)),
		Value: b,
	}, nil
}

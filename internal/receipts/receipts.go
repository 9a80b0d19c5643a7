// Package receipts keeps a durable JSON receipt for every confirmed claim.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	Version = "receipts.claim.v1"

	contentType = "application/json"
	keyDir      = "receipts"

	defaultMaxGetSize int64 = 64 << 10
)

var (
	ErrInvalidConfig = errors.New("receipts: invalid config")
	ErrInvalidInput  = errors.New("receipts: invalid input")
	ErrNotFound      = errors.New("receipts: not found")
	ErrTooLarge      = errors.New("receipts: object too large")
)

type Receipt struct {
	Version     string    `json:"version"`
	Prime       uint64    `json:"prime"`
	Index       uint64    `json:"index,omitempty"`
	Payer       string    `json:"payer"`
	AmountUSD   string    `json:"amountUsd"`
	Method      string    `json:"method"`
	TxReference string    `json:"txReference"`
	PaidAt      time.Time `json:"paidAt"`
}

// FromClaim builds the receipt for a PAID claim. index is the prime's
// position in the sequence of primes, or 0 when unknown.
func FromClaim(c claims.Claim, index uint64) (Receipt, error) {
	if c.Status != claims.StatusPaid || c.PaidAt == nil {
		return Receipt{}, fmt.Errorf("%w: claim for %d is not paid", ErrInvalidInput, c.Prime)
	}
	return Receipt{
		Version:     Version,
		Prime:       c.Prime,
		Index:       index,
		Payer:       c.Payer,
		AmountUSD:   c.AmountPaid,
		Method:      string(c.Method),
		TxReference: c.PaymentRef,
		PaidAt:      c.PaidAt.UTC(),
	}, nil
}

// Store writes receipts once. A second Put for the same prime leaves the
// first receipt in place and returns nil.
type Store interface {
	Put(ctx context.Context, r Receipt) error
	Get(ctx context.Context, prime uint64) (Receipt, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read by Get. Defaults to 64 KiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

// objectKey is <prefix>/receipts/<prime>.json.
func objectKey(prefix string, prime uint64) string {
	key := keyDir + "/" + strconv.FormatUint(prime, 10) + ".json"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func encode(r Receipt) ([]byte, error) {
	if r.Prime < 2 || r.Payer == "" || r.TxReference == "" {
		return nil, fmt.Errorf("%w: prime, payer and tx reference are required", ErrInvalidInput)
	}
	if r.Version == "" {
		r.Version = Version
	}
	return json.Marshal(r)
}

func decode(prime uint64, data []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("receipts: decode %d: %w", prime, err)
	}
	if r.Prime != prime {
		return Receipt{}, fmt.Errorf("receipts: object for %d holds prime %d", prime, r.Prime)
	}
	return r, nil
}

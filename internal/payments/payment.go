package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/theqp/primeclaim/internal/claims"
)

var (
	ErrInvalidConfig     = errors.New("payments: invalid config")
	ErrInvalidInput      = errors.New("payments: invalid input")
	ErrNotFound          = errors.New("payments: not found")
	ErrDuplicate         = errors.New("payments: duplicate reference")
	ErrUnsupportedMethod = errors.New("payments: unsupported method")
	ErrQuoteUnavailable  = errors.New("payments: quote unavailable")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusPending, StatusConfirmed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
}

// Payment is a request for the payer to send AmountCrypto to Address.
type Payment struct {
	Reference string
	Method    claims.Method
	Prime     uint64
	Payer     string

	Address      string
	AmountCrypto string
	AmountUSD    uint64
	Rate         float64
	RateSource   string
	URI          string

	Status        Status
	TxHash        string
	Confirmations int

	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConfirmedAt *time.Time
}

func validatePayment(p Payment) error {
	if p.Reference == "" || p.Prime < 2 || p.Payer == "" || p.Address == "" || p.AmountCrypto == "" {
		return fmt.Errorf("%w: reference, prime, payer, address and amount are required", ErrInvalidInput)
	}
	switch p.Method {
	case claims.MethodBitcoin, claims.MethodDogecoin:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, p.Method)
	}
	if p.CreatedAt.IsZero() || p.ExpiresAt.Before(p.CreatedAt) {
		return fmt.Errorf("%w: created/expires timestamps", ErrInvalidInput)
	}
	return nil
}

package claims

import (
	"fmt"
	"strings"
	"time"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusPaid
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaid:
		return "paid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "pending":
		return StatusPending, nil
	case "paid":
		return StatusPaid, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
}

// Method is the payment rail a claim is attached to.
type Method string

const (
	MethodNone     Method = ""
	MethodBitcoin  Method = "bitcoin"
	MethodDogecoin Method = "dogecoin"
	// MethodFounder marks rows seeded at bootstrap without an external payment.
	MethodFounder Method = "founder"
)

func ParseMethod(v string) (Method, error) {
	switch m := Method(strings.TrimSpace(strings.ToLower(v))); m {
	case MethodBitcoin, MethodDogecoin, MethodFounder:
		return m, nil
	default:
		return MethodNone, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, v)
	}
}

// Claim binds a prime to a payer and its payment state. There is at most one
// Claim per prime.
//
// A PENDING claim with a non-nil ExpiresAt is a soft reservation; once
// ExpiresAt passes it is logically released. A PENDING claim with a nil
// ExpiresAt has a payment in flight and is only removed by the abandoned
// payment sweep.
type Claim struct {
	Prime  uint64
	Payer  string
	Status Status

	ExpiresAt *time.Time

	Method     Method
	PaymentRef string
	// AmountPaid is a decimal string in USD, set on confirmation.
	AmountPaid string

	ClaimedAt time.Time
	PaidAt    *time.Time
}

// ActiveAt reports whether the claim blocks the prime from being allocated at now.
func (c Claim) ActiveAt(now time.Time) bool {
	switch c.Status {
	case StatusPaid:
		return true
	case StatusPending:
		return c.ExpiresAt == nil || c.ExpiresAt.After(now)
	default:
		return false
	}
}

// InFlight reports whether a payment attempt is attached to the pending claim.
func (c Claim) InFlight() bool {
	return c.Status == StatusPending && c.ExpiresAt == nil
}

type Stats struct {
	Claimed int64
	Paid    int64
	Pending int64

	PaidByMethod    map[Method]int64
	RevenueByMethod map[Method]string

	Recent []Claim
}

// NormalizePayer canonicalises a payer identity (an email address).
func NormalizePayer(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func cloneClaim(c Claim) Claim {
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		c.ExpiresAt = &t
	}
	if c.PaidAt != nil {
		t := *c.PaidAt
		c.PaidAt = &t
	}
	return c
}

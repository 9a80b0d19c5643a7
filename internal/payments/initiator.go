package payments

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/oracle"
	"github.com/theqp/primeclaim/internal/primes"
)

// DefaultPaymentTTL is how long a payer has to send funds.
const DefaultPaymentTTL = time.Hour

const uriLabel = "TheQP"

type PriceOracle interface {
	ConvertUSD(ctx context.Context, currency oracle.Currency, usd uint64) (oracle.Conversion, error)
}

// Initiator creates a payment request for a prime that has already been
// reserved for the payer.
type Initiator interface {
	Method() claims.Method
	CreatePayment(ctx context.Context, prime uint64, payer string) (Payment, error)
}

// CryptoInitiator requests an on-chain payment of the prime's USD price to an
// address derived for that prime.
type CryptoInitiator struct {
	method   claims.Method
	currency oracle.Currency
	scheme   string
	ttl      time.Duration
	deriver  *Deriver
	prices   PriceOracle
	now      func() time.Time
	newRef   func() string
}

func NewCryptoInitiator(method claims.Method, deriver *Deriver, prices PriceOracle, ttl time.Duration) (*CryptoInitiator, error) {
	if deriver == nil || prices == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if ttl == 0 {
		ttl = DefaultPaymentTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: payment ttl must be > 0", ErrInvalidConfig)
	}

	in := &CryptoInitiator{
		method:  method,
		ttl:     ttl,
		deriver: deriver,
		prices:  prices,
		now:     time.Now,
		newRef:  uuid.NewString,
	}
	switch method {
	case claims.MethodBitcoin:
		if deriver.Network() != BitcoinMainnet && deriver.Network() != BitcoinTestnet {
			return nil, fmt.Errorf("%w: bitcoin needs a bitcoin deriver, got %s", ErrInvalidConfig, deriver.Network())
		}
		in.currency, in.scheme = oracle.BTC, "bitcoin"
	case claims.MethodDogecoin:
		if deriver.Network() != Dogecoin {
			return nil, fmt.Errorf("%w: dogecoin needs a dogecoin deriver, got %s", ErrInvalidConfig, deriver.Network())
		}
		in.currency, in.scheme = oracle.DOGE, "dogecoin"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return in, nil
}

func (in *CryptoInitiator) WithClock(now func() time.Time) *CryptoInitiator {
	if in != nil && now != nil {
		in.now = now
	}
	return in
}

func (in *CryptoInitiator) Method() claims.Method { return in.method }

func (in *CryptoInitiator) CreatePayment(ctx context.Context, prime uint64, payer string) (Payment, error) {
	if !primes.IsPrime(prime) || payer == "" {
		return Payment{}, fmt.Errorf("%w: prime %d payer %q", ErrInvalidInput, prime, payer)
	}
	addr, err := in.deriver.Address(prime)
	if err != nil {
		return Payment{}, err
	}
	usd := primes.Price(prime)
	conv, err := in.prices.ConvertUSD(ctx, in.currency, usd)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}

	q := url.Values{}
	q.Set("amount", conv.Amount)
	q.Set("label", uriLabel)

	now := in.now().UTC()
	return Payment{
		Reference:    in.newRef(),
		Method:       in.method,
		Prime:        prime,
		Payer:        payer,
		Address:      addr,
		AmountCrypto: conv.Amount,
		AmountUSD:    usd,
		Rate:         conv.Rate,
		RateSource:   conv.Source,
		URI:          in.scheme + ":" + addr + "?" + q.Encode(),
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(in.ttl),
	}, nil
}

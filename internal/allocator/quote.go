package allocator

import (
	"context"
	"errors"
	"sync"

	"github.com/theqp/primeclaim/internal/oracle"
	"github.com/theqp/primeclaim/internal/primes"
	"golang.org/x/sync/errgroup"
)

// Quote prices a prime in USD and, when the price oracle answers, in each
// payment currency. Missing lists currencies the oracle could not price.
type Quote struct {
	Prime    uint64
	PriceUSD uint64
	Amounts  map[oracle.Currency]oracle.Conversion
	Missing  []oracle.Currency
}

// Quote never fails: oracle errors only leave amounts out.
func (a *Allocator) Quote(ctx context.Context, prime uint64) Quote {
	q := Quote{
		Prime:    prime,
		PriceUSD: primes.Price(prime),
		Amounts:  make(map[oracle.Currency]oracle.Conversion, len(a.currencies)),
	}
	if a.prices == nil {
		q.Missing = append(q.Missing, a.currencies...)
		return q
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, cur := range a.currencies {
		g.Go(func() error {
			conv, err := a.prices.ConvertUSD(gctx, cur, q.PriceUSD)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warn("quote degraded", "prime", prime, "currency", cur, "err", errors.Join(ErrOracleUnavailable, err))
				q.Missing = append(q.Missing, cur)
				return nil
			}
			q.Amounts[cur] = conv
			return nil
		})
	}
	_ = g.Wait()

	// Keep Missing in currency order regardless of completion order.
	if len(q.Missing) > 1 {
		ordered := make([]oracle.Currency, 0, len(q.Missing))
		for _, cur := range a.currencies {
			if _, ok := q.Amounts[cur]; !ok {
				ordered = append(ordered, cur)
			}
		}
		q.Missing = ordered
	}
	return q
}

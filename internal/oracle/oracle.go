package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/theqp/primeclaim/internal/metrics"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidConfig       = errors.New("oracle: invalid config")
	ErrUnsupportedCurrency = errors.New("oracle: unsupported currency")
	ErrUnavailable         = errors.New("oracle: price unavailable")
)

type Currency string

const (
	BTC  Currency = "BTC"
	DOGE Currency = "DOGE"
)

func ParseCurrency(v string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(v))); c {
	case BTC, DOGE:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, v)
	}
}

// Decimals is the precision amounts are rounded to when quoted.
func (c Currency) Decimals() int {
	switch c {
	case BTC:
		return 8
	case DOGE:
		return 2
	default:
		return 8
	}
}

// Source is one upstream rate endpoint. Path is a gjson path to the USD price
// of one unit of the currency; string and numeric values are both accepted.
type Source struct {
	Name string
	URL  string
	Path string
}

// DefaultSources lists upstreams in the order they are tried.
func DefaultSources() map[Currency][]Source {
	return map[Currency][]Source{
		BTC: {
			{Name: "coinbase", URL: "https://api.coinbase.com/v2/exchange-rates?currency=BTC", Path: "data.rates.USD"},
			{Name: "coingecko", URL: "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd", Path: "bitcoin.usd"},
		},
		DOGE: {
			{Name: "coingecko", URL: "https://api.coingecko.com/api/v3/simple/price?ids=dogecoin&vs_currencies=usd", Path: "dogecoin.usd"},
			{Name: "binance", URL: "https://api.binance.com/api/v3/ticker/price?symbol=DOGEUSDT", Path: "price"},
		},
	}
}

type Config struct {
	Sources       map[Currency][]Source
	SourceTimeout time.Duration
	CacheTTL      time.Duration
	CacheSize     int
}

// Conversion is a USD amount expressed in a currency at a quoted rate.
type Conversion struct {
	Currency  Currency
	AmountUSD uint64
	Amount    string
	Rate      float64
	Source    string
}

type cachedRate struct {
	rate   float64
	source string
	at     time.Time
}

// Oracle converts USD amounts using public exchange rate APIs.
type Oracle struct {
	cfg    Config
	client *http.Client
	cache  *lru.Cache
	now    func() time.Time
	log    *slog.Logger
}

func New(cfg Config, client *http.Client) (*Oracle, error) {
	if cfg.Sources == nil {
		cfg.Sources = DefaultSources()
	}
	if cfg.SourceTimeout == 0 {
		cfg.SourceTimeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 16
	}
	if cfg.SourceTimeout < 0 || cfg.CacheTTL < 0 || cfg.CacheSize < 0 {
		return nil, fmt.Errorf("%w: timeouts, ttl and cache size must be >= 0", ErrInvalidConfig)
	}
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Oracle{
		cfg:    cfg,
		client: client,
		cache:  cache,
		now:    time.Now,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (o *Oracle) WithLogger(log *slog.Logger) *Oracle {
	if o != nil && log != nil {
		o.log = log
	}
	return o
}

func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	if o != nil && now != nil {
		o.now = now
	}
	return o
}

// ConvertUSD quotes usd whole dollars in currency.
func (o *Oracle) ConvertUSD(ctx context.Context, currency Currency, usd uint64) (Conversion, error) {
	rate, source, err := o.Rate(ctx, currency)
	if err != nil {
		return Conversion{}, err
	}
	amount := float64(usd) / rate
	return Conversion{
		Currency:  currency,
		AmountUSD: usd,
		Amount:    strconv.FormatFloat(amount, 'f', currency.Decimals(), 64),
		Rate:      rate,
		Source:    source,
	}, nil
}

// Rate returns the USD price of one unit of currency, served from cache while
// fresh. Sources are tried in order; the first positive price wins.
func (o *Oracle) Rate(ctx context.Context, currency Currency) (float64, string, error) {
	if o == nil {
		return 0, "", fmt.Errorf("%w: nil oracle", ErrInvalidConfig)
	}
	sources, ok := o.cfg.Sources[currency]
	if !ok || len(sources) == 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}

	if v, ok := o.cache.Get(currency); ok {
		c := v.(cachedRate)
		if o.now().Sub(c.at) < o.cfg.CacheTTL {
			return c.rate, c.source, nil
		}
		o.cache.Remove(currency)
	}

	var errs []error
	for _, src := range sources {
		rate, err := o.fetch(ctx, src)
		metrics.RecordOracleLookup(string(currency), src.Name, err)
		if err != nil {
			o.log.Warn("price source failed", "currency", currency, "source", src.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}
		o.log.Debug("price fetched", "currency", currency, "source", src.Name, "rate", rate)
		o.cache.Add(currency, cachedRate{rate: rate, source: src.Name, at: o.now()})
		return rate, src.Name, nil
	}
	return 0, "", fmt.Errorf("%w: %s: %w", ErrUnavailable, currency, errors.Join(errs...))
}

func (o *Oracle) fetch(ctx context.Context, src Source) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return 0, errors.New("invalid json")
	}
	res := gjson.GetBytes(body, src.Path)
	if !res.Exists() {
		return 0, fmt.Errorf("missing field %q", src.Path)
	}
	rate := res.Float()
	if rate <= 0 {
		return 0, fmt.Errorf("non-positive price %q", res.Raw)
	}
	return rate, nil
}

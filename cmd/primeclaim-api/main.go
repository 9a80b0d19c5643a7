package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/api"
	"github.com/theqp/primeclaim/internal/bootstrap"
	"github.com/theqp/primeclaim/internal/claims"
	"github.com/theqp/primeclaim/internal/flagenv"
	"github.com/theqp/primeclaim/internal/oracle"
	"github.com/theqp/primeclaim/internal/payments"
	"github.com/theqp/primeclaim/internal/receipts"
	"github.com/theqp/primeclaim/internal/secrets"
)

func main() {
	fs := flag.NewFlagSet("primeclaim-api", flag.ExitOnError)
	var (
		envFile  = fs.String("env-file", "", "optional dotenv file loaded before PRIMECLAIM_* fallbacks")
		logLevel = fs.String("log-level", "info", "log level: debug|info|warn|error")

		listenAddr = fs.String("listen", "127.0.0.1:8080", "HTTP listen address")

		storeDriver = fs.String("store-driver", bootstrap.DriverPostgres, "claim store driver: postgres|memory")
		postgresDSN = fs.String("postgres-dsn", "", "Postgres DSN or secret reference (env:NAME, awssm:ID)")
		seedFounder = fs.Bool("seed-founder", true, "record the founder's prime 2 as paid at startup")

		btcXpub    = fs.String("btc-xpub", "", "bitcoin account xpub or secret reference; empty disables the bitcoin rail")
		btcNetwork = fs.String("btc-network", string(payments.BitcoinMainnet), "bitcoin address network: bitcoin-mainnet|bitcoin-testnet")
		dogeXpub   = fs.String("doge-xpub", "", "dogecoin account xpub or secret reference; empty disables the dogecoin rail")
		paymentTTL = fs.Duration("payment-ttl", payments.DefaultPaymentTTL, "time a payer has to send funds")

		reservationTTL = fs.Duration("reservation-ttl", time.Hour, "default soft reservation TTL")
		abandonedTTL   = fs.Duration("abandoned-ttl", time.Hour, "age after which unconfirmed payment attempts are swept")
		maxAttempts    = fs.Int("max-attempts", 5, "next-available allocation attempts before reporting contention")
		storeTimeout   = fs.Duration("store-timeout", 5*time.Second, "timeout per store call")
		quoteTimeout   = fs.Duration("quote-timeout", 5*time.Second, "timeout for a BTC/DOGE quote")

		oracleCacheTTL = fs.Duration("oracle-cache-ttl", time.Minute, "exchange rate cache TTL")

		receiptsDriver = fs.String("receipts-driver", "", "receipt store driver: memory|s3; empty disables /v1/receipts")
		receiptsBucket = fs.String("receipts-bucket", "", "S3 bucket for receipts")
		receiptsPrefix = fs.String("receipts-prefix", "", "S3 key prefix for receipts")

		sweepInterval = fs.Duration("sweep-interval", 0, "run the leader-elected sweeper in process at this interval; 0 disables")
		paymentRetain = fs.Duration("payment-retention", payments.DefaultRetention, "age after which pending payment records are pruned")

		rateLimitPerSecond = fs.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = fs.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = fs.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = fs.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = fs.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = fs.Duration("write-timeout", 15*time.Second, "http.Server WriteTimeout")
		idleTimeout       = fs.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	_ = fs.Parse(os.Args[1:])
	if err := flagenv.Apply(fs, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log, err := flagenv.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *sweepInterval < 0 || *paymentRetain <= 0 || *paymentTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --sweep-interval must be >= 0; --payment-retention and --payment-ttl must be > 0")
		os.Exit(2)
	}

	allocCfg := allocator.DefaultConfig()
	allocCfg.ReservationTTL = *reservationTTL
	allocCfg.AbandonedTTL = *abandonedTTL
	allocCfg.MaxAttempts = *maxAttempts
	allocCfg.StoreTimeout = *storeTimeout
	allocCfg.QuoteTimeout = *quoteTimeout
	if err := allocCfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()
	dsn, err := resolver.Resolve(ctx, *postgresDSN)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}

	stores, err := bootstrap.OpenStores(ctx, *storeDriver, dsn)
	if err != nil {
		log.Error("init stores", "err", err)
		os.Exit(2)
	}
	defer stores.Close()

	if *seedFounder {
		inserted, err := bootstrap.SeedFounder(ctx, stores.Claims)
		if err != nil {
			log.Error("seed founder claim", "err", err)
			os.Exit(2)
		}
		if inserted {
			log.Info("seeded founder claim", "prime", bootstrap.FounderPrime)
		}
	}

	prices, err := oracle.New(oracle.Config{CacheTTL: *oracleCacheTTL}, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		log.Error("init price oracle", "err", err)
		os.Exit(2)
	}
	prices.WithLogger(log)

	alloc, err := allocator.New(allocCfg, stores.Claims, prices)
	if err != nil {
		log.Error("init allocator", "err", err)
		os.Exit(2)
	}
	alloc.WithLogger(log)

	rails := railConfig{
		BTCXpub:    *btcXpub,
		BTCNetwork: *btcNetwork,
		DOGEXpub:   *dogeXpub,
		PaymentTTL: *paymentTTL,
	}
	initiators, err := buildInitiators(ctx, resolver, rails, prices)
	if err != nil {
		log.Error("init payment rails", "err", err)
		os.Exit(2)
	}

	var paymentSvc *payments.Service
	if len(initiators) > 0 {
		paymentSvc, err = payments.NewService(alloc, stores.Payments, initiators...)
		if err != nil {
			log.Error("init payment service", "err", err)
			os.Exit(2)
		}
		paymentSvc.WithLogger(log)
		log.Info("payment rails enabled", "methods", paymentSvc.Methods())
	} else {
		log.Warn("no payment rails configured; payment endpoints disabled")
	}

	var receiptStore receipts.Store
	if strings.TrimSpace(*receiptsDriver) != "" {
		receiptStore, err = bootstrap.OpenReceipts(ctx, *receiptsDriver, *receiptsBucket, *receiptsPrefix)
		if err != nil {
			log.Error("init receipt store", "err", err)
			os.Exit(2)
		}
	}

	if *sweepInterval > 0 {
		sweeper, err := allocator.NewSweeper(allocator.SweeperConfig{Interval: *sweepInterval}, bootstrap.OwnerID(), alloc, stores.Leases)
		if err != nil {
			log.Error("init sweeper", "err", err)
			os.Exit(2)
		}
		sweeper.WithLogger(log).WithTask("payments", func(ctx context.Context) (int64, error) {
			return stores.Payments.SweepExpired(ctx, *paymentRetain)
		})
		go func() { _ = sweeper.Run(ctx) }()
		log.Info("in-process sweeper enabled", "interval", *sweepInterval)
	}

	handler, err := api.NewHandler(api.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
		Log:                     log,
	}, alloc, paymentSvc, receiptStore)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("primeclaim-api listening", "addr", *listenAddr, "storeDriver", *storeDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type railConfig struct {
	BTCXpub    string
	BTCNetwork string
	DOGEXpub   string
	PaymentTTL time.Duration
}

type secretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// buildInitiators returns one initiator per rail with a configured xpub.
func buildInitiators(ctx context.Context, resolver secretResolver, cfg railConfig, prices payments.PriceOracle) ([]payments.Initiator, error) {
	var out []payments.Initiator

	if strings.TrimSpace(cfg.BTCXpub) != "" {
		network, err := payments.ParseNetwork(cfg.BTCNetwork)
		if err != nil {
			return nil, err
		}
		if network == payments.Dogecoin {
			return nil, errors.New("--btc-network must be a bitcoin network")
		}
		in, err := newInitiator(ctx, resolver, claims.MethodBitcoin, cfg.BTCXpub, network, prices, cfg.PaymentTTL)
		if err != nil {
			return nil, fmt.Errorf("bitcoin rail: %w", err)
		}
		out = append(out, in)
	}

	if strings.TrimSpace(cfg.DOGEXpub) != "" {
		in, err := newInitiator(ctx, resolver, claims.MethodDogecoin, cfg.DOGEXpub, payments.Dogecoin, prices, cfg.PaymentTTL)
		if err != nil {
			return nil, fmt.Errorf("dogecoin rail: %w", err)
		}
		out = append(out, in)
	}
	return out, nil
}

func newInitiator(ctx context.Context, resolver secretResolver, method claims.Method, xpubRef string, network payments.Network, prices payments.PriceOracle, ttl time.Duration) (payments.Initiator, error) {
	xpub, err := resolver.Resolve(ctx, xpubRef)
	if err != nil {
		return nil, err
	}
	d, err := payments.NewDeriver(xpub, network)
	if err != nil {
		return nil, err
	}
	return payments.NewCryptoInitiator(method, d, prices, ttl)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theqp/primeclaim/internal/allocator"
	"github.com/theqp/primeclaim/internal/bootstrap"
	"github.com/theqp/primeclaim/internal/confirmer"
	"github.com/theqp/primeclaim/internal/events"
	"github.com/theqp/primeclaim/internal/flagenv"
	"github.com/theqp/primeclaim/internal/notify"
	"github.com/theqp/primeclaim/internal/queue"
	"github.com/theqp/primeclaim/internal/receipts"
	"github.com/theqp/primeclaim/internal/secrets"
)

func main() {
	fs := flag.NewFlagSet("payment-confirmer", flag.ExitOnError)
	var (
		envFile  = fs.String("env-file", "", "optional dotenv file loaded before PRIMECLAIM_* fallbacks")
		logLevel = fs.String("log-level", "info", "log level: debug|info|warn|error")

		storeDriver = fs.String("store-driver", bootstrap.DriverPostgres, "claim store driver: postgres|memory")
		postgresDSN = fs.String("postgres-dsn", "", "Postgres DSN or secret reference (env:NAME, awssm:ID)")

		queueDriver   = fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = fs.String("queue-group", "payment-confirmer", "queue consumer group (required for kafka)")
		paymentsTopic = fs.String("payments-topic", events.TopicPaymentsConfirmed, "topic carrying confirmed payments")
		claimsTopic   = fs.String("claims-topic", events.TopicClaimsConfirmed, "topic for confirmed claim notifications; empty logs instead")

		receiptsDriver = fs.String("receipts-driver", "", "receipt store driver: memory|s3; empty disables receipts")
		receiptsBucket = fs.String("receipts-bucket", "", "S3 bucket for receipts")
		receiptsPrefix = fs.String("receipts-prefix", "", "S3 key prefix for receipts")

		storeTimeout = fs.Duration("store-timeout", 5*time.Second, "timeout per store call")
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
	if err := validateQueueConfig(*queueDriver, *queueBrokers, *queueGroup, *paymentsTopic); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg := allocator.DefaultConfig()
	cfg.StoreTimeout = *storeTimeout
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := secrets.NewResolver().Resolve(ctx, *postgresDSN)
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

	alloc, err := allocator.New(cfg, stores.Claims, nil)
	if err != nil {
		log.Error("init allocator", "err", err)
		os.Exit(2)
	}
	alloc.WithLogger(log)

	var notifier notify.Notifier
	if strings.TrimSpace(*claimsTopic) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			TLS:     queue.KafkaTLSFromEnv(),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		notifier, err = notify.NewQueueNotifier(producer, *claimsTopic)
		if err != nil {
			log.Error("init notifier", "err", err)
			os.Exit(2)
		}
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	var receiptStore receipts.Store
	if strings.TrimSpace(*receiptsDriver) != "" {
		receiptStore, err = bootstrap.OpenReceipts(ctx, *receiptsDriver, *receiptsBucket, *receiptsPrefix)
		if err != nil {
			log.Error("init receipt store", "err", err)
			os.Exit(2)
		}
	}

	svc, err := confirmer.New(alloc, stores.Payments, notifier, receiptStore)
	if err != nil {
		log.Error("init confirmer", "err", err)
		os.Exit(2)
	}
	svc.WithLogger(log)

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*paymentsTopic},
		TLS:     queue.KafkaTLSFromEnv(),
		Reader:  os.Stdin,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()
	go logConsumerErrors(ctx, consumer, log)

	log.Info("payment-confirmer started", "queueDriver", *queueDriver, "topic", *paymentsTopic, "group", *queueGroup)
	if err := svc.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("confirmer stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}

func validateQueueConfig(driver, brokers, group, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("--payments-topic is required")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case queue.DriverKafka:
		if len(queue.SplitCommaList(brokers)) == 0 {
			return errors.New("--queue-brokers is required for kafka")
		}
		if strings.TrimSpace(group) == "" {
			return errors.New("--queue-group is required for kafka")
		}
	case queue.DriverStdio:
	default:
		return fmt.Errorf("unsupported --queue-driver %q", driver)
	}
	return nil
}

func logConsumerErrors(ctx context.Context, consumer queue.Consumer, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}
			log.Error("queue consumer error", "err", err)
		}
	}
}

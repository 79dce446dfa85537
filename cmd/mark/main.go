package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/broker"
	"github.com/everclearorg/mark-sub008/internal/cache"
	"github.com/everclearorg/mark-sub008/internal/config"
	"github.com/everclearorg/mark-sub008/internal/consumer"
	"github.com/everclearorg/mark-sub008/internal/database"
	"github.com/everclearorg/mark-sub008/internal/everclear"
	"github.com/everclearorg/mark-sub008/internal/logger"
	"github.com/everclearorg/mark-sub008/internal/metrics"
	"github.com/everclearorg/mark-sub008/internal/planner"
	"github.com/everclearorg/mark-sub008/internal/poller"
	"github.com/everclearorg/mark-sub008/internal/processor"
	"github.com/everclearorg/mark-sub008/internal/queue"
	"github.com/everclearorg/mark-sub008/internal/rebalance"
	"github.com/everclearorg/mark-sub008/internal/store"
	"github.com/everclearorg/mark-sub008/internal/tracing"
	"github.com/everclearorg/mark-sub008/internal/webhook"
)

const serviceName = "mark-invoice-handler"

var (
	httpAddr        = config.GetEnv("HOST", "0.0.0.0") + ":" + config.GetEnv("PORT", "3000")
	redisAddr       = config.GetEnv("REDIS_HOST", "localhost") + ":" + config.GetEnv("REDIS_PORT", "6379")
	databaseURL     = config.GetEnv("DATABASE_URL", "")
	everclearAPIURL = config.GetEnv("EVERCLEAR_API_URL", "http://localhost:3000")

	webhookSecret  = config.GetEnv("WEBHOOK_SECRET", "")
	minBlockNumber = config.GetEnvInt("WEBHOOK_MIN_BLOCK_NUMBER", 0)

	maxRetries      = config.GetEnvInt("EVENT_MAX_RETRIES", 10)
	maxConcurrency  = config.GetEnvInt("MAX_CONCURRENT_EVENTS", consumer.DefaultMaxConcurrency)
	pollingInterval = config.GetEnvDurationMs("POLLING_INTERVAL_MS", poller.DefaultInterval)
	deadLetterTTL   = config.GetEnvDurationMs("DEAD_LETTER_TTL_MS", queue.DefaultDeadLetterTTL)
	rebalanceTTL    = config.GetEnvDurationMs("REBALANCE_TTL_MS", rebalance.DefaultTTL)

	amqpUser = config.GetEnv("AMQP_USER", "guest")
	amqpPass = config.GetEnv("AMQP_PASS", "guest")
	amqpHost = config.GetEnv("AMQP_HOST", "")
	amqpPort = config.GetEnv("AMQP_PORT", "5672")
)

func main() {
	log := logger.New(serviceName)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if err := run(log); err != nil {
		log.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	webhookCfg := webhook.Config{
		Secret:         webhookSecret,
		MinBlockNumber: uint64(minBlockNumber),
		MaxRetries:     maxRetries,
	}
	if err := webhookCfg.Validate(); err != nil {
		return fmt.Errorf("WEBHOOK_SECRET: %w", err)
	}

	shutdownTracer, err := tracing.InitTracer(serviceName, log)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	m := metrics.New(serviceName)

	// The HTTP intake comes up first so health checks pass while the
	// rest of boot runs; webhooks see 503 until the handler lands.
	server := webhook.NewServer(httpAddr, m, log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	kv, err := store.Connect(redisAddr, log)
	if err != nil {
		return err
	}
	defer kv.Close()

	var archiver processor.Archiver
	var db *database.Database
	if databaseURL != "" {
		db, err = database.Open(databaseURL, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		archiver = db
	} else {
		log.Warn("DATABASE_URL not set, invoice archiving disabled")
	}

	var notifier consumer.Notifier
	if amqpHost != "" {
		ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
		if err != nil {
			return err
		}
		defer closeBroker()
		notifier = broker.NewNotifier(ch, log)
	} else {
		log.Info("AMQP_HOST not set, broker notifications disabled")
	}

	q := queue.New(kv, log, queue.Config{DeadLetterTTL: deadLetterTTL})
	purchases := cache.New(kv, log)

	api := everclear.NewClient(everclearAPIURL, everclear.DefaultTimeout, log)
	rebalancer := rebalance.New(kv, log, rebalanceTTL)
	proc := processor.New(
		purchases,
		api,
		planner.NewGreedy(log),
		everclear.NewSubmitter(api),
		rebalancer,
		archiver,
		log,
	)

	cons := consumer.New(q, proc, log, m, notifier, consumer.Config{
		MaxConcurrency: maxConcurrency,
	})
	cons.Start(ctx)

	maint := poller.New(q, cons, api, rebalancer, m, log, poller.Config{
		Interval:   pollingInterval,
		MaxRetries: maxRetries,
	})
	maint.Start(ctx)

	server.SetHandler(webhook.NewHandler(cons, webhookCfg, log))

	log.Info("invoice handler running",
		zap.String("http_addr", httpAddr),
		zap.Int("max_concurrency", maxConcurrency),
	)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reverse boot order: stop intake, then maintenance, then drain the
	// consumer so in-flight events finish or stay in processing for the
	// recovery sweep at next boot.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	maint.Stop()
	if err := cons.Stop(shutdownCtx); err != nil {
		log.Error("consumer drain incomplete", zap.Error(err))
	}
	return nil
}

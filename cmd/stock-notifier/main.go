// Package main provides the stock notifier entry point.
// Consumes dosing events and alerts when a medicine runs low.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/config"
	"github.com/drfirst/go-dose/internal/infrastructure/postgres"
	"github.com/drfirst/go-dose/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dose/internal/notify"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/internal/observability/tracing"
	"github.com/drfirst/go-dose/pkg/circuitbreaker"
	"github.com/drfirst/go-dose/pkg/idempotency"
	"github.com/drfirst/go-dose/pkg/workerpool"
)

const serviceName = "stock-notifier"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	cfg.Store = config.StorePostgres

	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(nil)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	if cfg.NotifierWorkers > 0 {
		poolCfg.Workers = cfg.NotifierWorkers
	}
	workers := workerpool.New(poolCfg, logger)
	workers.Start()
	defer workers.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	senders := map[string]notify.Sender{
		"topic": notify.NewTopicSender(producer, redpanda.TopicStockAlerts),
	}
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.AlertWebhookURL != "" {
		breaker, err = circuitbreaker.New(circuitbreaker.DefaultConfig("alert-webhook"), logger)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}
		senders["webhook"] = notify.NewWebhookSender(cfg.AlertWebhookURL, nil, breaker)
	} else {
		logger.Info("ALERT_WEBHOOK_URL not set; alerts go to the topic only")
	}

	notifier := notify.New(notify.Config{Threshold: cfg.AlertThreshold}, inbox, workers, senders, m, logger)

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = serviceName

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.Message) error {
		m.EventsConsumed.Inc()
		return notifier.Handle(ctx, msg.Value)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	stopWatch := watch(consumerCfg, breaker, m, logger)

	server := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("stock notifier started",
		zap.Int("threshold", cfg.AlertThreshold),
		zap.Int("workers", poolCfg.Workers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopWatch()
	consumer.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	logger.Info("stock notifier stopped")
}

// watch samples consumer lag and the webhook breaker into gauges until stopped
func watch(cfg redpanda.ConsumerConfig, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Warn("lag reporting disabled", zap.Error(err))
	}

	go func() {
		defer close(done)
		if admin != nil {
			defer admin.Close()
		}
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if breaker != nil {
					m.BreakerState("alert-webhook", string(breaker.State()))
				}
				if admin == nil {
					continue
				}
				lag, err := admin.GroupLag(ctx, cfg.GroupID)
				if err != nil {
					logger.Warn("consumer lag query failed", zap.Error(err))
					continue
				}
				for topic, n := range lag {
					m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

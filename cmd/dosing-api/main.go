// Package main provides the dosing API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/handlers"
	"github.com/drfirst/go-dose/internal/config"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/infrastructure/memory"
	"github.com/drfirst/go-dose/internal/infrastructure/postgres"
	"github.com/drfirst/go-dose/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/internal/observability/tracing"
)

const serviceName = "dosing-api"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Prescription dosing API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// backend is what the API needs from a store
type backend interface {
	dosing.Store
	Ping(ctx context.Context) error
}

func serveCmd() *cobra.Command {
	var (
		seedDemo     bool
		ensureTopics bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(seedDemo, ensureTopics)
		},
	}
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "seed demo data (memory store only)")
	cmd.Flags().BoolVar(&ensureTopics, "ensure-topics", false, "create missing Kafka topics on startup")
	return cmd
}

func runServer(seedDemo, ensureTopics bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	var store backend
	switch cfg.Store {
	case config.StoreMemory:
		mem := memory.NewStore()
		if seedDemo {
			if err := seed(ctx, mem, cfg.Location(), logger); err != nil {
				return fmt.Errorf("seed demo data: %w", err)
			}
		}
		store = mem
		logger.Warn("using in-memory store; data is lost on exit and no events are published")
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")
		store = postgres.NewStore(pool, redpanda.TopicDosingEvents, logger)
	}

	if ensureTopics {
		if err := createTopics(ctx, cfg, logger); err != nil {
			logger.Warn("topic setup failed", zap.Error(err))
		}
	}

	m := metrics.New(prometheus.NewRegistry())

	ledger := inventory.NewLedger(store, logger)
	h := handlers.New(handlers.Config{
		Aggregator: dosing.NewAggregator(store, ledger, logger),
		Tracker:    dosing.NewTracker(store, ledger, logger),
		Rules:      dosing.NewRuleService(store, logger),
		Ledger:     ledger,
		Pinger:     store,
		Recorder:   m,
		Location:   cfg.Location(),
		Logger:     logger,
	})

	apiKeys, _ := cfg.APIKeyMap()
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty; the API is unauthenticated")
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(h, handlers.RouterOptions{
			ServiceName: serviceName,
			APIKeys:     apiKeys,
			Metrics:     m.Handler(),
			Durations:   m,
			Logger:      logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting dosing API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("timezone", cfg.Timezone))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	<-stopped

	logger.Info("server stopped")
	return nil
}

func createTopics(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return admin.EnsureTopics(ctx)
}

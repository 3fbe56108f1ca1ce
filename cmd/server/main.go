// Command server runs the HTTP gateway that receives SendGrid Event Webhook
// batches, archives them to the object store, and compacts them on schedule.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/compaction"
	"github.com/SebastienMelki/mailvault/internal/dedup"
	"github.com/SebastienMelki/mailvault/internal/gateway"
	"github.com/SebastienMelki/mailvault/internal/objectstore"
	"github.com/SebastienMelki/mailvault/internal/observability"
	"github.com/SebastienMelki/mailvault/internal/relay"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// Config holds all server configuration.
type Config struct {
	// LogLevel is the log level (debug, info, warn, error)
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is the log format (json, text)
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// MetricsEnabled exposes Prometheus metrics on /metrics
	MetricsEnabled bool `env:"METRICS__ENABLED" envDefault:"true"`

	// HTTP gateway configuration
	HTTP gateway.Config `envPrefix:""`

	// Object store configuration
	S3 objectstore.Config `envPrefix:""`

	// Archive key layout configuration
	Archive archive.Config `envPrefix:""`

	// Webhook verification configuration
	SendGrid sendgrid.Config `envPrefix:""`

	// Duplicate event filter configuration
	Dedup dedup.Config `envPrefix:""`

	// NATS relay configuration
	Relay relay.Config `envPrefix:""`

	// Compaction configuration
	Compaction compaction.Config `envPrefix:""`
}

func main() {
	// Load configuration from environment
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting mailvault server",
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTP.Addr,
		"bucket", cfg.S3.Bucket,
		"raw_prefix", cfg.Archive.RawPrefix,
		"compacted_prefix", cfg.Archive.CompactedPrefix,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Setup metrics
	var (
		obs     *observability.Module
		metrics *observability.Metrics
	)
	if cfg.MetricsEnabled {
		var err error
		obs, metrics, err = observability.Setup("mailvault")
		if err != nil {
			logger.Error("failed to setup metrics", "error", err)
			os.Exit(1)
		}
	}

	// Connect to the object store and make sure the bucket exists
	store, err := objectstore.New(cfg.S3, logger)
	if err != nil {
		logger.Error("failed to create object store client", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure bucket", "bucket", cfg.S3.Bucket, "error", err)
		os.Exit(1)
	}

	keys := cfg.Archive.Keys()

	// Webhook signature verifier
	verifier, err := sendgrid.NewVerifier(cfg.SendGrid, logger)
	if err != nil {
		logger.Error("failed to load verification key", "error", err)
		os.Exit(1)
	}

	// Duplicate event filter
	deduper := dedup.New(cfg.Dedup, metrics, logger)
	deduper.Start(ctx)

	// NATS relay for downstream consumers
	relayer, err := relay.New(ctx, cfg.Relay, metrics, logger)
	if err != nil {
		logger.Error("failed to connect relay", "error", err)
		os.Exit(1)
	}
	relayer.Start(ctx)

	// Compaction scheduler
	compactor := compaction.New(store, keys, cfg.Compaction, metrics, logger)
	compactor.Start(ctx)

	// Fan out run status snapshots for consumers that track maintenance
	// without polling the bucket.
	if relayer.Enabled() {
		statusCh := compactor.Subscribe()
		go func() {
			for {
				select {
				case snap := <-statusCh:
					relayer.PublishStatus(ctx, snap)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Assemble and start the HTTP server
	ingest := gateway.NewIngestService(store, keys, 0, metrics, logger)
	deps := gateway.Deps{
		Verifier: verifier,
		Ingest:   ingest,
		Dedup:    deduper,
		Relay:    relayer,
		Store:    store,
		Metrics:  metrics,
	}
	if obs != nil {
		deps.MetricsHandler = obs.MetricsHandler()
	}
	server := gateway.NewServer(cfg.HTTP, cfg.SendGrid, deps, logger)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	// Graceful shutdown: stop accepting webhooks first, then wind down the
	// background modules.
	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	compactor.Stop()
	deduper.Stop()
	relayer.Stop()
	cancel()

	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
}

// setupLogger creates a logger based on configuration.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

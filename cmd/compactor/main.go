// Command compactor runs one archive compaction from the command line. It
// shares the bucket-level lock with scheduled runs, so it is safe to invoke
// while servers are up; a second concurrent run simply loses the lock race.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/compaction"
	"github.com/SebastienMelki/mailvault/internal/objectstore"
)

// Config holds all compactor configuration.
type Config struct {
	// LogLevel is the log level (debug, info, warn, error)
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is the log format (json, text)
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Object store configuration
	S3 objectstore.Config `envPrefix:""`

	// Archive key layout configuration
	Archive archive.Config `envPrefix:""`

	// Compaction configuration
	Compaction compaction.Config `envPrefix:""`
}

func main() {
	statusOnly := flag.Bool("status", false, "print the stored run status document and exit")
	releaseLock := flag.Bool("release-lock", false, "force-expire the stored compaction lock and exit")
	timeout := flag.Duration("timeout", 0, "abort the run after this duration (0 means no limit)")
	flag.Parse()

	// Load configuration from environment
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Create context cancelled by signal or timeout
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, aborting", "signal", sig)
		cancel()
	}()

	// Connect to the object store
	store, err := objectstore.New(cfg.S3, logger)
	if err != nil {
		logger.Error("failed to create object store client", "error", err)
		os.Exit(1)
	}

	// This binary never schedules; it runs once and exits.
	cfg.Compaction.PeriodicRunEnabled = false
	compactor := compaction.New(store, cfg.Archive.Keys(), cfg.Compaction, nil, logger)

	switch {
	case *statusOnly:
		printStatus(ctx, compactor, logger)
	case *releaseLock:
		forceReleaseLock(ctx, compactor, logger)
	default:
		runOnce(ctx, compactor, logger)
	}
}

// runOnce executes a single compaction run, logging day-level progress.
func runOnce(ctx context.Context, compactor *compaction.Module, logger *slog.Logger) {
	go func() {
		var lastDay string
		for snap := range compactor.Subscribe() {
			if snap.CurrentDay != "" && snap.CurrentDay != lastDay {
				lastDay = snap.CurrentDay
				logger.Info("compacting day",
					"day", snap.CurrentDay,
					"files", snap.CurrentDayTotalFiles,
					"completed_days", snap.CompletedDays,
				)
			}
		}
	}()

	start := time.Now()
	if err := compactor.RunNow(ctx); err != nil {
		switch {
		case errors.Is(err, compaction.ErrLockHeld):
			logger.Error("another instance holds the compaction lock", "error", err)
		case errors.Is(err, compaction.ErrRunInProgress):
			logger.Error("an unfinished run is still in progress", "error", err)
		default:
			logger.Error("compaction run failed", "error", err)
		}
		os.Exit(1)
	}

	snap := compactor.Snapshot()
	logger.Info("compaction run complete",
		"duration", time.Since(start).Round(time.Second).String(),
		"completed_days", snap.CompletedDays,
		"output_files", snap.OutputFilesCreated,
		"deleted_originals", snap.DeletedOriginalFile,
		"errors", snap.ErrorCount,
	)
}

// printStatus dumps the stored run status document as indented JSON.
func printStatus(ctx context.Context, compactor *compaction.Module, logger *slog.Logger) {
	status, err := compactor.Status(ctx)
	if err != nil {
		logger.Error("failed to load run status", "error", err)
		os.Exit(1)
	}
	if status == nil {
		fmt.Println("no compaction run recorded")
		return
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		logger.Error("failed to render run status", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// forceReleaseLock expires the stored lock regardless of owner. Meant for
// recovery after a crashed run whose lease has not lapsed yet.
func forceReleaseLock(ctx context.Context, compactor *compaction.Module, logger *slog.Logger) {
	released, err := compactor.ForceReleaseLock(ctx)
	if err != nil {
		logger.Error("failed to release lock", "error", err)
		os.Exit(1)
	}
	if released {
		logger.Info("compaction lock released")
	} else {
		logger.Info("no held lock to release")
	}
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

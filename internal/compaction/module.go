// Package compaction merges the archive's raw per-webhook Parquet files into
// hourly compacted files and deletes the originals once their replacements
// are verified. Runs coordinate across instances through two objects stored
// next to the compacted data: a compare-and-swap lock and a run status
// document. All state lives in the bucket, so the module is safe to run from
// any number of stateless replicas.
package compaction

import (
	"context"
	"log/slog"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/observability"
)

// Module bundles the engine with its scheduler and exposes the operational
// surface: on-demand runs, stored status, live progress, and lock recovery.
type Module struct {
	config    Config
	engine    *Engine
	scheduler *Scheduler
	lock      *LockService
	status    *StatusStore
	logger    *slog.Logger
}

// New creates the compaction module on top of the given store and key
// layout. The scheduler is only constructed when periodic runs are enabled;
// RunNow works either way.
func New(store ObjectStore, keys archive.Keys, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "compaction")

	lock := NewLockService(store, keys.RunLockKey(), cfg.LockDuration, logger)
	status := NewStatusStore(store, keys.RunStatusKey(), logger)
	engine := NewEngine(store, keys, lock, status, cfg, metrics, logger)

	var scheduler *Scheduler
	if cfg.PeriodicRunEnabled {
		scheduler = NewScheduler(engine.Run, cfg.RunHourJST, logger)
	}

	return &Module{
		config:    cfg,
		engine:    engine,
		scheduler: scheduler,
		lock:      lock,
		status:    status,
		logger:    logger,
	}
}

// Start begins periodic runs when they are enabled.
func (m *Module) Start(ctx context.Context) {
	if m.scheduler == nil {
		m.logger.Info("periodic compaction disabled")
		return
	}
	m.scheduler.Start(ctx)
	m.logger.Info("compaction scheduler started", "run_hour_jst", m.config.RunHourJST)
}

// Stop halts the scheduler. It does not interrupt a run already in flight;
// cancel the context passed to Start or RunNow for that.
func (m *Module) Stop() {
	if m.scheduler == nil {
		return
	}
	m.scheduler.Stop()
	m.logger.Info("compaction scheduler stopped")
}

// RunNow executes one compaction run immediately.
func (m *Module) RunNow(ctx context.Context) error {
	return m.engine.Run(ctx)
}

// Status returns the stored run status document, which reflects the latest
// run from any instance. It returns nil when no run has ever been recorded.
func (m *Module) Status(ctx context.Context) (*RunStatus, error) {
	return m.status.Load(ctx)
}

// Snapshot returns this instance's in-memory run status. It is only
// meaningful while this instance is running a compaction.
func (m *Module) Snapshot() RunStatus {
	return m.status.Snapshot()
}

// Subscribe returns a channel receiving a status snapshot after every local
// change; the channel always holds at most the latest snapshot.
func (m *Module) Subscribe() <-chan RunStatus {
	return m.status.Subscribe()
}

// Lock returns the stored lock document, or nil when none exists.
func (m *Module) Lock(ctx context.Context) (*LockDocument, error) {
	return m.lock.Current(ctx)
}

// ReleaseExpiredLock expires the stored lock if its lease has already
// lapsed. It reports whether a lock was released.
func (m *Module) ReleaseExpiredLock(ctx context.Context) (bool, error) {
	current, err := m.lock.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return m.lock.InvalidateIfExpired(ctx, *current)
}

// ForceReleaseLock expires the stored lock unconditionally. It is the manual
// override for a lock whose owner is known to be gone; a racing owner that
// rewrites the lock first wins, in which case it reports false.
func (m *Module) ForceReleaseLock(ctx context.Context) (bool, error) {
	current, err := m.lock.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return m.lock.ForceInvalidate(ctx, *current)
}

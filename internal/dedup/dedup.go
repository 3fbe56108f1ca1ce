// Package dedup drops webhook events that were re-delivered. SendGrid
// retries a POST whenever the endpoint answers slowly, so the same
// sg_event_id can arrive several times within minutes. A sliding-window
// bloom filter absorbs those retries without unbounded memory; a false
// positive merely drops one event from the archive, which the configured
// rate keeps rare.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/SebastienMelki/mailvault/internal/observability"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// Config holds the dedup module configuration.
//
// Environment variable overrides:
//   - DEDUP__ENABLED:  drop re-delivered events (default: true)
//   - DEDUP__WINDOW:   sliding window duration (default: 10m)
//   - DEDUP__CAPACITY: expected events per window (default: 1000000)
//   - DEDUP__FPRATE:   bloom filter false positive rate (default: 0.0001)
type Config struct {
	Enabled  bool          `env:"DEDUP__ENABLED" envDefault:"true"`
	Window   time.Duration `env:"DEDUP__WINDOW" envDefault:"10m"`
	Capacity uint          `env:"DEDUP__CAPACITY" envDefault:"1000000"`
	FPRate   float64       `env:"DEDUP__FPRATE" envDefault:"0.0001"`
}

// DefaultConfig returns the default dedup configuration with a 10 minute
// sliding window, 1M event capacity, and 0.01% false positive rate.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Window:   10 * time.Minute,
		Capacity: 1_000_000,
		FPRate:   0.0001,
	}
}

// Module tracks recently seen sg_event_id values with two bloom filters.
// Keys are added to the current filter while lookups check both current and
// previous; a periodic rotation swaps them, so a key stays visible for at
// least one full window. Safe for concurrent use.
type Module struct {
	enabled  bool
	window   time.Duration
	capacity uint
	fpRate   float64

	mu       sync.RWMutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter

	metrics *observability.Metrics
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a dedup Module with the given configuration. The metrics
// parameter is optional (pass nil to disable metric instrumentation).
func New(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		enabled:  cfg.Enabled,
		window:   cfg.Window,
		capacity: cfg.Capacity,
		fpRate:   cfg.FPRate,
		current:  bloom.NewWithEstimates(cfg.Capacity, cfg.FPRate),
		previous: bloom.NewWithEstimates(cfg.Capacity, cfg.FPRate),
		metrics:  metrics,
		logger:   logger.With("module", "dedup"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background goroutine that rotates the filters every
// window/2 to maintain the sliding window. It is a no-op when the module is
// disabled. The goroutine stops when ctx is cancelled or Stop is called.
func (m *Module) Start(ctx context.Context) {
	if !m.enabled {
		m.logger.Info("dedup disabled, re-delivered events will be archived")
		return
	}

	rotateInterval := m.window / 2
	m.logger.Info("dedup started", "window", m.window, "rotate_interval", rotateInterval)

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(rotateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.rotate()
				m.logger.Debug("bloom filter rotated")
			case <-ctx.Done():
				m.logger.Info("dedup stopping (context cancelled)")
				return
			case <-m.stopCh:
				m.logger.Info("dedup stopping (stop requested)")
				return
			}
		}
	}()
}

// Stop signals the rotation goroutine to stop and waits for completion.
func (m *Module) Stop() {
	if !m.enabled {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

// IsDuplicate reports whether key was already seen within the sliding
// window, adding it when it was not. Empty keys always pass: an event
// without an sg_event_id is never treated as a duplicate.
func (m *Module) IsDuplicate(key string) bool {
	if !m.enabled || key == "" {
		return false
	}

	data := []byte(key)

	m.mu.RLock()
	seen := m.current.Test(data) || m.previous.Test(data)
	m.mu.RUnlock()

	if !seen {
		m.mu.Lock()
		// Re-check under the write lock; another goroutine may have added
		// the same key between the RUnlock and Lock.
		seen = m.current.Test(data) || m.previous.Test(data)
		if !seen {
			m.current.Add(data)
		}
		m.mu.Unlock()
	}

	if seen {
		if m.metrics != nil {
			m.metrics.DedupDropped.Add(context.Background(), 1)
		}
		m.logger.Debug("duplicate event dropped", "sg_event_id", key)
	}
	return seen
}

// FilterEvents returns only the events whose sg_event_id has not been seen
// before, preserving order. Events without an sg_event_id always pass.
func (m *Module) FilterEvents(events []sendgrid.Event) []sendgrid.Event {
	if !m.enabled || len(events) == 0 {
		return events
	}

	filtered := make([]sendgrid.Event, 0, len(events))
	for _, evt := range events {
		if !m.IsDuplicate(evt.SGEventID) {
			filtered = append(filtered, evt)
		}
	}
	return filtered
}

// rotate swaps current to previous and starts a fresh current filter.
func (m *Module) rotate() {
	m.mu.Lock()
	m.previous = m.current
	m.current = bloom.NewWithEstimates(m.capacity, m.fpRate)
	m.mu.Unlock()
}

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/SebastienMelki/mailvault/internal/observability"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

const deliverTimeout = 10 * time.Second

// Module is the relay facade. Accepted webhook batches are queued in-process
// and published by a single background worker, so the request path never
// waits on NATS. When the queue is full, new batches are dropped and counted.
type Module struct {
	enabled bool
	client  *Client
	metrics *observability.Metrics
	logger  *slog.Logger

	publish       func(context.Context, []sendgrid.Event) (int, error)
	publishStatus func(context.Context, any) error

	queue  chan []sendgrid.Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the relay Module. When the relay is disabled, no connection is
// made and every method is a cheap no-op. When enabled, a failed NATS
// connection fails startup.
func New(ctx context.Context, cfg Config, metrics *observability.Metrics, logger *slog.Logger) (*Module, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "relay")

	m := &Module{
		enabled: cfg.Enabled,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if !cfg.Enabled {
		logger.Info("relay disabled")
		return m, nil
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	client, err := NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	pub := NewPublisher(client.JetStream(), logger)

	m.client = client
	m.publish = pub.PublishBatch
	m.publishStatus = pub.PublishStatus
	m.queue = make(chan []sendgrid.Event, cfg.QueueSize)
	return m, nil
}

// Start launches the delivery worker. The worker stops when ctx is cancelled
// or Stop is called.
func (m *Module) Start(ctx context.Context) {
	if !m.enabled {
		return
	}
	m.logger.Info("relay started", "queue_size", cap(m.queue))

	go func() {
		defer close(m.doneCh)
		for {
			select {
			case batch := <-m.queue:
				m.deliver(batch)
			case <-ctx.Done():
				m.logger.Info("relay stopping (context cancelled)")
				return
			case <-m.stopCh:
				m.logger.Info("relay stopping (stop requested)")
				return
			}
		}
	}()
}

// Stop halts the worker, reports anything still queued, and drains the
// connection.
func (m *Module) Stop() {
	if !m.enabled {
		return
	}
	close(m.stopCh)
	<-m.doneCh

	if dropped := len(m.queue); dropped > 0 {
		m.logger.Warn("relay stopped with batches still queued", "batches", dropped)
	}
	if m.client != nil {
		if err := m.client.Drain(); err != nil {
			m.logger.Warn("relay drain failed", "error", err)
			m.client.Close()
		}
	}
}

// Enqueue hands a batch to the delivery worker without blocking. A full
// queue drops the batch; the archive copy is unaffected.
func (m *Module) Enqueue(events []sendgrid.Event) {
	if !m.enabled || len(events) == 0 {
		return
	}
	select {
	case m.queue <- events:
	default:
		if m.metrics != nil {
			m.metrics.RelayFailures.Add(context.Background(), int64(len(events)))
		}
		m.logger.Warn("relay queue full, dropping batch", "events", len(events))
	}
}

// PublishStatus relays one compaction status snapshot, best-effort: failures
// are logged and counted but never surface to the caller, and a disabled
// relay ignores the call.
func (m *Module) PublishStatus(ctx context.Context, status any) {
	if !m.enabled || m.publishStatus == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	if err := m.publishStatus(pctx, status); err != nil {
		if m.metrics != nil {
			m.metrics.RelayFailures.Add(ctx, 1)
		}
		m.logger.Warn("status relay failed", "error", err)
	}
}

// Enabled reports whether the fan-out is active.
func (m *Module) Enabled() bool {
	return m.enabled
}

// HealthCheck reports connection health; a disabled relay is always healthy.
func (m *Module) HealthCheck(ctx context.Context) error {
	if !m.enabled || m.client == nil {
		return nil
	}
	return m.client.HealthCheck(ctx)
}

func (m *Module) deliver(events []sendgrid.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	published, err := m.publish(ctx, events)
	if m.metrics != nil {
		if published > 0 {
			m.metrics.RelayPublished.Add(ctx, int64(published))
		}
		if failed := len(events) - published; failed > 0 {
			m.metrics.RelayFailures.Add(ctx, int64(failed))
		}
	}
	if err != nil {
		m.logger.Warn("relay delivery incomplete",
			"published", published,
			"total", len(events),
			"error", err,
		)
	}
}

package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments used across the archive services.
// Instruments are created once at startup and shared with middleware,
// handlers, and service components.
type Metrics struct {
	// HTTP metrics
	HTTPRequestDuration otelmetric.Float64Histogram
	HTTPRequestTotal    otelmetric.Int64Counter
	HTTPRequestErrors   otelmetric.Int64Counter

	// Webhook ingestion metrics
	WebhookBatches       otelmetric.Int64Counter
	WebhookBatchSize     otelmetric.Int64Histogram
	WebhookVerifications otelmetric.Int64Counter
	DedupDropped         otelmetric.Int64Counter

	// Object storage metrics
	StoreFilesWritten otelmetric.Int64Counter
	StoreFileSize     otelmetric.Int64Histogram
	StoreFailures     otelmetric.Int64Counter

	// Relay metrics
	RelayPublished otelmetric.Int64Counter
	RelayFailures  otelmetric.Int64Counter

	// Compaction metrics
	CompactionRuns           otelmetric.Int64Counter
	CompactionDuration       otelmetric.Float64Histogram
	CompactionFilesCompacted otelmetric.Int64Counter
	CompactionFilesFailed    otelmetric.Int64Counter
	CompactionBytesRead      otelmetric.Int64Counter
	CompactionLockContention otelmetric.Int64Counter
}

// NewMetrics creates all metric instruments from the given Meter.
// Each instrument is created with a descriptive name, unit, and description
// following OpenTelemetry semantic conventions.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestTotal, err = meter.Int64Counter(
		"http.request.total",
		otelmetric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestErrors, err = meter.Int64Counter(
		"http.request.errors",
		otelmetric.WithDescription("HTTP request errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Webhook ingestion metrics
	m.WebhookBatches, err = meter.Int64Counter(
		"webhook.batches",
		otelmetric.WithDescription("Webhook batches accepted for storage"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookBatchSize, err = meter.Int64Histogram(
		"webhook.batch.size",
		otelmetric.WithDescription("Events per accepted webhook batch"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookVerifications, err = meter.Int64Counter(
		"webhook.verifications",
		otelmetric.WithDescription("Webhook signature verification outcomes, tagged by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupDropped, err = meter.Int64Counter(
		"dedup.dropped",
		otelmetric.WithDescription("Redelivered events dropped by deduplication"),
	)
	if err != nil {
		return nil, err
	}

	// Object storage metrics
	m.StoreFilesWritten, err = meter.Int64Counter(
		"store.files.written",
		otelmetric.WithDescription("Archive files written, tagged by prefix"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreFileSize, err = meter.Int64Histogram(
		"store.file.size",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Archive file sizes in bytes"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreFailures, err = meter.Int64Counter(
		"store.failures",
		otelmetric.WithDescription("Object store operations that failed"),
	)
	if err != nil {
		return nil, err
	}

	// Relay metrics
	m.RelayPublished, err = meter.Int64Counter(
		"relay.published",
		otelmetric.WithDescription("Events published to the relay stream"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayFailures, err = meter.Int64Counter(
		"relay.failures",
		otelmetric.WithDescription("Relay publishes that failed"),
	)
	if err != nil {
		return nil, err
	}

	// Compaction metrics
	m.CompactionRuns, err = meter.Int64Counter(
		"compaction.runs",
		otelmetric.WithDescription("Compaction runs, tagged by result"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionDuration, err = meter.Float64Histogram(
		"compaction.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Compaction run duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionFilesCompacted, err = meter.Int64Counter(
		"compaction.files.compacted",
		otelmetric.WithDescription("Raw files read and folded into compacted outputs"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionFilesFailed, err = meter.Int64Counter(
		"compaction.files.failed",
		otelmetric.WithDescription("Raw files that could not be read during compaction"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionBytesRead, err = meter.Int64Counter(
		"compaction.bytes.read",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Raw bytes fetched during compaction"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionLockContention, err = meter.Int64Counter(
		"compaction.lock.contention",
		otelmetric.WithDescription("Run attempts that could not acquire the distributed lock"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/objectstore"
	"github.com/SebastienMelki/mailvault/internal/observability"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// ObjectStore is the storage surface the gateway needs: raw file uploads and
// a reachability probe for the health endpoint.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	HealthCheck(ctx context.Context) error
}

var _ ObjectStore = (*objectstore.Client)(nil)

// IngestService turns verified webhook batches into raw archive files. Each
// accepted batch becomes exactly one Parquet file named by its content hash,
// so a redelivered batch overwrites its own previous upload.
type IngestService struct {
	store        ObjectStore
	keys         archive.Keys
	rowGroupSize int
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewIngestService creates the ingest service. A non-positive rowGroupSize
// selects the archive default.
func NewIngestService(store ObjectStore, keys archive.Keys, rowGroupSize int,
	metrics *observability.Metrics, logger *slog.Logger) *IngestService {
	if rowGroupSize <= 0 {
		rowGroupSize = archive.DefaultRowGroupSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		store:        store,
		keys:         keys,
		rowGroupSize: rowGroupSize,
		metrics:      metrics,
		logger:       logger.With("component", "ingest"),
		now:          time.Now,
	}
}

// Ingest encodes events and stores them under the raw prefix for today's JST
// date. It returns the object key, or "" for an empty batch, which is
// accepted without producing a file. A storage failure is returned to the
// caller so the sender gets a retryable 500; nothing is spooled locally.
func (s *IngestService) Ingest(ctx context.Context, events []sendgrid.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	body, rows, err := archive.Encode(sendgrid.Records(events), s.rowGroupSize)
	if err != nil {
		return "", fmt.Errorf("encode webhook batch: %w", err)
	}
	if rows == 0 {
		return "", nil
	}

	key := s.keys.RawFileKey(s.now().In(archive.JST), body)
	if err := s.store.Put(ctx, key, body); err != nil {
		if s.metrics != nil {
			s.metrics.StoreFailures.Add(ctx, 1)
		}
		return "", fmt.Errorf("store webhook batch: %w", err)
	}

	if s.metrics != nil {
		s.metrics.WebhookBatches.Add(ctx, 1)
		s.metrics.WebhookBatchSize.Record(ctx, int64(len(events)))
		s.metrics.StoreFilesWritten.Add(ctx, 1,
			otelmetric.WithAttributes(attribute.String("prefix", "raw")))
		s.metrics.StoreFileSize.Record(ctx, int64(len(body)))
	}
	s.logger.Debug("webhook batch archived",
		"key", key,
		"events", len(events),
		"size_bytes", len(body),
	)
	return key, nil
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// StatusSubject carries compaction run status snapshots for consumers that
// track archive maintenance without polling the bucket.
const StatusSubject = "mail.compaction.status"

// Publisher publishes webhook events to JetStream, one message per event.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher creates a new event publisher.
func NewPublisher(js jetstream.JetStream, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		logger: logger.With("component", "relay-publisher"),
	}
}

// PublishEvent publishes a single event as JSON to its derived subject.
func (p *Publisher) PublishEvent(ctx context.Context, event sendgrid.Event) error {
	subject := deriveSubject(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published",
		"sg_event_id", event.SGEventID,
		"subject", subject,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	)
	return nil
}

// PublishBatch publishes multiple events, continuing past individual
// failures. It returns the number of successfully published events and
// ErrPartialPublish when any were lost.
func (p *Publisher) PublishBatch(ctx context.Context, events []sendgrid.Event) (int, error) {
	published := 0

	for _, event := range events {
		if err := p.PublishEvent(ctx, event); err != nil {
			p.logger.Error("failed to publish event in batch",
				"sg_event_id", event.SGEventID,
				"error", err,
			)
			continue
		}
		published++
	}

	if published < len(events) {
		return published, fmt.Errorf("%w: %d of %d failed", ErrPartialPublish, len(events)-published, len(events))
	}
	return published, nil
}

// PublishStatus publishes one run status snapshot as JSON to StatusSubject.
func (p *Publisher) PublishStatus(ctx context.Context, status any) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ack, err := p.js.Publish(ctx, StatusSubject, data)
	if err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}

	p.logger.Debug("status published",
		"subject", StatusSubject,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	)
	return nil
}

// deriveSubject maps an event to its NATS subject. Format: mail.{type},
// e.g. "mail.delivered" or "mail.bounce".
func deriveSubject(event sendgrid.Event) string {
	name := sanitizeSubjectName(event.Event)
	if name == "" {
		name = "unknown"
	}
	return "mail." + name
}

// sanitizeSubjectName makes an event type safe for use as a subject token.
func sanitizeSubjectName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "*", "_")
	name = strings.ReplaceAll(name, ">", "_")
	return name
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

func TestDeriveSubject(t *testing.T) {
	tests := []struct {
		name     string
		event    sendgrid.Event
		expected string
	}{
		{
			name:     "delivered event",
			event:    sendgrid.Event{Email: "a@example.com", Event: "delivered"},
			expected: "mail.delivered",
		},
		{
			name:     "bounce event",
			event:    sendgrid.Event{Email: "a@example.com", Event: "bounce"},
			expected: "mail.bounce",
		},
		{
			name:     "spaces become underscores",
			event:    sendgrid.Event{Event: "Spam Report"},
			expected: "mail.spam_report",
		},
		{
			name:     "dots become underscores",
			event:    sendgrid.Event{Event: "group.unsubscribe"},
			expected: "mail.group_unsubscribe",
		},
		{
			name:     "wildcard characters are neutralized",
			event:    sendgrid.Event{Event: "odd>type*"},
			expected: "mail.odd_type_",
		},
		{
			name:     "missing type",
			event:    sendgrid.Event{Email: "a@example.com"},
			expected: "mail.unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveSubject(tt.event); got != tt.expected {
				t.Errorf("deriveSubject() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestEventPayloadShape(t *testing.T) {
	tls := int32(1)
	event := sendgrid.Event{
		Email:     "a@example.com",
		Timestamp: 1700000000,
		Event:     "delivered",
		SGEventID: "ev-1",
		TLS:       &tls,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	payload := string(data)
	for _, want := range []string{`"email":"a@example.com"`, `"timestamp":1700000000`, `"event":"delivered"`, `"sg_event_id":"ev-1"`, `"tls":1`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload %s missing %s", payload, want)
		}
	}
}

func newWorkerModule(publish func(context.Context, []sendgrid.Event) (int, error)) *Module {
	return &Module{
		enabled: true,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		publish: publish,
		queue:   make(chan []sendgrid.Event, 2),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func TestWorkerDeliversQueuedBatches(t *testing.T) {
	delivered := make(chan []sendgrid.Event, 4)
	m := newWorkerModule(func(_ context.Context, events []sendgrid.Event) (int, error) {
		delivered <- events
		return len(events), nil
	})

	m.Start(context.Background())
	defer func() {
		close(m.stopCh)
		<-m.doneCh
	}()

	batch := []sendgrid.Event{{Email: "a@example.com", Event: "open"}}
	m.Enqueue(batch)

	select {
	case got := <-delivered:
		if len(got) != 1 || got[0].Email != "a@example.com" {
			t.Errorf("delivered batch = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not deliver the batch")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	// No worker running, so the 2-slot queue fills and the third batch drops.
	m := newWorkerModule(nil)

	for i := 0; i < 3; i++ {
		m.Enqueue([]sendgrid.Event{{Event: "open"}})
	}
	if got := len(m.queue); got != 2 {
		t.Errorf("queue length = %d, want 2 (third batch dropped)", got)
	}
}

func TestEnqueueSkipsEmptyBatch(t *testing.T) {
	m := newWorkerModule(nil)
	m.Enqueue(nil)
	m.Enqueue([]sendgrid.Event{})
	if got := len(m.queue); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestPublishStatusHandsSnapshotToPublisher(t *testing.T) {
	var got any
	m := newWorkerModule(nil)
	m.publishStatus = func(_ context.Context, status any) error {
		got = status
		return nil
	}

	snap := map[string]int{"completedDays": 2}
	m.PublishStatus(context.Background(), snap)

	gotMap, ok := got.(map[string]int)
	if !ok || gotMap["completedDays"] != 2 {
		t.Errorf("published status = %v, want %v", got, snap)
	}
}

func TestPublishStatusSwallowsFailure(t *testing.T) {
	m := newWorkerModule(nil)
	m.publishStatus = func(context.Context, any) error {
		return ErrPartialPublish
	}

	// Must not panic or propagate; the run never depends on the relay.
	m.PublishStatus(context.Background(), struct{}{})
}

func TestDisabledModule(t *testing.T) {
	m, err := New(context.Background(), Config{Enabled: false}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Enabled() {
		t.Error("Enabled() = true for disabled config")
	}

	// All lifecycle methods are no-ops without a connection.
	m.Start(context.Background())
	m.Enqueue([]sendgrid.Event{{Event: "open"}})
	m.PublishStatus(context.Background(), struct{}{})
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
	m.Stop()
}

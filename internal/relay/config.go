// Package relay fans verified webhook events out to NATS JetStream so live
// consumers (alerting, analytics) can tap the event flow without polling the
// archive bucket. The relay is optional and strictly best-effort: a publish
// failure never fails the webhook, and the archive remains the source of
// truth.
package relay

import (
	"time"
)

// Config holds relay connection and stream configuration.
//
// Environment variable overrides:
//   - RELAY__ENABLED:       enable the fan-out (default: false)
//   - RELAY__URL:           NATS server URL (default: nats://localhost:4222)
//   - RELAY__CLIENTNAME:    connection name for monitoring
//   - RELAY__MAXRECONNECTS, RELAY__RECONNECTWAIT, RELAY__TIMEOUT
//   - RELAY__QUEUESIZE:     batches buffered before drops (default: 256)
//   - RELAY__STREAM__*:     stream name, subjects, limits
type Config struct {
	Enabled bool `env:"RELAY__ENABLED" envDefault:"false"`

	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string `env:"RELAY__URL" envDefault:"nats://localhost:4222"`

	// Name is the client connection name for monitoring
	Name string `env:"RELAY__CLIENTNAME" envDefault:"mailvault-server"`

	// MaxReconnects is the maximum number of reconnection attempts
	MaxReconnects int `env:"RELAY__MAXRECONNECTS" envDefault:"60"`

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration `env:"RELAY__RECONNECTWAIT" envDefault:"2s"`

	// Timeout is the connection timeout
	Timeout time.Duration `env:"RELAY__TIMEOUT" envDefault:"5s"`

	// QueueSize is the number of event batches buffered in-process before
	// new batches are dropped
	QueueSize int `env:"RELAY__QUEUESIZE" envDefault:"256"`

	// Stream configuration
	Stream StreamConfig `envPrefix:"RELAY__STREAM__"`
}

// StreamConfig holds JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name
	Name string `env:"NAME" envDefault:"MAIL_EVENTS"`

	// Subjects are the subjects to capture
	Subjects []string `env:"SUBJECTS" envDefault:"mail.>"`

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration `env:"MAXAGE" envDefault:"168h"` // 7 days

	// MaxBytes is the maximum size of the stream in bytes
	MaxBytes int64 `env:"MAXBYTES" envDefault:"1073741824"` // 1GB

	// Replicas is the number of replicas for the stream
	Replicas int `env:"REPLICAS" envDefault:"1"`

	// Storage is the storage type (file or memory)
	Storage string `env:"STORAGE" envDefault:"file"`
}

// DefaultConfig returns the default relay configuration with the fan-out
// disabled.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "mailvault-server",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		QueueSize:     256,
		Stream: StreamConfig{
			Name:     "MAIL_EVENTS",
			Subjects: []string{"mail.>"},
			MaxAge:   168 * time.Hour,
			MaxBytes: 1 << 30,
			Replicas: 1,
			Storage:  "file",
		},
	}
}

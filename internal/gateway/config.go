// Package gateway is the HTTP surface of the archive: it accepts SendGrid
// Event Webhook batches, verifies their signatures, and hands verified events
// to the ingest service for storage under the raw prefix.
package gateway

import (
	"time"
)

// Config holds HTTP server configuration.
//
// Environment variable overrides:
//   - HTTP__ADDR:            listen address (default: :8080)
//   - HTTP__READTIMEOUT:     max duration for reading a request (default: 10s)
//   - HTTP__WRITETIMEOUT:    max duration for writing a response (default: 30s)
//   - HTTP__IDLETIMEOUT:     keep-alive idle limit (default: 60s)
//   - HTTP__MAXHEADERBYTES:  request header cap (default: 1048576)
//   - HTTP__SHUTDOWNTIMEOUT: graceful drain budget (default: 30s)
//   - HTTP__RATELIMIT__*:    global rate limit settings
type Config struct {
	Addr           string        `env:"HTTP__ADDR" envDefault:":8080"`
	ReadTimeout    time.Duration `env:"HTTP__READTIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"HTTP__WRITETIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"HTTP__IDLETIMEOUT" envDefault:"60s"`
	MaxHeaderBytes int           `env:"HTTP__MAXHEADERBYTES" envDefault:"1048576"`

	ShutdownTimeout time.Duration `env:"HTTP__SHUTDOWNTIMEOUT" envDefault:"30s"`

	RateLimit RateLimitConfig `envPrefix:"HTTP__RATELIMIT__"`
}

// RateLimitConfig holds the global request rate limit. SendGrid retries
// rejected batches, so the limit is a backstop against floods, not a quota;
// it is sized well above any plausible webhook cadence.
type RateLimitConfig struct {
	Enabled           bool    `env:"ENABLED" envDefault:"true"`
	RequestsPerSecond float64 `env:"REQUESTSPERSECOND" envDefault:"1000"`
	BurstSize         int     `env:"BURSTSIZE" envDefault:"2000"`
}

// DefaultConfig returns the default HTTP configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1000,
			BurstSize:         2000,
		},
	}
}

package sendgrid

import "time"

// Config holds webhook verification configuration.
//
// Environment variable overrides:
//   - SENDGRID__VERIFICATIONKEY: ECDSA public key, PEM or base64 SPKI; empty
//     disables verification and every request reports NotConfigured
//   - SENDGRID__ALLOWEDSKEW:     maximum webhook timestamp age (default: 5m)
//   - SENDGRID__MAXBODYBYTES:    request body cap in bytes (default: 1048576)
type Config struct {
	VerificationKey string        `env:"SENDGRID__VERIFICATIONKEY"`
	AllowedSkew     time.Duration `env:"SENDGRID__ALLOWEDSKEW" envDefault:"5m"`
	MaxBodyBytes    int64         `env:"SENDGRID__MAXBODYBYTES" envDefault:"1048576"`
}

// DefaultConfig returns the default webhook configuration: no verification
// key, a 5 minute skew allowance, and a 1 MiB body cap.
func DefaultConfig() Config {
	return Config{
		AllowedSkew:  5 * time.Minute,
		MaxBodyBytes: 1 << 20,
	}
}

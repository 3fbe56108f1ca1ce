package archive

// Config holds the archive layout configuration.
//
// Environment variable overrides:
//   - ARCHIVE__RAWPREFIX:       namespace for per-webhook files (default: raw/v1)
//   - ARCHIVE__COMPACTEDPREFIX: namespace for hourly files (default: compacted/v1)
type Config struct {
	RawPrefix       string `env:"ARCHIVE__RAWPREFIX" envDefault:"raw/v1"`
	CompactedPrefix string `env:"ARCHIVE__COMPACTEDPREFIX" envDefault:"compacted/v1"`
}

// DefaultConfig returns the default versioned prefixes.
func DefaultConfig() Config {
	return Config{
		RawPrefix:       DefaultRawPrefix,
		CompactedPrefix: DefaultCompactedPrefix,
	}
}

// Keys builds the key scheme for the configured prefixes.
func (c Config) Keys() Keys {
	return NewKeys(c.RawPrefix, c.CompactedPrefix)
}

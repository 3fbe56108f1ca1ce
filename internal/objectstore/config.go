package objectstore

import (
	"fmt"
	"time"
)

// Config holds object store access settings.
//
// Environment variable overrides:
//   - S3__ACCESSKEY:      access key ID (required)
//   - S3__SECRETKEY:      secret access key (required)
//   - S3__SERVICEURL:     endpoint URL, e.g. http://127.0.0.1:9000 (required)
//   - S3__REGION:         signing region (default: us-east-1)
//   - S3__BUCKETNAME:     bucket holding the archive (required)
//   - S3__FORCEPATHSTYLE: force path-style addressing for non-loopback hosts
//   - S3__REQUESTTIMEOUT: HTTP client timeout per request (default: 5m)
type Config struct {
	AccessKey      string        `env:"S3__ACCESSKEY"`
	SecretKey      string        `env:"S3__SECRETKEY"`
	ServiceURL     string        `env:"S3__SERVICEURL"`
	Region         string        `env:"S3__REGION" envDefault:"us-east-1"`
	Bucket         string        `env:"S3__BUCKETNAME"`
	ForcePathStyle bool          `env:"S3__FORCEPATHSTYLE" envDefault:"false"`
	RequestTimeout time.Duration `env:"S3__REQUESTTIMEOUT" envDefault:"5m"`
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case c.AccessKey == "":
		return fmt.Errorf("objectstore: missing access key (S3__ACCESSKEY)")
	case c.SecretKey == "":
		return fmt.Errorf("objectstore: missing secret key (S3__SECRETKEY)")
	case c.ServiceURL == "":
		return fmt.Errorf("objectstore: missing service URL (S3__SERVICEURL)")
	case c.Bucket == "":
		return fmt.Errorf("objectstore: missing bucket name (S3__BUCKETNAME)")
	}
	return nil
}

package relay

import "errors"

// Sentinel errors for the relay package.
var (
	ErrNotConnected   = errors.New("relay is not connected")
	ErrPartialPublish = errors.New("failed to publish some events")
)

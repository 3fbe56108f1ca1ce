// Package identity provides the process-wide instance identity used to tag
// distributed lock ownership. The identity is computed once and never changes
// for the life of the process, so a restarted instance can never be mistaken
// for its predecessor.
package identity

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	once     sync.Once
	id       string
	hostname string
)

func compute() {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "unknown-host"
	}
	hostname = h
	id = fmt.Sprintf("%s-%s", h, uuid.NewString())
}

// InstanceID returns the hostname plus a per-process UUID.
func InstanceID() string {
	once.Do(compute)
	return id
}

// HostName returns the hostname component of the instance identity.
func HostName() string {
	once.Do(compute)
	return hostname
}

package identity

import (
	"strings"
	"testing"
)

func TestInstanceIDStable(t *testing.T) {
	first := InstanceID()
	second := InstanceID()

	if first == "" {
		t.Fatal("InstanceID returned empty string")
	}
	if first != second {
		t.Errorf("InstanceID changed between calls: %q vs %q", first, second)
	}
}

func TestInstanceIDContainsHostname(t *testing.T) {
	if !strings.HasPrefix(InstanceID(), HostName()) {
		t.Errorf("InstanceID %q does not start with hostname %q", InstanceID(), HostName())
	}
	if len(InstanceID()) <= len(HostName()) {
		t.Errorf("InstanceID %q carries no unique suffix", InstanceID())
	}
}

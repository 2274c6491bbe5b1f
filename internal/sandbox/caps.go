package sandbox

import (
	"sync"

	"github.com/jkaninda/sanduku/internal/console"
)

const (
	defaultMaxSandboxes = 100
	defaultMaxPerOwner  = 5
)

// capTracker enforces global and per-owner sandbox limits. Acquire and
// Release are the only entry points, so a slot is claimed or refused in
// one critical section — concurrent provisioning cannot oversubscribe.
type capTracker struct {
	mu          sync.Mutex
	maxTotal    int
	maxPerOwner int
	total       int
	perOwner    map[string]int
}

func newCapTracker(maxTotal, maxPerOwner int) *capTracker {
	if maxTotal <= 0 {
		maxTotal = defaultMaxSandboxes
	}
	if maxPerOwner <= 0 {
		maxPerOwner = defaultMaxPerOwner
	}
	return &capTracker{
		maxTotal:    maxTotal,
		maxPerOwner: maxPerOwner,
		perOwner:    make(map[string]int),
	}
}

// Acquire claims a slot for the owner. It returns a *console.ProvisionError
// with ReasonQuota when the owner is at their limit and ReasonCapacity when
// the global pool is exhausted.
func (t *capTracker) Acquire(ownerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.perOwner[ownerID] >= t.maxPerOwner {
		return &console.ProvisionError{Reason: console.ReasonQuota}
	}
	if t.total >= t.maxTotal {
		return &console.ProvisionError{Reason: console.ReasonCapacity}
	}
	t.perOwner[ownerID]++
	t.total++
	return nil
}

// Release returns the owner's slot. Releasing below zero is clamped so a
// double release cannot corrupt the counts.
func (t *capTracker) Release(ownerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.perOwner[ownerID] > 0 {
		t.perOwner[ownerID]--
		if t.perOwner[ownerID] == 0 {
			delete(t.perOwner, ownerID)
		}
	}
	if t.total > 0 {
		t.total--
	}
}

// InUse returns the current global slot count.
func (t *capTracker) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

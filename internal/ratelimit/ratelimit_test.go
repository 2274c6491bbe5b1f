package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_ConsumesBurst(t *testing.T) {
	l := NewLimiter(Config{TokensPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("4th request: err = %v, want rate limited", err)
	}
}

func TestLimiter_OwnersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{TokensPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("alice 2nd: err = %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob blocked by alice's bucket: %v", err)
	}
}

func TestLimiter_WeightedCost(t *testing.T) {
	l := NewLimiter(Config{TokensPerMinute: 60, BurstSize: 10})

	if err := l.AllowN("alice", 7); err != nil {
		t.Fatalf("cost 7: %v", err)
	}
	// 3 tokens left; a cost-5 operation must be refused without
	// draining the remainder.
	if err := l.AllowN("alice", 5); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("cost 5 on 3 tokens: err = %v, want rate limited", err)
	}
	if err := l.AllowN("alice", 3); err != nil {
		t.Errorf("refused cost consumed tokens: %v", err)
	}
}

func TestLimiter_CostAboveBurstNeverSucceeds(t *testing.T) {
	l := NewLimiter(Config{TokensPerMinute: 60, BurstSize: 5})
	if err := l.AllowN("alice", 6); !errors.Is(err, ErrRateLimited) {
		t.Errorf("cost above burst: err = %v, want rate limited", err)
	}
}

func TestLimiter_UnlimitedMode(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("unlimited mode rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_PrunesIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{TokensPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}

	// Age alice's bucket past the TTL; the next allow call prunes it.
	l.mu.Lock()
	l.owners["alice"].lastFill = time.Now().Add(-idleBucketTTL - time.Minute)
	l.mu.Unlock()

	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	l.mu.Lock()
	_, ok := l.owners["alice"]
	l.mu.Unlock()
	if ok {
		t.Error("idle bucket not pruned")
	}
}

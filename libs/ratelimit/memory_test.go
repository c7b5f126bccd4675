package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "alice", now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "alice", now)
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	if allowed, _, _ := lim.Allow(ctx, "bob", now); !allowed {
		t.Fatalf("expected independent bucket per key")
	}

	allowed, _, err = lim.Allow(ctx, "alice", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterCleansExpiredEntries(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()
	ctx := context.Background()

	lim.Allow(ctx, "alice", now)
	lim.Allow(ctx, "bob", now)
	if lim.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", lim.size())
	}

	lim.Allow(ctx, "carol", now.Add(2*time.Second))
	if lim.size() != 1 {
		t.Fatalf("expected expired entries removed, got %d", lim.size())
	}
}

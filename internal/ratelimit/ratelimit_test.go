package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chainwatch/pulse/pkg/logger"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, logger.NewDefault(), Config{FailOpen: false}), mr
}

// TestSlidingWindowBurstAtBoundary reproduces the spec scenario: limit=100,
// window=3600. 100 requests at t=1000 exhaust the limit; the 101st request
// at t=1059 (same window) is denied with reset_at=4560; after the oldest
// bucket expires (t=5000) a new request succeeds.
func TestSlidingWindowBurstAtBoundary(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	var last Decision
	for i := 0; i < 100; i++ {
		d, err := lim.CheckAndConsume(ctx, "K", 100, 3600, 1, 1000)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed, got denied at usage=%d", i, d.CurrentUsage)
		}
		last = d
	}
	if last.CurrentUsage != 100 {
		t.Fatalf("expected usage 100 after 100 requests, got %d", last.CurrentUsage)
	}

	d, err := lim.CheckAndConsume(ctx, "K", 100, 3600, 1, 1059)
	if err != nil {
		t.Fatalf("101st request: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected 101st request to be denied")
	}
	if d.CurrentUsage != 100 {
		t.Fatalf("expected reported usage 100, got %d", d.CurrentUsage)
	}
	wantReset := int64(960 + 3600)
	if d.ResetAt != wantReset {
		t.Fatalf("expected reset_at=%d, got %d", wantReset, d.ResetAt)
	}

	d, err = lim.CheckAndConsume(ctx, "K", 100, 3600, 1, 5000)
	if err != nil {
		t.Fatalf("post-expiry request: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected request after oldest bucket expired to succeed")
	}
}

func TestCheckAndConsumeDeniesWithoutMutatingOnOverage(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()

	d, err := lim.CheckAndConsume(ctx, "single", 1, 60, 1, 100)
	if err != nil || !d.Allowed {
		t.Fatalf("first request: ok=%v err=%v", d.Allowed, err)
	}
	d, err = lim.CheckAndConsume(ctx, "single", 1, 60, 1, 100)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected second request over limit to be denied")
	}
	if d.CurrentUsage != 1 {
		t.Fatalf("expected usage to remain 1 (no mutation on denial), got %d", d.CurrentUsage)
	}
}

func TestFailClosedWhenRedisUnreachable(t *testing.T) {
	lim, mr := newTestLimiter(t)
	mr.Close()

	d, err := lim.CheckAndConsume(context.Background(), "K", 10, 3600, 1, 1000)
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected fail-closed limiter to deny when redis is unreachable")
	}
}

func TestFailOpenApproximatesWithFallback(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lim := New(client, logger.NewDefault(), Config{FailOpen: true})
	mr.Close()

	d, err := lim.CheckAndConsume(context.Background(), "K", 10, 3600, 1, 1000)
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected fail-open fallback to allow the first request within burst capacity")
	}
}

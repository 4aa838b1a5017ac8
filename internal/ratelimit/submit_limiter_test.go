package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSubmitLimiterBurst(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSubmitLimiter(client, 2, 0.01, time.Minute)

	allowed, _, err := limiter.AllowSubmit(ctx, "u1")
	if err != nil || !allowed {
		t.Fatalf("expected first submit allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = limiter.AllowSubmit(ctx, "u1"); !allowed {
		t.Fatalf("expected second submit allowed")
	}
	if allowed, _, _ = limiter.AllowSubmit(ctx, "u1"); allowed {
		t.Fatalf("expected third submit throttled")
	}

	// Buckets are per user; another account is unaffected.
	if allowed, _, _ = limiter.AllowSubmit(ctx, "u2"); !allowed {
		t.Fatalf("expected separate bucket for u2")
	}
}

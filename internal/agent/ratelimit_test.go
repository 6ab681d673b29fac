package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_DisabledWhenRateIsZero(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	if rl != nil {
		t.Fatal("expected nil limiter for a zero rate")
	}
	for range 100 {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("nil limiter waited: %v", err)
		}
	}
}

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 1)
	for i := range 5 {
		if d := rl.reserve(); d != 0 {
			t.Fatalf("burst token %d delayed by %v", i, d)
		}
	}
	if d := rl.reserve(); d == 0 {
		t.Fatal("expected a delay once the burst is spent")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	clock := time.Unix(0, 0)
	rl := NewRateLimiter(1, 60) // one per second
	rl.now = func() time.Time { return clock }
	rl.last = clock

	if d := rl.reserve(); d != 0 {
		t.Fatalf("first reserve delayed by %v", d)
	}
	d := rl.reserve()
	if d < 900*time.Millisecond || d > time.Second {
		t.Fatalf("expected about 1s until the next token, got %v", d)
	}

	clock = clock.Add(time.Second)
	if d := rl.reserve(); d != 0 {
		t.Fatalf("token not refilled after 1s: %v", d)
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600) // 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait about 100ms, got %v", elapsed)
	}
}

func TestRateLimiter_ContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

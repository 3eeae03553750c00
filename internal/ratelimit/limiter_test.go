package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiterStartsFull(t *testing.T) {
	rl := NewRateLimiter(1.0, 10.0)
	if tokens := rl.GetCurrentTokens(); tokens < 9.9 {
		t.Errorf("expected ~10 tokens, got %.2f", tokens)
	}
}

func TestTryAcquireConsumesToken(t *testing.T) {
	rl := NewRateLimiter(1.0, 5.0)

	for i := 0; i < 5; i++ {
		if !rl.tryAcquire() {
			t.Fatalf("tryAcquire() failed on attempt %d", i+1)
		}
	}
	if rl.tryAcquire() {
		t.Error("tryAcquire() should fail when bucket is empty")
	}
}

func TestTokenRefillCapsAtMax(t *testing.T) {
	rl := NewRateLimiter(100.0, 5.0)
	time.Sleep(100 * time.Millisecond)
	if tokens := rl.GetCurrentTokens(); tokens > 5.0 {
		t.Errorf("tokens exceeded max: %.2f", tokens)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(0.1, 1.0)
	rl.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestDrainCausesWaitToBlock(t *testing.T) {
	rl := NewRateLimiter(10.0, 10.0)
	rl.Drain()

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after Drain returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait() after Drain completed too quickly: %v", elapsed)
	}
}

func TestSetCooldown(t *testing.T) {
	rl := NewRateLimiter(100.0, 100.0)
	rl.SetCooldown(200 * time.Millisecond)

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() during cooldown returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Wait() during cooldown took %v, expected ~200ms", elapsed)
	}
}

func TestCooldownMergeDoesNotShorten(t *testing.T) {
	rl := NewRateLimiter(100.0, 100.0)
	rl.SetCooldown(500 * time.Millisecond)
	rl.SetCooldown(100 * time.Millisecond)

	if remaining := rl.CooldownRemaining(); remaining < 350*time.Millisecond {
		t.Errorf("cooldown shortened to %v", remaining)
	}
}

func TestCooldownExpires(t *testing.T) {
	rl := NewRateLimiter(1.0, 1.0)
	if d := rl.CooldownRemaining(); d != 0 {
		t.Errorf("CooldownRemaining() = %v, want 0", d)
	}

	rl.SetCooldown(50 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	if d := rl.CooldownRemaining(); d != 0 {
		t.Errorf("CooldownRemaining() = %v, want 0", d)
	}
}

func TestConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100.0, 50.0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := rl.Wait(ctx); err != nil {
					t.Errorf("Wait() failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

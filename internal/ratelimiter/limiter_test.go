package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/eventsourcing-pg/internal/ratelimiter"
)

func TestProcessorLimiters_BurstThenThrottle(t *testing.T) {
	l := ratelimiter.New(2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx, "p"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst should not wait, took %s", elapsed)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "p"); err == nil {
		t.Fatal("expected the third token to exceed the deadline")
	}
}

func TestProcessorLimiters_IndependentPerProcessor(t *testing.T) {
	l := ratelimiter.New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "a"); err != nil {
		t.Fatalf("a: unexpected error: %v", err)
	}
	if err := l.Wait(ctx, "b"); err != nil {
		t.Fatalf("b should have its own bucket: %v", err)
	}
}

func TestProcessorLimiters_Disabled(t *testing.T) {
	l := ratelimiter.New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, "p"); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
}

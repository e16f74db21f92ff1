package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when the test says so.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketAcquireAndRefill(t *testing.T) {
	clock := newFakeClock()
	bucket := NewTokenBucket(10, 1.0, clock.Now)

	//1.- Drain the bucket in two grabs of five.
	if err := bucket.TryAcquire(5); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if got := bucket.Available(); got != 5 {
		t.Fatalf("expected 5 tokens, got %.2f", got)
	}
	if err := bucket.TryAcquire(5); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	//2.- The empty bucket refuses even one token.
	if err := bucket.TryAcquire(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	//3.- Two seconds of refill restore roughly two tokens.
	clock.Advance(2 * time.Second)
	if got := bucket.Available(); got < 1.5 || got > 2.5 {
		t.Fatalf("expected about 2 tokens after refill, got %.2f", got)
	}
	if err := bucket.TryAcquire(2); err != nil {
		t.Fatalf("acquire after refill failed: %v", err)
	}
}

func TestTokenBucketRejectsOversizedRequests(t *testing.T) {
	bucket := NewTokenBucket(10, 1.0, newFakeClock().Now)
	if err := bucket.TryAcquire(11); !errors.Is(err, ErrExceedsCapacity) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if err := bucket.Acquire(context.Background(), 11); !errors.Is(err, ErrExceedsCapacity) {
		t.Fatalf("blocking variant must reject oversized requests, got %v", err)
	}
}

func TestTokenBucketClampsToCapacity(t *testing.T) {
	clock := newFakeClock()
	bucket := NewTokenBucket(10, 5.0, clock.Now)
	clock.Advance(time.Hour)
	if got := bucket.Available(); got != 10 {
		t.Fatalf("refill must clamp at capacity, got %.2f", got)
	}
}

func TestTokenBucketBlockingAcquire(t *testing.T) {
	//1.- Use a real clock with a fast refill so the wait stays short.
	bucket := NewTokenBucket(2, 100.0, nil)
	if err := bucket.TryAcquire(2); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- bucket.Acquire(context.Background(), 2) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking acquire failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking acquire never completed")
	}
}

func TestTokenBucketAcquireHonoursCancellation(t *testing.T) {
	clock := newFakeClock()
	//1.- No refill, so the acquire can only end via cancellation.
	bucket := NewTokenBucket(1, 0.0, clock.Now)
	if err := bucket.TryAcquire(1); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bucket.Acquire(ctx, 1) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled acquire never returned")
	}
}

func TestSlidingWindowEnforcesCount(t *testing.T) {
	clock := newFakeClock()
	window := NewSlidingWindow(3, time.Second, clock.Now)

	for i := 0; i < 3; i++ {
		if err := window.TryAcquire(); err != nil {
			t.Fatalf("admission %d failed: %v", i, err)
		}
	}
	if err := window.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("fourth admission must fail, got %v", err)
	}
	if wait, full := window.TimeUntilAvailable(); !full || wait != time.Second {
		t.Fatalf("expected full window with 1s wait, got %v full=%v", wait, full)
	}

	//1.- Sliding past the window frees slots again.
	clock.Advance(1100 * time.Millisecond)
	if got := window.CurrentCount(); got != 0 {
		t.Fatalf("expected empty window after slide, got %d", got)
	}
	if err := window.TryAcquire(); err != nil {
		t.Fatalf("admission after slide failed: %v", err)
	}
}

func TestSlidingWindowPartialEviction(t *testing.T) {
	clock := newFakeClock()
	window := NewSlidingWindow(2, time.Second, clock.Now)
	if err := window.TryAcquire(); err != nil {
		t.Fatalf("first admission failed: %v", err)
	}
	clock.Advance(600 * time.Millisecond)
	if err := window.TryAcquire(); err != nil {
		t.Fatalf("second admission failed: %v", err)
	}
	if err := window.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected full window, got %v", err)
	}
	//1.- Only the older admission falls out of the window.
	clock.Advance(500 * time.Millisecond)
	if got := window.CurrentCount(); got != 1 {
		t.Fatalf("expected 1 admission inside window, got %d", got)
	}
}

func TestRegistryTierResolution(t *testing.T) {
	registry, err := NewRegistryBuilder("basic").
		WithBasicTier(100).
		WithPremiumTier(1000).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := registry.AssignTier("client1", "basic"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := registry.AssignTier("client2", "premium"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := registry.AssignTier("client3", "platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier rejection, got %v", err)
	}

	if got := registry.TierFor("client1"); got != "basic" {
		t.Fatalf("unexpected tier %q", got)
	}
	if got := registry.TierFor("client2"); got != "premium" {
		t.Fatalf("unexpected tier %q", got)
	}
	if got := registry.TierFor("stranger"); got != "basic" {
		t.Fatalf("unmapped client must use default tier, got %q", got)
	}
	if err := registry.TryAcquire("client2", 1); err != nil {
		t.Fatalf("premium acquire failed: %v", err)
	}
}

func TestRegistryBuildRequiresDefaultTier(t *testing.T) {
	if _, err := NewRegistryBuilder("gold").WithBasicTier(10).Build(); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected missing default tier error, got %v", err)
	}
}

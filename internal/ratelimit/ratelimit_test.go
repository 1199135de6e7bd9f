package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gemscan/internal/repository"
)

// fakeTokenStore replays the fixed-window decision in memory with the
// same semantics as the rate_limit row.
type fakeTokenStore struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	attempts    int
}

func (f *fakeTokenStore) TryAcquireRateToken(ctx context.Context, key string, maxRequests int, window time.Duration) (repository.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++

	now := time.Now()
	if f.windowStart.IsZero() || now.Sub(f.windowStart) >= window {
		f.windowStart = now
		f.count = 1
		return repository.RateDecision{Acquired: true, CurrentCount: 1, WindowStart: now}, nil
	}
	if f.count < maxRequests {
		f.count++
		return repository.RateDecision{Acquired: true, CurrentCount: f.count, WindowStart: f.windowStart}, nil
	}
	return repository.RateDecision{
		Acquired:     false,
		CurrentCount: f.count,
		WindowStart:  f.windowStart,
		Wait:         window - now.Sub(f.windowStart),
	}, nil
}

func TestTryAcquireRespectsWindow(t *testing.T) {
	store := &fakeTokenStore{}
	l := New(store, Config{Key: "k", MaxRequests: 2, Window: time.Second})

	for i := 0; i < 2; i++ {
		dec, err := l.TryAcquire(context.Background())
		if err != nil || !dec.Acquired {
			t.Fatalf("attempt %d: acquired=%t err=%v", i, dec.Acquired, err)
		}
	}
	dec, err := l.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if dec.Acquired {
		t.Fatal("third attempt acquired inside an exhausted window")
	}
	if dec.Wait <= 0 || dec.Wait > time.Second {
		t.Fatalf("wait hint %s outside (0, window]", dec.Wait)
	}
}

func TestAcquireFiveConcurrent(t *testing.T) {
	store := &fakeTokenStore{}
	l := New(store, Config{
		Key:         "k",
		MaxRequests: 2,
		Window:      time.Second,
		MaxWait:     30 * time.Second,
		BaseDelay:   50 * time.Millisecond,
		Jitter:      10 * time.Millisecond,
	})

	start := time.Now()
	elapsed := make([]time.Duration, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			elapsed[i] = time.Since(start)
		}()
	}
	wg.Wait()

	immediate, delayed := 0, 0
	for i, d := range elapsed {
		switch {
		case d < 500*time.Millisecond:
			immediate++
		case d >= 900*time.Millisecond && d < 2500*time.Millisecond:
			delayed++
		default:
			t.Fatalf("acquire %d finished after %s, neither immediate nor next-window", i, d)
		}
	}
	if immediate != 2 {
		t.Fatalf("%d immediate grants, want 2", immediate)
	}
	if delayed != 3 {
		t.Fatalf("%d delayed grants, want 3", delayed)
	}
}

func TestAcquireFailsAfterMaxWait(t *testing.T) {
	store := &fakeTokenStore{}
	l := New(store, Config{
		Key:         "k",
		MaxRequests: 1,
		Window:      10 * time.Second,
		MaxWait:     150 * time.Millisecond,
		BaseDelay:   20 * time.Millisecond,
		Jitter:      time.Millisecond,
	})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("got %v, want ErrRateLimitExceeded", err)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	store := &fakeTokenStore{}
	l := New(store, Config{Key: "k", MaxRequests: 1, Window: 10 * time.Second, MaxWait: 30 * time.Second})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

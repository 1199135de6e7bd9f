package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gemscan/internal/repository"
)

// ErrRateLimitExceeded means Acquire exhausted its wait budget. The
// caller abandons the message and lets redelivery try again later.
var ErrRateLimitExceeded = errors.New("rate limit exceeded: max wait elapsed")

// Config tunes one shared limiter key.
type Config struct {
	Key         string
	MaxRequests int
	Window      time.Duration
	MaxWait     time.Duration
	BaseDelay   time.Duration
	Jitter      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 2
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Jitter <= 0 {
		c.Jitter = 50 * time.Millisecond
	}
	return c
}

// TokenStore is the shared-store decision point; implemented by the
// repository's rate_limit row.
type TokenStore interface {
	TryAcquireRateToken(ctx context.Context, key string, maxRequests int, window time.Duration) (repository.RateDecision, error)
}

// Limiter is the global fixed-window limiter shared by every worker
// replica through the store. In-process it has no state beyond config.
type Limiter struct {
	store TokenStore
	cfg   Config
}

func New(store TokenStore, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg.withDefaults()}
}

// TryAcquire makes one non-blocking attempt.
func (l *Limiter) TryAcquire(ctx context.Context) (repository.RateDecision, error) {
	return l.store.TryAcquireRateToken(ctx, l.cfg.Key, l.cfg.MaxRequests, l.cfg.Window)
}

// Acquire blocks until a token is granted, backing off exponentially
// with uniform jitter between attempts. Fails with
// ErrRateLimitExceeded once MaxWait has elapsed.
func (l *Limiter) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.MaxWait)
	delay := l.cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		dec, err := l.store.TryAcquireRateToken(ctx, l.cfg.Key, l.cfg.MaxRequests, l.cfg.Window)
		if err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
		if dec.Acquired {
			return nil
		}

		wait := delay
		// Never sleep past the point the window reopens.
		if dec.Wait > 0 && dec.Wait < wait {
			wait = dec.Wait
		}
		wait += time.Duration(rand.Int63n(int64(l.cfg.Jitter) + 1))

		if time.Now().Add(wait).After(deadline) {
			return ErrRateLimitExceeded
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if delay < l.cfg.Window {
			delay *= 2
		}
	}
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RateDecision is the outcome of one fixed-window acquire attempt.
type RateDecision struct {
	Acquired     bool
	CurrentCount int
	WindowStart  time.Time
	Wait         time.Duration
}

// TryAcquireRateToken runs one atomic fixed-window decision against
// the shared rate_limit row. All worker replicas serialize through the
// row lock, which is held only for the duration of the decision.
func (r *Repository) TryAcquireRateToken(ctx context.Context, key string, maxRequests int, window time.Duration) (RateDecision, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return RateDecision{}, err
	}
	defer tx.Rollback(ctx)

	var windowStart time.Time
	var count int
	err = tx.QueryRow(ctx, `
		SELECT window_start, request_count
		FROM rate_limit
		WHERE key = $1
		FOR UPDATE`, key).Scan(&windowStart, &count)

	if err == pgx.ErrNoRows {
		// First acquirer creates the row and takes the first token.
		cmd, err := tx.Exec(ctx, `
			INSERT INTO rate_limit (key, window_start, request_count, last_request_at)
			VALUES ($1, NOW(), 1, NOW())
			ON CONFLICT (key) DO NOTHING`, key)
		if err != nil {
			return RateDecision{}, fmt.Errorf("create rate limit row %s: %w", key, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return RateDecision{}, err
		}
		if cmd.RowsAffected() == 0 {
			// Lost the creation race; decide against the winner's row,
			// which counts its token, instead of granting a free one.
			return r.TryAcquireRateToken(ctx, key, maxRequests, window)
		}
		return RateDecision{Acquired: true, CurrentCount: 1, WindowStart: time.Now()}, nil
	}
	if err != nil {
		return RateDecision{}, fmt.Errorf("read rate limit row %s: %w", key, err)
	}

	now := time.Now()
	elapsed := now.Sub(windowStart)

	switch {
	case elapsed >= window:
		// Window lapsed: reset it and take the first token.
		_, err = tx.Exec(ctx, `
			UPDATE rate_limit
			SET window_start = NOW(), request_count = 1, last_request_at = NOW()
			WHERE key = $1`, key)
		if err != nil {
			return RateDecision{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return RateDecision{}, err
		}
		return RateDecision{Acquired: true, CurrentCount: 1, WindowStart: now}, nil

	case count < maxRequests:
		_, err = tx.Exec(ctx, `
			UPDATE rate_limit
			SET request_count = request_count + 1, last_request_at = NOW()
			WHERE key = $1`, key)
		if err != nil {
			return RateDecision{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return RateDecision{}, err
		}
		return RateDecision{Acquired: true, CurrentCount: count + 1, WindowStart: windowStart}, nil

	default:
		// Exhausted: leave the row untouched and tell the caller how
		// long until the window rolls.
		if err := tx.Commit(ctx); err != nil {
			return RateDecision{}, err
		}
		return RateDecision{
			Acquired:     false,
			CurrentCount: count,
			WindowStart:  windowStart,
			Wait:         window - elapsed,
		}, nil
	}
}

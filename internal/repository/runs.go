package repository

import (
	"context"
	"fmt"

	"gemscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// CreateRun inserts the run metadata row.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO run_metadata (
			run_id, feed, run_type, expected_workers, completed_workers,
			failed_workers, watermark_before, watermark_after, started_at, cancelled
		)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, FALSE)`,
		run.RunID, run.Feed, run.RunType, run.ExpectedWorkers,
		run.WatermarkBefore, run.WatermarkAfter, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.WatermarkBefore,
		&run.WatermarkAfter, &run.StartedAt, &run.CompletedAt, &run.Cancelled,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

const runColumns = `run_id, feed, run_type, expected_workers, completed_workers,
	failed_workers, watermark_before, watermark_after, started_at, completed_at, cancelled`

func (r *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run_metadata WHERE run_id = $1`, runID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first, optionally for one feed.
func (r *Repository) ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM run_metadata
		WHERE ($1 = '' OR feed = $1)
		ORDER BY started_at DESC
		LIMIT $2`, feed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// RecordWorkerOutcome bumps the completed or failed counter and
// returns the updated run so callers can decide whether the run just
// terminated. The increment and read are one atomic statement.
func (r *Repository) RecordWorkerOutcome(ctx context.Context, runID string, success bool) (*models.Run, error) {
	col := "failed_workers"
	if success {
		col = "completed_workers"
	}
	run, err := scanRun(r.db.QueryRow(ctx, `
		UPDATE run_metadata
		SET `+col+` = `+col+` + 1
		WHERE run_id = $1
		RETURNING `+runColumns, runID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("record worker outcome for run %s: %w", runID, err)
	}
	return run, nil
}

// DecrementFailedWorkers backs a failure out of the run counters when
// the monitor resets the partition for retry, keeping
// completed + failed <= expected across the retry cycle.
func (r *Repository) DecrementFailedWorkers(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata
		SET failed_workers = GREATEST(failed_workers - 1, 0)
		WHERE run_id = $1`, runID)
	return err
}

// LatestTerminatedRun returns the newest run of a feed whose workers
// have all reported (or which was cancelled), nil when none exists.
func (r *Repository) LatestTerminatedRun(ctx context.Context, feed string) (*models.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM run_metadata
		WHERE feed = $1
		  AND (cancelled OR completed_workers + failed_workers >= expected_workers)
		ORDER BY started_at DESC
		LIMIT 1`, feed))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest terminated run for %s: %w", feed, err)
	}
	return run, nil
}

// CompleteRun stamps completed_at once; later calls are no-ops so the
// consolidator can run idempotently after retries.
func (r *Repository) CompleteRun(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata
		SET completed_at = NOW()
		WHERE run_id = $1 AND completed_at IS NULL`, runID)
	return err
}

// CancelRun force-cancels a run. Returns false if the run was already
// terminated (cancelled or completed).
func (r *Repository) CancelRun(ctx context.Context, runID string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE run_metadata
		SET cancelled = TRUE, completed_at = NOW()
		WHERE run_id = $1 AND cancelled = FALSE AND completed_at IS NULL`, runID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// DeleteRun removes a run and its partitions. Admin-only.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM partition_progress WHERE run_id = $1`, runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM run_metadata WHERE run_id = $1`, runID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

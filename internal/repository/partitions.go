package repository

import (
	"context"
	"fmt"
	"time"

	"gemscan/internal/models"

	"github.com/jackc/pgx/v5"
)

const partitionColumns = `run_id, partition_id, min_price, max_price, total_records,
	next_offset, status, last_heartbeat, retry_count, next_retry_at,
	work_item_payload, error_message`

func scanPartition(row pgx.Row) (*models.Partition, error) {
	var p models.Partition
	err := row.Scan(
		&p.RunID, &p.PartitionID, &p.MinPrice, &p.MaxPrice, &p.TotalRecords,
		&p.NextOffset, &p.Status, &p.LastHeartbeat, &p.RetryCount,
		&p.NextRetryAt, &p.WorkItemPayload, &p.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePartitions batch-inserts the partition progress rows of a run.
func (r *Repository) CreatePartitions(ctx context.Context, parts []models.Partition) error {
	if len(parts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range parts {
		batch.Queue(`
			INSERT INTO partition_progress (
				run_id, partition_id, min_price, max_price, total_records,
				next_offset, status, last_heartbeat, retry_count, work_item_payload
			)
			VALUES ($1, $2, $3, $4, $5, 0, 'pending', NOW(), 0, $6)
			ON CONFLICT (run_id, partition_id) DO NOTHING`,
			p.RunID, p.PartitionID, p.MinPrice, p.MaxPrice, p.TotalRecords, p.WorkItemPayload,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(parts); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert partition batch: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error) {
	p, err := scanPartition(r.db.QueryRow(ctx, `
		SELECT `+partitionColumns+`
		FROM partition_progress
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get partition %s/%d: %w", runID, partitionID, err)
	}
	return p, nil
}

func (r *Repository) ListPartitions(ctx context.Context, runID string) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+partitionColumns+`
		FROM partition_progress
		WHERE run_id = $1
		ORDER BY partition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// StartPartition moves a pending (or already running, after a
// redelivery) partition to running and refreshes the heartbeat.
// Returns the row, or nil if the partition sits in a terminal state.
func (r *Repository) StartPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error) {
	p, err := scanPartition(r.db.QueryRow(ctx, `
		UPDATE partition_progress
		SET status = 'running', last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND status IN ('pending', 'running')
		RETURNING `+partitionColumns, runID, partitionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start partition %s/%d: %w", runID, partitionID, err)
	}
	return p, nil
}

// AdvanceOffset moves next_offset forward and beats the heart.
// GREATEST keeps the offset monotonically non-decreasing even if a
// stale redelivery reports an older offset.
func (r *Repository) AdvanceOffset(ctx context.Context, runID string, partitionID, newOffset int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET next_offset = GREATEST(next_offset, $3), last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND status = 'running'`,
		runID, partitionID, newOffset)
	return err
}

// Heartbeat refreshes last_heartbeat without touching the offset.
func (r *Repository) Heartbeat(ctx context.Context, runID string, partitionID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND status = 'running'`,
		runID, partitionID)
	return err
}

// CompletePartition is a CAS running→completed; at most one caller wins.
func (r *Repository) CompletePartition(ctx context.Context, runID string, partitionID int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'completed', next_offset = total_records, last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND status = 'running'`,
		runID, partitionID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// FailPartition is a CAS running→failed; it persists the replay
// payload and schedules the next retry.
func (r *Repository) FailPartition(ctx context.Context, runID string, partitionID int, errMsg string, payload []byte, nextRetryAt time.Time) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'failed',
		    error_message = $3,
		    work_item_payload = COALESCE($4, work_item_payload),
		    next_retry_at = $5,
		    last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND status = 'running'`,
		runID, partitionID, errMsg, payload, nextRetryAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// StallPartitions CASes every running partition whose heartbeat lapsed
// past threshold to failed, so the retry pass picks them up. The next
// retry is scheduled with exponential backoff on the row's own retry
// count. Returns the partitions transitioned by THIS caller;
// concurrent monitors get disjoint sets.
func (r *Repository) StallPartitions(ctx context.Context, threshold, baseBackoff time.Duration) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE partition_progress
		SET status = 'failed',
		    error_message = 'stalled: heartbeat lapsed',
		    next_retry_at = NOW() + ($2 * POWER(2, retry_count)) * INTERVAL '1 millisecond'
		WHERE status = 'running'
		  AND last_heartbeat < NOW() - $1::interval
		RETURNING `+partitionColumns,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()),
		baseBackoff.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RetryablePartitions lists failed partitions whose backoff elapsed
// and whose retry budget is not exhausted.
func (r *Repository) RetryablePartitions(ctx context.Context, maxRetries int) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+partitionColumns+`
		FROM partition_progress
		WHERE status = 'failed'
		  AND retry_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY run_id, partition_id
		LIMIT 100`, maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ResetForRetry CASes failed→pending, bumping retry_count and keeping
// next_offset so the worker resumes where the dead one stopped. The
// expectedRetryCount guard makes concurrent monitor replicas race
// safely: only one effects the transition.
func (r *Repository) ResetForRetry(ctx context.Context, runID string, partitionID, expectedRetryCount int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND status = 'failed' AND retry_count = $3`,
		runID, partitionID, expectedRetryCount)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ResetPartition is the explicit admin reset out of a sticky terminal
// state. Clears the retry budget; keeps the offset.
func (r *Repository) ResetPartition(ctx context.Context, runID string, partitionID int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'pending', retry_count = 0, next_retry_at = NULL,
		    error_message = '', last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND status IN ('completed', 'failed', 'stalled')`,
		runID, partitionID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

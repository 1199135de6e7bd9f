package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// The durable queue is a Postgres table. Deduplication rides on the
// message_id primary key: a completed message keeps its row (with
// completed_at set) so replays of the same deterministic id are
// dropped rather than re-delivered. The monitor purges old completed
// rows.

// QueueMessage is one leased delivery.
type QueueMessage struct {
	MessageID     string
	Queue         string
	Body          []byte
	DeliveryCount int
	EnqueuedAt    time.Time
}

// EnqueueMessage inserts a message; returns false when the message id
// already exists (dedup), which callers treat as success.
func (r *Repository) EnqueueMessage(ctx context.Context, queue, messageID string, body []byte) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO queue_messages (message_id, queue, body, visible_at, enqueued_at, delivery_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 0)
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, queue, body)
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", queue, messageID, err)
	}
	return cmd.RowsAffected() > 0, nil
}

// ReceiveMessage leases the oldest visible message on the queue for
// the visibility timeout. Returns nil when the queue is empty. SKIP
// LOCKED keeps concurrent receivers off each other's messages.
func (r *Repository) ReceiveMessage(ctx context.Context, queue string, visibility time.Duration) (*QueueMessage, error) {
	var m QueueMessage
	err := r.db.QueryRow(ctx, `
		UPDATE queue_messages
		SET visible_at = NOW() + $2::interval,
		    delivery_count = delivery_count + 1
		WHERE message_id = (
			SELECT message_id FROM queue_messages
			WHERE queue = $1 AND completed_at IS NULL AND visible_at <= NOW()
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, queue, body, delivery_count, enqueued_at`,
		queue, fmt.Sprintf("%d milliseconds", visibility.Milliseconds())).Scan(
		&m.MessageID, &m.Queue, &m.Body, &m.DeliveryCount, &m.EnqueuedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}
	return &m, nil
}

// CompleteMessage finishes a delivery. The row stays for dedup.
func (r *Repository) CompleteMessage(ctx context.Context, messageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE queue_messages
		SET completed_at = NOW()
		WHERE message_id = $1 AND completed_at IS NULL`, messageID)
	return err
}

// AbandonMessage makes a leased message immediately visible again.
func (r *Repository) AbandonMessage(ctx context.Context, messageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = NOW()
		WHERE message_id = $1 AND completed_at IS NULL`, messageID)
	return err
}

// QueueDepth counts visible, uncompleted messages.
func (r *Repository) QueueDepth(ctx context.Context, queue string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_messages
		WHERE queue = $1 AND completed_at IS NULL`, queue).Scan(&n)
	return n, err
}

// PurgeCompletedMessages drops completed rows older than age. Keeping
// a retention window preserves dedup across worker retries while
// keeping the table small.
func (r *Repository) PurgeCompletedMessages(ctx context.Context, age time.Duration) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		DELETE FROM queue_messages
		WHERE completed_at IS NOT NULL AND completed_at < NOW() - $1::interval`,
		fmt.Sprintf("%d milliseconds", age.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gemscan/internal/models"
)

// Logical queues. All three share the durable store; names partition it.
const (
	WorkItems   = "work-items"
	WorkDone    = "work-done"
	Consolidate = "consolidate"
)

// Message is one leased delivery. Complete or Abandon it exactly once.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	DeliveryCount int
}

// Queue is a durable at-least-once queue with per-message
// deduplication on the message id.
type Queue interface {
	// Enqueue returns false when dedup dropped the message; callers
	// treat that as success.
	Enqueue(ctx context.Context, queue, messageID string, body []byte) (bool, error)
	// Receive leases one message for the visibility timeout, or
	// returns nil when the queue is empty.
	Receive(ctx context.Context, queue string, visibility time.Duration) (*Message, error)
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message) error
}

// EnqueueWorkItem publishes a work item under its deterministic id.
func EnqueueWorkItem(ctx context.Context, q Queue, item models.WorkItem) error {
	item.Type = models.MessageWorkItem
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	_, err = q.Enqueue(ctx, WorkItems, item.MessageID(), body)
	return err
}

// EnqueueWorkDone publishes a terminal partition outcome. The id
// carries the retry generation and the outcome, so a reset partition
// that fails again still gets its outcome counted instead of being
// swallowed by dedup of the previous attempt's message.
func EnqueueWorkDone(ctx context.Context, q Queue, done models.WorkDone) error {
	done.Type = models.MessageWorkDone
	body, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("marshal work done: %w", err)
	}
	id := fmt.Sprintf("done:%s:%d:%d:%t", done.RunID, done.PartitionID, done.Retry, done.Success)
	_, err = q.Enqueue(ctx, WorkDone, id, body)
	return err
}

// EnqueueConsolidate asks for one consolidation pass over a run.
func EnqueueConsolidate(ctx context.Context, q Queue, msg models.Consolidate) error {
	msg.Type = models.MessageConsolidate
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal consolidate: %w", err)
	}
	id := fmt.Sprintf("consolidate:%s", msg.RunID)
	_, err = q.Enqueue(ctx, Consolidate, id, body)
	return err
}

// Package monitor is the control loop of the pipeline. Each tick it
// drains worker outcome reports into the run counters, fails stalled
// partitions, resets retryable ones back onto the queue, releases
// expired consolidation claims, republishes consolidation for feeds
// with leftover raw backlog, and purges old queue rows.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/models"
	"gemscan/internal/progress"
	"gemscan/internal/queue"
)

// completedRetention keeps finished queue rows around long enough for
// deduplication to absorb late replays.
const completedRetention = 24 * time.Hour

// drainCap bounds how many outcome reports one tick absorbs.
const drainCap = 256

// Store is the bookkeeping surface the monitor needs.
// *repository.Repository satisfies it.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	RecordWorkerOutcome(ctx context.Context, runID string, success bool) (*models.Run, error)
	DecrementFailedWorkers(ctx context.Context, runID string) error
	LatestTerminatedRun(ctx context.Context, feed string) (*models.Run, error)
	StallPartitions(ctx context.Context, threshold, baseBackoff time.Duration) ([]models.Partition, error)
	RetryablePartitions(ctx context.Context, maxRetries int) ([]models.Partition, error)
	ResetForRetry(ctx context.Context, runID string, partitionID, expectedRetryCount int) (bool, error)
	SweepExpiredClaims(ctx context.Context, feed string) (int64, error)
	CountPendingRaw(ctx context.Context, feed string) (int, error)
	PurgeCompletedMessages(ctx context.Context, age time.Duration) (int64, error)
}

type Monitor struct {
	store    Store
	queue    queue.Queue
	registry *feeds.Registry
	bus      *progress.Bus
	cfg      *config.Config
}

func New(store Store, q queue.Queue, registry *feeds.Registry, bus *progress.Bus, cfg *config.Config) *Monitor {
	return &Monitor{store: store, queue: q, registry: registry, bus: bus, cfg: cfg}
}

// Run ticks every MonitorInterval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitor pass. Each stage logs and continues on error;
// a missed pass is recovered by the next tick.
func (m *Monitor) Tick(ctx context.Context) {
	m.drainWorkDone(ctx)
	m.failStalled(ctx)
	m.retryFailed(ctx)
	m.sweepFeeds(ctx)
	if n, err := m.store.PurgeCompletedMessages(ctx, completedRetention); err != nil {
		log.Printf("[monitor] purge completed messages: %v", err)
	} else if n > 0 {
		log.Printf("[monitor] purged %d completed queue rows", n)
	}
}

// drainWorkDone folds worker outcome reports into the run counters and
// kicks off consolidation when a run terminates.
func (m *Monitor) drainWorkDone(ctx context.Context) {
	for i := 0; i < drainCap; i++ {
		msg, err := m.queue.Receive(ctx, queue.WorkDone, m.cfg.VisibilityTimeout)
		if err != nil {
			log.Printf("[monitor] receive work done: %v", err)
			return
		}
		if msg == nil {
			return
		}

		var done models.WorkDone
		if err := json.Unmarshal(msg.Body, &done); err != nil || done.Type != models.MessageWorkDone {
			log.Printf("[monitor] dropping malformed outcome %s: %v", msg.ID, err)
			m.complete(ctx, msg)
			continue
		}

		run, err := m.store.RecordWorkerOutcome(ctx, done.RunID, done.Success)
		if err != nil {
			log.Printf("[monitor] record outcome for run %s: %v", done.RunID, err)
			m.complete(ctx, msg)
			continue
		}
		if run.Terminated() {
			m.onRunTerminated(ctx, run)
		}
		m.complete(ctx, msg)
	}
}

func (m *Monitor) onRunTerminated(ctx context.Context, run *models.Run) {
	// Deduplication makes repeated enqueues of the same run harmless.
	if err := queue.EnqueueConsolidate(ctx, m.queue, models.Consolidate{
		RunID: run.RunID,
		Feed:  run.Feed,
	}); err != nil {
		log.Printf("[monitor] enqueue consolidate for run %s: %v", run.RunID, err)
		return
	}
	if m.bus != nil {
		m.bus.Publish(progress.Event{
			Type:  progress.RunCompleted,
			Feed:  run.Feed,
			RunID: run.RunID,
			Data: map[string]interface{}{
				"completed_workers": run.CompletedWorkers,
				"failed_workers":    run.FailedWorkers,
			},
		})
	}
	log.Printf("[monitor] run %s (%s) terminated: %d completed, %d failed",
		run.RunID, run.Feed, run.CompletedWorkers, run.FailedWorkers)
}

// failStalled CASes heartbeat-lapsed partitions to failed and records
// the failures, so stalls and explicit errors share one retry path.
func (m *Monitor) failStalled(ctx context.Context) {
	stalled, err := m.store.StallPartitions(ctx, m.cfg.StallThreshold, m.cfg.RetryBaseDelay)
	if err != nil {
		log.Printf("[monitor] stall scan: %v", err)
		return
	}
	for _, p := range stalled {
		log.Printf("[monitor] partition %s/%d stalled at offset %d", p.RunID, p.PartitionID, p.NextOffset)
		run, err := m.store.RecordWorkerOutcome(ctx, p.RunID, false)
		if err != nil {
			log.Printf("[monitor] record stall for run %s: %v", p.RunID, err)
			continue
		}
		if m.bus != nil {
			m.bus.Publish(progress.Event{
				Type:  progress.PartitionFailed,
				Feed:  run.Feed,
				RunID: p.RunID,
				Data:  map[string]interface{}{"partition_id": p.PartitionID, "error": p.ErrorMessage},
			})
		}
		if run.Terminated() {
			m.onRunTerminated(ctx, run)
		}
	}
}

// retryFailed moves backoff-elapsed failed partitions back to pending
// and republishes their work items from the stored replay payload.
func (m *Monitor) retryFailed(ctx context.Context) {
	parts, err := m.store.RetryablePartitions(ctx, m.cfg.MaxRetries)
	if err != nil {
		log.Printf("[monitor] retry scan: %v", err)
		return
	}
	for _, p := range parts {
		run, err := m.store.GetRun(ctx, p.RunID)
		if err != nil || run == nil || run.Cancelled {
			continue
		}

		won, err := m.store.ResetForRetry(ctx, p.RunID, p.PartitionID, p.RetryCount)
		if err != nil {
			log.Printf("[monitor] reset partition %s/%d: %v", p.RunID, p.PartitionID, err)
			continue
		}
		if !won {
			continue
		}

		// The failure is being undone, so back it out of the counters
		// before the replayed worker reports a fresh outcome.
		if err := m.store.DecrementFailedWorkers(ctx, p.RunID); err != nil {
			log.Printf("[monitor] decrement failed workers for run %s: %v", p.RunID, err)
		}

		if err := m.republishWorkItem(ctx, p); err != nil {
			log.Printf("[monitor] republish partition %s/%d: %v", p.RunID, p.PartitionID, err)
			continue
		}
		if m.bus != nil {
			m.bus.Publish(progress.Event{
				Type:  progress.PartitionRetried,
				Feed:  run.Feed,
				RunID: p.RunID,
				Data: map[string]interface{}{
					"partition_id": p.PartitionID,
					"retry":        p.RetryCount + 1,
					"offset":       p.NextOffset,
				},
			})
		}
		log.Printf("[monitor] partition %s/%d reset for retry %d at offset %d",
			p.RunID, p.PartitionID, p.RetryCount+1, p.NextOffset)
	}
}

// republishWorkItem re-enqueues the stored replay payload, resuming at
// the durable offset. The message id carries the retry generation: the
// original offset-keyed id may already be completed, and dedup must
// not swallow the replay.
func (m *Monitor) republishWorkItem(ctx context.Context, p models.Partition) error {
	var item models.WorkItem
	if err := json.Unmarshal(p.WorkItemPayload, &item); err != nil {
		return fmt.Errorf("unmarshal replay payload: %w", err)
	}
	item.Type = models.MessageWorkItem
	if p.NextOffset > item.Offset {
		item.Offset = p.NextOffset
	}
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("retry:%s:%d:%d", p.RunID, p.PartitionID, p.RetryCount+1)
	_, err = m.queue.Enqueue(ctx, queue.WorkItems, id, body)
	return err
}

// sweepFeeds releases expired consolidation claims and republishes
// consolidation for feeds whose raw backlog never drained. The sweep
// id is bucketed by hour so at most one republish lands per bucket.
func (m *Monitor) sweepFeeds(ctx context.Context) {
	for _, feed := range m.registry.Names() {
		if n, err := m.store.SweepExpiredClaims(ctx, feed); err == nil && n > 0 {
			log.Printf("[monitor] released %d expired claims on %s", n, feed)
		}

		pending, err := m.store.CountPendingRaw(ctx, feed)
		if err != nil || pending == 0 {
			continue
		}
		run, err := m.store.LatestTerminatedRun(ctx, feed)
		if err != nil || run == nil {
			continue
		}
		body, err := json.Marshal(models.Consolidate{
			Type:  models.MessageConsolidate,
			RunID: run.RunID,
			Feed:  feed,
		})
		if err != nil {
			continue
		}
		id := fmt.Sprintf("consolidate:%s:sweep:%d", run.RunID, time.Now().Unix()/3600)
		if _, err := m.queue.Enqueue(ctx, queue.Consolidate, id, body); err != nil {
			log.Printf("[monitor] republish consolidate for %s: %v", feed, err)
		}
	}
}

func (m *Monitor) complete(ctx context.Context, msg *queue.Message) {
	if err := m.queue.Complete(ctx, msg); err != nil {
		log.Printf("[monitor] complete message %s: %v", msg.ID, err)
	}
}

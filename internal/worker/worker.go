// Package worker executes partition scans. A worker leases one work
// item at a time, pulls pages from the feed under the global rate
// limiter, captures each page into the raw table, and advances the
// durable offset so any replica can resume mid-partition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/models"
	"gemscan/internal/progress"
	"gemscan/internal/queue"
)

// Store is the partition bookkeeping surface the worker needs.
// *repository.Repository satisfies it.
type Store interface {
	StartPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error)
	AdvanceOffset(ctx context.Context, runID string, partitionID, newOffset int) error
	CompletePartition(ctx context.Context, runID string, partitionID int) (bool, error)
	FailPartition(ctx context.Context, runID string, partitionID int, errMsg string, payload []byte, nextRetryAt time.Time) (bool, error)
	UpsertRawRows(ctx context.Context, feed string, rows []models.RawRow) error
}

// Limiter gates upstream requests across all worker replicas.
type Limiter interface {
	Acquire(ctx context.Context) error
}

type Worker struct {
	store    Store
	queue    queue.Queue
	registry *feeds.Registry
	limiter  Limiter
	bus      *progress.Bus
	cfg      *config.Config
}

func New(store Store, q queue.Queue, registry *feeds.Registry, limiter Limiter, bus *progress.Bus, cfg *config.Config) *Worker {
	return &Worker{store: store, queue: q, registry: registry, limiter: limiter, bus: bus, cfg: cfg}
}

// Run polls the work-items queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := w.queue.Receive(ctx, queue.WorkItems, w.cfg.VisibilityTimeout)
		if err != nil {
			log.Printf("[worker] receive: %v", err)
			msg = nil
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.WorkerPollWait):
			}
			continue
		}
		// Shutdown must not strand the leased message mid-page: finish
		// it under a detached context, then exit on the next iteration.
		w.handle(context.WithoutCancel(ctx), msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	var item models.WorkItem
	if err := json.Unmarshal(msg.Body, &item); err != nil || item.Type != models.MessageWorkItem {
		log.Printf("[worker] dropping malformed message %s: %v", msg.ID, err)
		w.complete(ctx, msg)
		return
	}
	w.processItem(ctx, msg, item)
}

// processItem runs the page loop for one leased work item. Every exit
// path settles the message exactly once: Complete when the item's work
// is done or handed off, Abandon when a transient failure should lead
// to redelivery.
func (w *Worker) processItem(ctx context.Context, msg *queue.Message, item models.WorkItem) {
	p, err := w.store.StartPartition(ctx, item.RunID, item.PartitionID)
	if err != nil {
		log.Printf("[worker] start partition %s/%d: %v", item.RunID, item.PartitionID, err)
		w.abandon(ctx, msg)
		return
	}
	if p == nil {
		// Terminal state already; a duplicate or stale delivery.
		w.complete(ctx, msg)
		return
	}

	adapter, err := w.registry.Get(item.Feed)
	if err != nil {
		// A feed that is no longer registered cannot ever succeed.
		w.failPartition(ctx, msg, item, item.Offset, p.RetryCount, err)
		return
	}

	// Resume from the durable offset when it is ahead of the message;
	// a redelivered item never rewinds progress.
	offset := item.Offset
	if p.NextOffset > offset {
		offset = p.NextOffset
	}
	total := p.TotalRecords

	limit := item.Limit
	if limit <= 0 || limit > adapter.MaxPageSize() {
		limit = adapter.MaxPageSize()
	}

	q := feeds.Query{
		MinPrice:    item.MinPrice,
		MaxPrice:    item.MaxPrice,
		UpdatedFrom: item.UpdatedFrom,
		UpdatedTo:   item.UpdatedTo,
	}

	for pages := 0; ; pages++ {
		if offset >= total {
			w.completePartition(ctx, msg, item, p.RetryCount)
			return
		}
		if pages >= w.cfg.PagesPerLease {
			// Budget spent: hand the remainder off as a fresh work item
			// so long partitions never outlive a visibility lease.
			w.continueAt(ctx, msg, item, offset)
			return
		}

		if err := w.limiter.Acquire(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("[worker] partition %s/%d: %v", item.RunID, item.PartitionID, err)
			}
			w.abandon(ctx, msg)
			return
		}

		res, err := adapter.Search(ctx, q, offset, limit)
		if err != nil {
			if feeds.IsRetryable(err) {
				log.Printf("[worker] partition %s/%d: retryable search error at offset %d: %v",
					item.RunID, item.PartitionID, offset, err)
				w.abandon(ctx, msg)
				return
			}
			w.failPartition(ctx, msg, item, offset, p.RetryCount, err)
			return
		}

		if len(res.Items) == 0 {
			// The count overestimated; the partition is drained.
			w.completePartition(ctx, msg, item, p.RetryCount)
			return
		}

		rows := make([]models.RawRow, 0, len(res.Items))
		for _, raw := range res.Items {
			id, err := adapter.ExtractIdentity(raw)
			if err != nil {
				log.Printf("[worker] partition %s/%d: skipping item without identity: %v",
					item.RunID, item.PartitionID, err)
				continue
			}
			rows = append(rows, models.RawRow{
				Feed:            item.Feed,
				SupplierStoneID: id.SupplierStoneID,
				OfferID:         id.OfferID,
				Payload:         id.Payload,
				RunID:           item.RunID,
				SourceUpdatedAt: id.SourceUpdatedAt,
			})
		}
		if err := w.store.UpsertRawRows(ctx, item.Feed, rows); err != nil {
			log.Printf("[worker] partition %s/%d: upsert raw: %v", item.RunID, item.PartitionID, err)
			w.abandon(ctx, msg)
			return
		}

		offset += len(res.Items)
		if err := w.store.AdvanceOffset(ctx, item.RunID, item.PartitionID, offset); err != nil {
			log.Printf("[worker] partition %s/%d: advance offset: %v", item.RunID, item.PartitionID, err)
			w.abandon(ctx, msg)
			return
		}

		if len(res.Items) < limit {
			// Short page under stable ordering means no more rows match.
			w.completePartition(ctx, msg, item, p.RetryCount)
			return
		}
	}
}

// completePartition CASes the partition to completed; only the winner
// reports the outcome, so redeliveries never double-count.
func (w *Worker) completePartition(ctx context.Context, msg *queue.Message, item models.WorkItem, retryCount int) {
	won, err := w.store.CompletePartition(ctx, item.RunID, item.PartitionID)
	if err != nil {
		log.Printf("[worker] complete partition %s/%d: %v", item.RunID, item.PartitionID, err)
		w.abandon(ctx, msg)
		return
	}
	if won {
		if err := queue.EnqueueWorkDone(ctx, w.queue, models.WorkDone{
			RunID:       item.RunID,
			Feed:        item.Feed,
			PartitionID: item.PartitionID,
			Retry:       retryCount,
			Success:     true,
		}); err != nil {
			log.Printf("[worker] enqueue work done %s/%d: %v", item.RunID, item.PartitionID, err)
			w.abandon(ctx, msg)
			return
		}
		if w.bus != nil {
			w.bus.Publish(progress.Event{
				Type:  progress.PartitionCompleted,
				Feed:  item.Feed,
				RunID: item.RunID,
				Data:  map[string]interface{}{"partition_id": item.PartitionID},
			})
		}
		log.Printf("[worker] partition %s/%d completed", item.RunID, item.PartitionID)
	}
	w.complete(ctx, msg)
}

// continueAt enqueues the remainder of the partition as a new work
// item keyed on the new offset, then settles the current delivery.
func (w *Worker) continueAt(ctx context.Context, msg *queue.Message, item models.WorkItem, offset int) {
	next := item
	next.Offset = offset
	if err := queue.EnqueueWorkItem(ctx, w.queue, next); err != nil {
		log.Printf("[worker] enqueue continuation %s: %v", next.MessageID(), err)
		w.abandon(ctx, msg)
		return
	}
	log.Printf("[worker] partition %s/%d continues at offset %d", item.RunID, item.PartitionID, offset)
	w.complete(ctx, msg)
}

// failPartition CASes the partition to failed with an exponential
// retry schedule and persists a replay payload resuming at offset.
func (w *Worker) failPartition(ctx context.Context, msg *queue.Message, item models.WorkItem, offset, retryCount int, cause error) {
	replay := item
	replay.Offset = offset
	payload, _ := json.Marshal(replay)

	backoff := w.cfg.RetryBaseDelay
	for i := 0; i < retryCount && backoff < time.Hour; i++ {
		backoff *= 2
	}
	backoff += time.Duration(rand.Int63n(int64(w.cfg.RetryBaseDelay)/2 + 1))
	nextRetry := time.Now().UTC().Add(backoff)

	won, err := w.store.FailPartition(ctx, item.RunID, item.PartitionID,
		fmt.Sprintf("search failed at offset %d: %v", offset, cause), payload, nextRetry)
	if err != nil {
		log.Printf("[worker] fail partition %s/%d: %v", item.RunID, item.PartitionID, err)
		w.abandon(ctx, msg)
		return
	}
	if won {
		if err := queue.EnqueueWorkDone(ctx, w.queue, models.WorkDone{
			RunID:       item.RunID,
			Feed:        item.Feed,
			PartitionID: item.PartitionID,
			Retry:       retryCount,
			Success:     false,
			Error:       cause.Error(),
		}); err != nil {
			log.Printf("[worker] enqueue work done %s/%d: %v", item.RunID, item.PartitionID, err)
			w.abandon(ctx, msg)
			return
		}
		if w.bus != nil {
			w.bus.Publish(progress.Event{
				Type:  progress.PartitionFailed,
				Feed:  item.Feed,
				RunID: item.RunID,
				Data:  map[string]interface{}{"partition_id": item.PartitionID, "error": cause.Error()},
			})
		}
		log.Printf("[worker] partition %s/%d failed: %v (retry after %s)",
			item.RunID, item.PartitionID, cause, nextRetry.Format(time.RFC3339))
	}
	w.complete(ctx, msg)
}

func (w *Worker) complete(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Complete(ctx, msg); err != nil {
		log.Printf("[worker] complete message %s: %v", msg.ID, err)
	}
}

func (w *Worker) abandon(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Abandon(ctx, msg); err != nil {
		log.Printf("[worker] abandon message %s: %v", msg.ID, err)
	}
}

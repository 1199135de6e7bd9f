// Package consolidator promotes captured raw rows into the canonical
// diamonds table. Consumption is claim-based: replicas flip disjoint
// raw batches to claimed, map them through the feed adapter, upsert
// the results, and mark the batch done. When a run's raw backlog
// drains, the run is finished: full runs soft-delete vanished stones,
// every run bumps the feed's dataset version and rolls the watermark.
package consolidator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gemscan/internal/blobstore"
	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/models"
	"gemscan/internal/progress"
	"gemscan/internal/queue"

	"golang.org/x/sync/errgroup"
)

// Store is the promotion surface the consolidator needs.
// *repository.Repository satisfies it.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	CompleteRun(ctx context.Context, runID string) error
	ClaimRawBatch(ctx context.Context, feed string, batchSize int, claimTTL time.Duration) ([]models.RawRow, error)
	MarkRawDone(ctx context.Context, feed string, stoneIDs []string) error
	UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) error
	FinishConsolidation(ctx context.Context, feed, runID string, runStartedAt time.Time) (deleted int64, version int64, err error)
	BumpDatasetVersion(ctx context.Context, feed string) (int64, error)
}

type Consolidator struct {
	store    Store
	queue    queue.Queue
	blobs    blobstore.Store
	registry *feeds.Registry
	bus      *progress.Bus
	cfg      *config.Config
}

func New(store Store, q queue.Queue, blobs blobstore.Store, registry *feeds.Registry, bus *progress.Bus, cfg *config.Config) *Consolidator {
	return &Consolidator{store: store, queue: q, blobs: blobs, registry: registry, bus: bus, cfg: cfg}
}

// Run polls the consolidate queue until the context is cancelled.
func (c *Consolidator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.queue.Receive(ctx, queue.Consolidate, c.cfg.VisibilityTimeout)
		if err != nil {
			log.Printf("[consolidator] receive: %v", err)
			msg = nil
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.WorkerPollWait):
			}
			continue
		}

		var req models.Consolidate
		if err := json.Unmarshal(msg.Body, &req); err != nil || req.Type != models.MessageConsolidate {
			log.Printf("[consolidator] dropping malformed message %s: %v", msg.ID, err)
			c.settle(ctx, msg, true)
			continue
		}

		done, err := c.consolidateRun(ctx, req.Feed, req.RunID)
		if err != nil {
			log.Printf("[consolidator] run %s (%s): %v", req.RunID, req.Feed, err)
			c.settle(ctx, msg, false)
			continue
		}
		c.settle(ctx, msg, done)
	}
}

// consolidateRun drains the feed's pending raw rows and, once empty,
// runs the end-of-run bookkeeping for the named run. The bool reports
// whether the message should be completed; a premature delivery is
// abandoned so the same message comes back after the visibility lease.
func (c *Consolidator) consolidateRun(ctx context.Context, feed, runID string) (bool, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		log.Printf("[consolidator] run %s not found, dropping", runID)
		return true, nil
	}
	if !run.Terminated() {
		log.Printf("[consolidator] run %s not yet terminated, deferring", runID)
		return false, nil
	}

	adapter, err := c.registry.Get(feed)
	if err != nil {
		return false, err
	}

	promoted, err := c.drain(ctx, adapter)
	if err != nil {
		return false, err
	}

	if err := c.finish(ctx, run, promoted); err != nil {
		return false, err
	}
	return true, nil
}

// drain claims and promotes batches until no pending rows remain.
// Concurrent claim loops take disjoint batches via SKIP LOCKED.
func (c *Consolidator) drain(ctx context.Context, adapter feeds.Adapter) (int, error) {
	feed := adapter.Name()
	counts := make([]int, c.cfg.ConsolidatorConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.ConsolidatorConcurrency; i++ {
		g.Go(func() error {
			for {
				rows, err := c.store.ClaimRawBatch(gctx, feed, c.cfg.ConsolidatorBatchSize, c.cfg.ClaimTTL)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					return nil
				}

				diamonds := make([]models.Diamond, 0, len(rows))
				done := make([]string, 0, len(rows))
				for _, row := range rows {
					d, err := adapter.MapRawToCanonical(row.Payload)
					if err != nil {
						// Leave the row claimed; the TTL sweep returns it
						// to pending for a later pass.
						log.Printf("[consolidator] %s/%s: map failed: %v", feed, row.SupplierStoneID, err)
						continue
					}
					d.Feed = feed
					d.SupplierStoneID = row.SupplierStoneID
					if d.OfferID == "" {
						d.OfferID = row.OfferID
					}
					if d.SourceUpdatedAt == nil {
						d.SourceUpdatedAt = row.SourceUpdatedAt
					}
					diamonds = append(diamonds, d)
					done = append(done, row.SupplierStoneID)
				}

				if err := c.store.UpsertDiamonds(gctx, diamonds); err != nil {
					return err
				}
				if err := c.store.MarkRawDone(gctx, feed, done); err != nil {
					return err
				}
				counts[i] += len(done)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// finish performs the end-of-run bookkeeping: soft-delete (full runs
// only), dataset version bump, watermark roll, run completion.
func (c *Consolidator) finish(ctx context.Context, run *models.Run, promoted int) error {
	var deleted, version int64
	var err error
	// The anti-join soft-delete is only sound when the run actually saw
	// the whole inventory; a failed partition leaves stones unscanned,
	// and deleting those would be wrong.
	if run.RunType == models.RunTypeFull && !run.Cancelled && run.FailedWorkers == 0 {
		deleted, version, err = c.store.FinishConsolidation(ctx, run.Feed, run.RunID, run.StartedAt)
	} else {
		version, err = c.store.BumpDatasetVersion(ctx, run.Feed)
	}
	if err != nil {
		return err
	}

	// The watermark only rolls forward when the whole window was
	// covered; a cancelled or partially failed run would leave gaps.
	if !run.Cancelled && run.FailedWorkers == 0 {
		now := time.Now().UTC()
		err := c.blobs.PutWatermark(ctx, run.Feed, models.Watermark{
			LastUpdatedAt:      run.WatermarkAfter,
			LastRunID:          run.RunID,
			LastRunCompletedAt: &now,
		})
		if err != nil {
			return err
		}
	}

	if err := c.store.CompleteRun(ctx, run.RunID); err != nil {
		return err
	}

	if c.bus != nil {
		c.bus.Publish(progress.Event{
			Type:  progress.ConsolidationDone,
			Feed:  run.Feed,
			RunID: run.RunID,
			Data: map[string]interface{}{
				"promoted": promoted,
				"deleted":  deleted,
				"version":  version,
			},
		})
	}
	log.Printf("[consolidator] run %s (%s): promoted %d, soft-deleted %d, dataset version %d",
		run.RunID, run.Feed, promoted, deleted, version)
	return nil
}

func (c *Consolidator) settle(ctx context.Context, msg *queue.Message, ok bool) {
	var err error
	if ok {
		err = c.queue.Complete(ctx, msg)
	} else {
		err = c.queue.Abandon(ctx, msg)
	}
	if err != nil {
		log.Printf("[consolidator] settle message %s: %v", msg.ID, err)
	}
}

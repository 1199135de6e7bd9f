// Package scheduler plans ingestion runs: it decides the update window
// from the feed's watermark, carves the price axis into partitions via
// the heatmap scan, records the run bookkeeping, and fans the work
// items out onto the queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gemscan/internal/blobstore"
	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/heatmap"
	"gemscan/internal/models"
	"gemscan/internal/progress"
	"gemscan/internal/queue"

	"github.com/google/uuid"
)

// Store is the run bookkeeping surface the scheduler needs.
// *repository.Repository satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	CompleteRun(ctx context.Context, runID string) error
	CreatePartitions(ctx context.Context, parts []models.Partition) error
	EnsureRawTable(ctx context.Context, feed string) error
}

type Scheduler struct {
	store    Store
	queue    queue.Queue
	blobs    blobstore.Store
	registry *feeds.Registry
	bus      *progress.Bus
	cfg      *config.Config
}

func New(store Store, q queue.Queue, blobs blobstore.Store, registry *feeds.Registry, bus *progress.Bus, cfg *config.Config) *Scheduler {
	return &Scheduler{store: store, queue: q, blobs: blobs, registry: registry, bus: bus, cfg: cfg}
}

// RunFeed plans and launches one ingestion run for the named feed.
// With no watermark the run is a full backfill from FullRunStartDate;
// otherwise it is an incremental refresh from the watermark minus the
// safety buffer. A window holding zero records still produces a run
// row, completed immediately, so the watermark advances.
func (s *Scheduler) RunFeed(ctx context.Context, feed string) (*models.Run, error) {
	adapter, err := s.registry.Get(feed)
	if err != nil {
		return nil, err
	}

	wm, err := s.blobs.GetWatermark(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("get watermark for %s: %w", feed, err)
	}

	runType := models.RunTypeFull
	maxWorkers := s.cfg.MaxWorkers
	updatedFrom, err := time.Parse("2006-01-02", s.cfg.FullRunStartDate)
	if err != nil {
		return nil, fmt.Errorf("parse full_run_start_date %q: %w", s.cfg.FullRunStartDate, err)
	}
	var watermarkBefore *time.Time
	if wm != nil {
		runType = models.RunTypeIncremental
		maxWorkers = s.cfg.MaxWorkersIncremental
		// Pull the lower bound back so records updated while the last
		// run was in flight are not skipped.
		updatedFrom = wm.LastUpdatedAt.Add(-s.cfg.WatermarkSafetyBuffer)
		before := wm.LastUpdatedAt
		watermarkBefore = &before
	}
	updatedTo := time.Now().UTC()

	base := adapter.BuildBaseQuery(updatedFrom, updatedTo)
	countFn := func(ctx context.Context, minPrice, maxPrice float64) (int, error) {
		q := base
		q.MinPrice = minPrice
		q.MaxPrice = maxPrice
		return adapter.Count(ctx, q)
	}

	parts, err := heatmap.Scan(ctx, countFn, heatmap.Config{
		TargetPerChunk:     s.cfg.TargetPerChunk,
		DenseZoneThreshold: s.cfg.DenseZoneThreshold,
		DenseZoneStep:      s.cfg.DenseZoneStep,
		InitialStep:        s.cfg.InitialStep,
		MaxPrice:           s.cfg.MaxPrice,
		MaxScanWorkers:     s.cfg.MaxScanWorkers,
		MaxRefines:         s.cfg.MaxRefines,
	})
	if err != nil {
		return nil, fmt.Errorf("heatmap scan for %s: %w", feed, err)
	}
	parts = heatmap.DropEmpty(parts)
	parts = heatmap.MergeToFit(parts, maxWorkers, s.cfg.MinRecordsPerWorker)
	total := heatmap.Total(parts)

	run := &models.Run{
		RunID:           uuid.NewString(),
		Feed:            feed,
		RunType:         runType,
		ExpectedWorkers: len(parts),
		WatermarkBefore: watermarkBefore,
		WatermarkAfter:  updatedTo,
		StartedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		// Nothing changed in the window. Complete the run now so the
		// consolidator still rolls the watermark forward.
		if err := s.store.CompleteRun(ctx, run.RunID); err != nil {
			return nil, err
		}
		if err := queue.EnqueueConsolidate(ctx, s.queue, models.Consolidate{RunID: run.RunID, Feed: feed}); err != nil {
			return nil, err
		}
		log.Printf("[scheduler] run %s (%s, %s): window empty, completed immediately", run.RunID, feed, runType)
		return run, nil
	}

	if err := s.store.EnsureRawTable(ctx, feed); err != nil {
		return nil, err
	}

	items := make([]models.WorkItem, 0, len(parts))
	rows := make([]models.Partition, 0, len(parts))
	for _, p := range parts {
		item := models.WorkItem{
			RunID:        run.RunID,
			Feed:         feed,
			PartitionID:  p.ID,
			Offset:       0,
			Limit:        adapter.MaxPageSize(),
			MinPrice:     p.MinPrice,
			MaxPrice:     p.MaxPrice,
			TotalRecords: p.TotalRecords,
			UpdatedFrom:  updatedFrom,
			UpdatedTo:    updatedTo,
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal work item: %w", err)
		}
		items = append(items, item)
		rows = append(rows, models.Partition{
			RunID:           run.RunID,
			PartitionID:     p.ID,
			MinPrice:        p.MinPrice,
			MaxPrice:        p.MaxPrice,
			TotalRecords:    p.TotalRecords,
			WorkItemPayload: payload,
		})
	}
	if err := s.store.CreatePartitions(ctx, rows); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := queue.EnqueueWorkItem(ctx, s.queue, item); err != nil {
			return nil, fmt.Errorf("enqueue work item %s: %w", item.MessageID(), err)
		}
	}

	if s.bus != nil {
		s.bus.Publish(progress.Event{
			Type:  progress.RunStarted,
			Feed:  feed,
			RunID: run.RunID,
			Data: map[string]interface{}{
				"run_type":      string(runType),
				"partitions":    len(parts),
				"total_records": total,
			},
		})
	}
	log.Printf("[scheduler] run %s (%s, %s): %d partitions, %d records, window [%s, %s]",
		run.RunID, feed, runType, len(parts), total,
		updatedFrom.Format(time.RFC3339), updatedTo.Format(time.RFC3339))
	return run, nil
}

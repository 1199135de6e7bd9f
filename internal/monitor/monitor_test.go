package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/models"
	"gemscan/internal/queue"
)

type fakeStore struct {
	mu              sync.Mutex
	runs            map[string]*models.Run
	stalled         []models.Partition
	retryable       []models.Partition
	resetWins       map[string]bool
	decremented     []string
	sweptClaims     map[string]int64
	pendingRaw      map[string]int
	latestTermRun   map[string]*models.Run
	purgedAge       time.Duration
	recordedOutcome []bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:          map[string]*models.Run{},
		resetWins:     map[string]bool{},
		sweptClaims:   map[string]int64{},
		pendingRaw:    map[string]int{},
		latestTermRun: map[string]*models.Run{},
	}
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	r := *run
	return &r, nil
}

func (f *fakeStore) RecordWorkerOutcome(ctx context.Context, runID string, success bool) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordedOutcome = append(f.recordedOutcome, success)
	run := f.runs[runID]
	if success {
		run.CompletedWorkers++
	} else {
		run.FailedWorkers++
	}
	r := *run
	return &r, nil
}

func (f *fakeStore) DecrementFailedWorkers(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decremented = append(f.decremented, runID)
	if run, ok := f.runs[runID]; ok && run.FailedWorkers > 0 {
		run.FailedWorkers--
	}
	return nil
}

func (f *fakeStore) LatestTerminatedRun(ctx context.Context, feed string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestTermRun[feed], nil
}

func (f *fakeStore) StallPartitions(ctx context.Context, threshold, baseBackoff time.Duration) ([]models.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stalled
	f.stalled = nil
	return out, nil
}

func (f *fakeStore) RetryablePartitions(ctx context.Context, maxRetries int) ([]models.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryable, nil
}

func (f *fakeStore) ResetForRetry(ctx context.Context, runID string, partitionID, expectedRetryCount int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID
	return f.resetWins[key], nil
}

func (f *fakeStore) SweepExpiredClaims(ctx context.Context, feed string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweptClaims[feed], nil
}

func (f *fakeStore) CountPendingRaw(ctx context.Context, feed string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingRaw[feed], nil
}

func (f *fakeStore) PurgeCompletedMessages(ctx context.Context, age time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgedAge = age
	return 0, nil
}

func testMonitor(store *fakeStore, q queue.Queue, feedNames ...string) *Monitor {
	reg := feeds.NewRegistry()
	for _, name := range feedNames {
		reg.Register(feeds.NewDemo(name, 1, 1))
	}
	cfg := &config.Config{
		VisibilityTimeout: time.Minute,
		MonitorInterval:   time.Minute,
		StallThreshold:    15 * time.Minute,
		MaxRetries:        5,
		RetryBaseDelay:    time.Second,
	}
	return New(store, q, reg, nil, cfg)
}

func TestDrainWorkDoneTerminatesRun(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", ExpectedWorkers: 2, CompletedWorkers: 1}
	q := queue.NewMemory()
	m := testMonitor(store, q)

	ctx := context.Background()
	if err := queue.EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", Feed: "demo", PartitionID: 1, Success: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.drainWorkDone(ctx)

	if store.runs["r1"].CompletedWorkers != 2 {
		t.Fatalf("completed workers %d, want 2", store.runs["r1"].CompletedWorkers)
	}
	if q.Depth(queue.WorkDone) != 0 {
		t.Fatal("outcome message not completed")
	}
	msg, _ := q.Receive(ctx, queue.Consolidate, time.Minute)
	if msg == nil || msg.ID != "consolidate:r1" {
		t.Fatalf("consolidate message %+v, want consolidate:r1", msg)
	}
}

func TestDrainWorkDoneMidRunNoConsolidate(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", ExpectedWorkers: 5}
	q := queue.NewMemory()
	m := testMonitor(store, q)

	ctx := context.Background()
	queue.EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", Feed: "demo", PartitionID: 0, Success: true})
	m.drainWorkDone(ctx)

	if q.Depth(queue.Consolidate) != 0 {
		t.Fatal("consolidation enqueued before the run terminated")
	}
}

func TestFailStalledRecordsFailure(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", ExpectedWorkers: 1}
	store.stalled = []models.Partition{{RunID: "r1", PartitionID: 2, NextOffset: 120}}
	q := queue.NewMemory()
	m := testMonitor(store, q)

	m.failStalled(context.Background())

	if len(store.recordedOutcome) != 1 || store.recordedOutcome[0] {
		t.Fatalf("recorded outcomes %v, want one failure", store.recordedOutcome)
	}
	// One expected worker failing terminates the run.
	msg, _ := q.Receive(context.Background(), queue.Consolidate, time.Minute)
	if msg == nil {
		t.Fatal("terminated run did not trigger consolidation")
	}
}

func TestRetryFailedRepublishesAtDurableOffset(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", ExpectedWorkers: 3, FailedWorkers: 1}
	store.resetWins["r1"] = true

	payload, _ := json.Marshal(models.WorkItem{
		Type: models.MessageWorkItem, RunID: "r1", Feed: "demo",
		PartitionID: 4, Offset: 100, Limit: 50, TotalRecords: 900,
	})
	store.retryable = []models.Partition{{
		RunID: "r1", PartitionID: 4, NextOffset: 250, RetryCount: 1,
		Status: models.PartitionFailed, WorkItemPayload: payload,
	}}

	q := queue.NewMemory()
	m := testMonitor(store, q)
	m.retryFailed(context.Background())

	if len(store.decremented) != 1 || store.decremented[0] != "r1" {
		t.Fatalf("decrements %v, want [r1]", store.decremented)
	}
	msg, _ := q.Receive(context.Background(), queue.WorkItems, time.Minute)
	if msg == nil {
		t.Fatal("no republished work item")
	}
	if msg.ID != "retry:r1:4:2" {
		t.Fatalf("republish id %q, want retry:r1:4:2", msg.ID)
	}
	var item models.WorkItem
	json.Unmarshal(msg.Body, &item)
	if item.Offset != 250 {
		t.Fatalf("republished offset %d, want the durable 250", item.Offset)
	}
}

func TestRetryFailedSkipsCancelledRun(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", Cancelled: true}
	store.resetWins["r1"] = true
	payload, _ := json.Marshal(models.WorkItem{Type: models.MessageWorkItem, RunID: "r1", Feed: "demo"})
	store.retryable = []models.Partition{{RunID: "r1", PartitionID: 0, WorkItemPayload: payload}}

	q := queue.NewMemory()
	m := testMonitor(store, q)
	m.retryFailed(context.Background())

	if q.Depth(queue.WorkItems) != 0 {
		t.Fatal("cancelled run's partition was republished")
	}
}

func TestRetryFailedLosingCASIsNoop(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo"}
	store.resetWins["r1"] = false
	payload, _ := json.Marshal(models.WorkItem{Type: models.MessageWorkItem, RunID: "r1", Feed: "demo"})
	store.retryable = []models.Partition{{RunID: "r1", PartitionID: 0, WorkItemPayload: payload}}

	q := queue.NewMemory()
	m := testMonitor(store, q)
	m.retryFailed(context.Background())

	if len(store.decremented) != 0 || q.Depth(queue.WorkItems) != 0 {
		t.Fatal("losing the reset race must not decrement or republish")
	}
}

func TestSweepFeedsRepublishesConsolidation(t *testing.T) {
	store := newFakeStore()
	store.pendingRaw["demo"] = 42
	store.latestTermRun["demo"] = &models.Run{RunID: "r9", Feed: "demo"}

	q := queue.NewMemory()
	m := testMonitor(store, q, "demo")
	m.sweepFeeds(context.Background())

	msg, _ := q.Receive(context.Background(), queue.Consolidate, time.Minute)
	if msg == nil {
		t.Fatal("no consolidate republished for leftover backlog")
	}
	var req models.Consolidate
	json.Unmarshal(msg.Body, &req)
	if req.RunID != "r9" || req.Feed != "demo" {
		t.Fatalf("republished %+v", req)
	}

	// A second sweep in the same hour bucket dedups.
	m.sweepFeeds(context.Background())
	if q.Depth(queue.Consolidate) != 1 {
		t.Fatalf("depth %d, want 1 per hour bucket", q.Depth(queue.Consolidate))
	}
}

func TestSweepFeedsIdleFeedStaysQuiet(t *testing.T) {
	store := newFakeStore()
	q := queue.NewMemory()
	m := testMonitor(store, q, "demo")
	m.sweepFeeds(context.Background())

	if q.Depth(queue.Consolidate) != 0 {
		t.Fatal("idle feed triggered consolidation")
	}
}

func TestTickPurgesOldMessages(t *testing.T) {
	store := newFakeStore()
	q := queue.NewMemory()
	m := testMonitor(store, q)
	m.Tick(context.Background())

	if store.purgedAge != completedRetention {
		t.Fatalf("purge age %s, want %s", store.purgedAge, completedRetention)
	}
}

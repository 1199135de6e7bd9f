package queue

import (
	"context"
	"testing"
	"time"

	"gemscan/internal/models"
)

func TestMemoryDedup(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, WorkItems, "run:0:0", []byte(`{}`))
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%t err=%v", ok, err)
	}
	ok, err = q.Enqueue(ctx, WorkItems, "run:0:0", []byte(`{"other":true}`))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatal("duplicate message id accepted")
	}
	if q.Depth(WorkItems) != 1 {
		t.Fatalf("depth %d, want 1", q.Depth(WorkItems))
	}
}

func TestMemoryVisibilityRedelivery(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, WorkItems, "m1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := q.Receive(ctx, WorkItems, 20*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("receive: msg=%v err=%v", msg, err)
	}
	if msg.DeliveryCount != 1 {
		t.Fatalf("delivery count %d, want 1", msg.DeliveryCount)
	}

	// Still leased: nothing visible.
	again, err := q.Receive(ctx, WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("receive during lease: %v", err)
	}
	if again != nil {
		t.Fatalf("leased message redelivered early: %+v", again)
	}

	time.Sleep(30 * time.Millisecond)
	again, err = q.Receive(ctx, WorkItems, time.Minute)
	if err != nil || again == nil {
		t.Fatalf("receive after lease expiry: msg=%v err=%v", again, err)
	}
	if again.ID != "m1" || again.DeliveryCount != 2 {
		t.Fatalf("redelivery id=%q count=%d", again.ID, again.DeliveryCount)
	}
}

func TestMemoryCompleteIsTerminal(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	q.Enqueue(ctx, WorkItems, "m1", []byte(`{}`))
	msg, _ := q.Receive(ctx, WorkItems, time.Millisecond)
	if err := q.Complete(ctx, msg); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if got, _ := q.Receive(ctx, WorkItems, time.Minute); got != nil {
		t.Fatalf("completed message redelivered: %+v", got)
	}

	// Dedup outlives completion: the id stays burned.
	ok, err := q.Enqueue(ctx, WorkItems, "m1", []byte(`{}`))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if ok {
		t.Fatal("completed message id re-accepted")
	}
}

func TestMemoryAbandonMakesVisible(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	q.Enqueue(ctx, WorkItems, "m1", []byte(`{}`))
	msg, _ := q.Receive(ctx, WorkItems, time.Hour)
	if err := q.Abandon(ctx, msg); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	again, _ := q.Receive(ctx, WorkItems, time.Hour)
	if again == nil || again.ID != "m1" {
		t.Fatalf("abandoned message not redelivered: %+v", again)
	}
}

func TestMemoryOldestFirst(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	q.Enqueue(ctx, WorkItems, "first", []byte(`{}`))
	time.Sleep(2 * time.Millisecond)
	q.Enqueue(ctx, WorkItems, "second", []byte(`{}`))

	msg, _ := q.Receive(ctx, WorkItems, time.Hour)
	if msg == nil || msg.ID != "first" {
		t.Fatalf("got %+v, want oldest message first", msg)
	}
}

func TestEnqueueHelperIDs(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	item := models.WorkItem{RunID: "r1", Feed: "demo", PartitionID: 3, Offset: 500, Limit: 50}
	if err := EnqueueWorkItem(ctx, q, item); err != nil {
		t.Fatalf("enqueue work item: %v", err)
	}
	msg, _ := q.Receive(ctx, WorkItems, time.Hour)
	if msg.ID != "r1:3:500" {
		t.Fatalf("work item id %q, want r1:3:500", msg.ID)
	}

	done := models.WorkDone{RunID: "r1", Feed: "demo", PartitionID: 3, Success: true}
	if err := EnqueueWorkDone(ctx, q, done); err != nil {
		t.Fatalf("enqueue work done: %v", err)
	}
	msg, _ = q.Receive(ctx, WorkDone, time.Hour)
	if msg.ID != "done:r1:3:0:true" {
		t.Fatalf("work done id %q, want done:r1:3:0:true", msg.ID)
	}

	if err := EnqueueConsolidate(ctx, q, models.Consolidate{RunID: "r1", Feed: "demo"}); err != nil {
		t.Fatalf("enqueue consolidate: %v", err)
	}
	msg, _ = q.Receive(ctx, Consolidate, time.Hour)
	if msg.ID != "consolidate:r1" {
		t.Fatalf("consolidate id %q, want consolidate:r1", msg.ID)
	}
}

func TestWorkDoneIDDistinguishesOutcome(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if err := EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", PartitionID: 0, Success: false, Error: "boom"}); err != nil {
		t.Fatalf("failure outcome: %v", err)
	}
	// A later success for the same partition is a distinct message.
	if err := EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", PartitionID: 0, Success: true}); err != nil {
		t.Fatalf("success outcome: %v", err)
	}
	if q.Depth(WorkDone) != 2 {
		t.Fatalf("depth %d, want 2", q.Depth(WorkDone))
	}
}

func TestWorkDoneIDDistinguishesRetryGeneration(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	// First attempt fails; the run accountant consumes the outcome.
	if err := EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", PartitionID: 0, Retry: 0, Success: false, Error: "boom"}); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	msg, _ := q.Receive(ctx, WorkDone, time.Hour)
	if err := q.Complete(ctx, msg); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// After a reset, the next attempt's failure is a fresh message even
	// though run, partition, and outcome all match.
	if err := EnqueueWorkDone(ctx, q, models.WorkDone{RunID: "r1", PartitionID: 0, Retry: 1, Success: false, Error: "boom"}); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if q.Depth(WorkDone) != 1 {
		t.Fatalf("depth %d, want 1: the retried failure must not be deduplicated away", q.Depth(WorkDone))
	}
}

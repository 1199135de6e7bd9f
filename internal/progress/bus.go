package progress

import (
	"sync"
	"time"
)

// Event types published over the bus.
const (
	RunStarted         = "run.started"
	RunCompleted       = "run.completed"
	RunCancelled       = "run.cancelled"
	PartitionCompleted = "partition.completed"
	PartitionFailed    = "partition.failed"
	PartitionRetried   = "partition.retried"
	ConsolidationDone  = "consolidation.done"
)

// Event is one ingestion progress notification routed through the bus.
type Event struct {
	Type      string                 `json:"type"`
	Feed      string                 `json:"feed,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Bus is an in-process event bus feeding the websocket progress
// stream. It uses Go channels for delivery and is safe for concurrent
// use; slow subscribers have events dropped rather than blocking the
// pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	closed      bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a channel to receive all events. The caller
// creates the channel with sufficient buffer capacity.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Unsubscribe removes a previously registered channel.
func (b *Bus) Unsubscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish fans an event out to every subscriber. Full channels drop.
// Publish is a no-op after Close.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. Subscriber channels stay open; their
// owners close them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue with the same dedup and visibility
// semantics as the Postgres one. Used by tests and single-node runs
// without coordination requirements.
type Memory struct {
	mu   sync.Mutex
	msgs map[string]*memMessage // by message id
}

type memMessage struct {
	msg        Message
	visibleAt  time.Time
	enqueuedAt time.Time
	completed  bool
}

func NewMemory() *Memory {
	return &Memory{msgs: make(map[string]*memMessage)}
}

func (m *Memory) Enqueue(ctx context.Context, queue, messageID string, body []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.msgs[messageID]; exists {
		return false, nil
	}
	now := time.Now()
	m.msgs[messageID] = &memMessage{
		msg:        Message{ID: messageID, Queue: queue, Body: body},
		visibleAt:  now,
		enqueuedAt: now,
	}
	return true, nil
}

func (m *Memory) Receive(ctx context.Context, queue string, visibility time.Duration) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	var best *memMessage
	for _, mm := range m.msgs {
		if mm.msg.Queue != queue || mm.completed || mm.visibleAt.After(now) {
			continue
		}
		if best == nil || mm.enqueuedAt.Before(best.enqueuedAt) {
			best = mm
		}
	}
	if best == nil {
		return nil, nil
	}
	best.visibleAt = now.Add(visibility)
	best.msg.DeliveryCount++
	out := best.msg
	return &out, nil
}

func (m *Memory) Complete(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm, ok := m.msgs[msg.ID]; ok {
		mm.completed = true
	}
	return nil
}

func (m *Memory) Abandon(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm, ok := m.msgs[msg.ID]; ok && !mm.completed {
		mm.visibleAt = time.Now()
	}
	return nil
}

// Depth counts live messages on one queue. Test helper.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mm := range m.msgs {
		if mm.msg.Queue == queue && !mm.completed {
			n++
		}
	}
	return n
}

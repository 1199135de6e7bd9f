package blobstore

import (
	"context"
	"fmt"
	"sync"

	"gemscan/internal/models"
)

// Store persists per-feed watermark objects. One object per feed at
// watermarks/{feed}.json; the consolidator is the single writer per
// feed after a successful run.
type Store interface {
	GetWatermark(ctx context.Context, feed string) (*models.Watermark, error)
	PutWatermark(ctx context.Context, feed string, wm models.Watermark) error
}

func watermarkKey(feed string) string {
	return fmt.Sprintf("watermarks/%s.json", feed)
}

// Memory keeps watermarks in-process. Used by tests and by local runs
// without object storage configured.
type Memory struct {
	mu  sync.RWMutex
	wms map[string]models.Watermark
}

func NewMemory() *Memory {
	return &Memory{wms: make(map[string]models.Watermark)}
}

// GetWatermark returns nil (no error) when the feed has never
// completed a run; callers treat that as "full run needed".
func (m *Memory) GetWatermark(ctx context.Context, feed string) (*models.Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wm, ok := m.wms[feed]
	if !ok {
		return nil, nil
	}
	out := wm
	return &out, nil
}

func (m *Memory) PutWatermark(ctx context.Context, feed string, wm models.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wms[feed] = wm
	return nil
}

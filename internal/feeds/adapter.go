package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gemscan/internal/models"
)

// Query bounds one feed search. Price is half-open [MinPrice, MaxPrice);
// MaxPrice <= 0 means unbounded. The updated window is inclusive on
// both ends and selects on the vendor's own updated-at timestamp.
type Query struct {
	MinPrice    float64
	MaxPrice    float64
	UpdatedFrom time.Time
	UpdatedTo   time.Time
}

// Identity is what a worker persists about one vendor item before any
// domain mapping happens.
type Identity struct {
	SupplierStoneID string
	OfferID         string
	Payload         json.RawMessage
	SourceUpdatedAt *time.Time
}

// SearchResult is one page of a stable-ordered feed search.
type SearchResult struct {
	Items      []json.RawMessage
	TotalCount int
}

// Adapter is the vendor-specific surface of one feed. Implementations
// must keep Search stable-ordered (created-at ascending) so that
// offset pagination resumes correctly under retry, and must keep
// ExtractIdentity and MapRawToCanonical free of side effects.
type Adapter interface {
	Name() string
	MaxPageSize() int
	Count(ctx context.Context, q Query) (int, error)
	Search(ctx context.Context, q Query, offset, limit int) (SearchResult, error)
	ExtractIdentity(item json.RawMessage) (Identity, error)
	MapRawToCanonical(payload json.RawMessage) (models.Diamond, error)
	BuildBaseQuery(updatedFrom, updatedTo time.Time) Query
}

// Error is a typed upstream failure. Retryable errors (network, 5xx,
// 429) may be redelivered; everything else fails the partition.
type Error struct {
	Feed      string
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Feed, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Feed, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried via redelivery.
// Unknown error kinds (raw network errors, context deadline) count as
// retryable; only an explicit non-retryable feed error is fatal.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// Registry maps feed names to adapters. Populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the named feed.
func (r *Registry) Get(feed string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[feed]
	if !ok {
		return nil, fmt.Errorf("unknown feed %q", feed)
	}
	return a, nil
}

// Names returns the registered feed names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package cache is the version-gated response cache of the read API.
// Entries are valid only while the composite dataset version they were
// inserted under still matches; there is no invalidation broadcast,
// stale entries are rejected lazily at lookup.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ignoredKeys are request parameters that do not change which records
// a search matches; they never enter the fingerprint.
var ignoredKeys = map[string]bool{
	"page":      true,
	"offset":    true,
	"limit":     true,
	"page_size": true,
	"sort_by":   true,
	"sort_desc": true,
	"order_by":  true,
}

// Fingerprint reduces a parameter set to a stable 16-hex-char key:
// pagination and sort keys dropped, nulls dropped, array values
// sorted, then key-sorted JSON hashed with SHA-256.
func Fingerprint(params map[string]interface{}) string {
	canonical := canonicalize(params)
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalize(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if ignoredKeys[k] || v == nil {
			continue
		}
		switch vv := v.(type) {
		case []string:
			if len(vv) == 0 {
				continue
			}
			sorted := append([]string(nil), vv...)
			sort.Strings(sorted)
			out[k] = sorted
		case []interface{}:
			if len(vv) == 0 {
				continue
			}
			sorted := make([]string, 0, len(vv))
			for _, e := range vv {
				sorted = append(sorted, fmt.Sprintf("%v", e))
			}
			sort.Strings(sorted)
			out[k] = sorted
		case map[string]interface{}:
			out[k] = canonicalize(vv)
		case string:
			if vv == "" {
				continue
			}
			out[k] = vv
		default:
			out[k] = v
		}
	}
	return out
}

// CompositeVersion folds per-feed dataset versions into one string of
// sorted "feed:v" pairs. Any bump anywhere changes the composite.
func CompositeVersion(versions map[string]int64) string {
	pairs := make([]string, 0, len(versions))
	for feed, v := range versions {
		pairs = append(pairs, fmt.Sprintf("%s:%d", feed, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

type entry struct {
	value     []byte
	version   string
	expiresAt time.Time
}

// ResponseCache is an in-process LRU with TTL whose entries carry the
// composite version they were inserted under.
type ResponseCache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration

	mu      sync.RWMutex
	version string
}

func New(size int, ttl time.Duration) (*ResponseCache, error) {
	if size <= 0 {
		size = 1024
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{lru: l, ttl: ttl}, nil
}

// SetVersion swaps the composite version the cache validates against.
func (c *ResponseCache) SetVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

func (c *ResponseCache) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Get returns the cached value, or misses (and evicts) when the entry
// expired or was inserted under a different composite version.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) || e.version != c.Version() {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Put stores a value under the current composite version.
func (c *ResponseCache) Put(key string, value []byte) {
	c.lru.Add(key, entry{
		value:     value,
		version:   c.Version(),
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *ResponseCache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *ResponseCache) Purge() { c.lru.Purge() }

// VersionSource reads the per-feed dataset versions.
// *repository.Repository satisfies it.
type VersionSource interface {
	GetDatasetVersions(ctx context.Context) (map[string]int64, error)
}

// Poll refreshes the composite version from the store until the
// context is cancelled. An initial read happens before the first tick.
func (c *ResponseCache) Poll(ctx context.Context, src VersionSource, every time.Duration) {
	refresh := func() {
		versions, err := src.GetDatasetVersions(ctx)
		if err != nil {
			log.Printf("[cache] poll dataset versions: %v", err)
			return
		}
		c.SetVersion(CompositeVersion(versions))
	}

	refresh()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

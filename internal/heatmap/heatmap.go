// Package heatmap turns one monolithic feed query into price-bounded
// partitions of roughly equal record count, using only the feed's
// cheap count operation. Each partition is then shallow enough for
// offset pagination to stay inside the vendor's scan cap.
package heatmap

import (
	"context"
	"fmt"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CountFunc counts feed records in the half-open price range
// [minPrice, maxPrice).
type CountFunc func(ctx context.Context, minPrice, maxPrice float64) (int, error)

// Partition is one price-bounded slice of the scan.
type Partition struct {
	ID           int     `json:"partition_id"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
	TotalRecords int     `json:"total_records"`
}

// Config tunes the adaptive scan.
type Config struct {
	// TargetPerChunk is the record count each partition aims for.
	TargetPerChunk int
	// Below DenseZoneThreshold the axis is walked with the fixed
	// DenseZoneStep; the low end is dense and fine uniform steps beat
	// adaptive probing there.
	DenseZoneThreshold float64
	DenseZoneStep      float64
	// InitialStep seeds the adaptive step above the threshold.
	InitialStep float64
	// MaxPrice bounds the scanned axis [0, MaxPrice).
	MaxPrice float64
	// MaxScanWorkers parallelizes the scan over disjoint segments.
	MaxScanWorkers int
	// MaxRefines bounds count probes per partition.
	MaxRefines int
	// MaxRecords, when > 0, truncates the result once the accumulated
	// count reaches it.
	MaxRecords int
}

func (c Config) withDefaults() Config {
	if c.TargetPerChunk <= 0 {
		c.TargetPerChunk = 500
	}
	if c.DenseZoneThreshold < 0 {
		c.DenseZoneThreshold = 0
	}
	if c.DenseZoneStep <= 0 {
		c.DenseZoneStep = 100
	}
	if c.InitialStep <= 0 {
		c.InitialStep = 500
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = 1000000
	}
	if c.MaxScanWorkers <= 0 {
		c.MaxScanWorkers = 1
	}
	if c.MaxRefines <= 0 {
		c.MaxRefines = 6
	}
	return c
}

// Scan walks the price axis left to right and returns ordered
// partitions tiling [0, MaxPrice) with no overlaps. The scan is split
// across MaxScanWorkers disjoint segments; results are concatenated in
// axis order.
func Scan(ctx context.Context, count CountFunc, cfg Config) ([]Partition, error) {
	cfg = cfg.withDefaults()

	segments := splitSegments(cfg)
	results := make([][]Partition, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxScanWorkers)
	for i, seg := range segments {
		g.Go(func() error {
			parts, err := scanSegment(gctx, count, cfg, seg[0], seg[1])
			if err != nil {
				return err
			}
			results[i] = parts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Partition
	accumulated := 0
	for _, parts := range results {
		for _, p := range parts {
			if cfg.MaxRecords > 0 && accumulated >= cfg.MaxRecords {
				return out, nil
			}
			p.ID = len(out)
			out = append(out, p)
			accumulated += p.TotalRecords
		}
	}
	return out, nil
}

// splitSegments tiles [0, MaxPrice) into contiguous scan segments.
// The dense zone stays in the first segment; the sparse remainder is
// split evenly across the remaining workers.
func splitSegments(cfg Config) [][2]float64 {
	if cfg.MaxScanWorkers == 1 || cfg.DenseZoneThreshold >= cfg.MaxPrice {
		return [][2]float64{{0, cfg.MaxPrice}}
	}

	segments := [][2]float64{{0, cfg.DenseZoneThreshold}}
	sparse := cfg.MaxPrice - cfg.DenseZoneThreshold
	n := cfg.MaxScanWorkers - 1
	span := sparse / float64(n)
	lo := cfg.DenseZoneThreshold
	for i := 0; i < n; i++ {
		hi := lo + span
		if i == n-1 {
			hi = cfg.MaxPrice
		}
		segments = append(segments, [2]float64{lo, hi})
		lo = hi
	}
	return segments
}

// scanSegment walks one segment [lo, hi) adaptively.
func scanSegment(ctx context.Context, count CountFunc, cfg Config, lo, hi float64) ([]Partition, error) {
	var out []Partition
	cursor := lo
	step := cfg.InitialStep
	target := float64(cfg.TargetPerChunk)

	for cursor < hi {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var upper float64
		var c int

		if cursor < cfg.DenseZoneThreshold {
			// Dense zone: fixed fine stepping, no refinement.
			upper = cursor + cfg.DenseZoneStep
			if upper > hi {
				upper = hi
			}
			n, err := count(ctx, cursor, upper)
			if err != nil {
				return nil, fmt.Errorf("count [%g, %g): %w", cursor, upper, err)
			}
			c = n
		} else {
			var err error
			upper, c, step, err = refineStep(ctx, count, cfg, cursor, hi, step, target)
			if err != nil {
				return nil, err
			}
		}

		out = append(out, Partition{
			MinPrice:     cursor,
			MaxPrice:     upper,
			TotalRecords: c,
		})
		cursor = upper
	}
	return out, nil
}

// refineStep probes (cursor, cursor+step) and halves or doubles the
// step until the count lands near the target, bounded by MaxRefines.
// Returns the accepted upper bound, its count, and the step estimate
// to carry into the next partition.
func refineStep(ctx context.Context, count CountFunc, cfg Config, cursor, hi, step, target float64) (float64, int, float64, error) {
	for refine := 0; ; refine++ {
		upper := cursor + step
		if upper > hi {
			upper = hi
		}
		c, err := count(ctx, cursor, upper)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("count [%g, %g): %w", cursor, upper, err)
		}

		if refine >= cfg.MaxRefines {
			if float64(c) > 2*target {
				log.Printf("[heatmap] partition [%g, %g) holds %d records after %d refinements (target %g); emitting oversized partition",
					cursor, upper, c, refine, target)
			}
			return upper, c, step, nil
		}

		if float64(c) > 1.5*target && step > 1 {
			step /= 2
			continue
		}
		if float64(c) < 0.5*target && upper < hi {
			step *= 2
			if step > hi-cursor {
				step = hi - cursor
			}
			continue
		}
		return upper, c, step, nil
	}
}

// DropEmpty removes zero-record partitions, renumbering the rest.
func DropEmpty(parts []Partition) []Partition {
	out := parts[:0]
	for _, p := range parts {
		if p.TotalRecords > 0 {
			p.ID = len(out)
			out = append(out, p)
		}
	}
	return out
}

// MergeToFit merges contiguous partitions until at most maxWorkers
// remain and every partition (when more than one exists) carries at
// least minRecords. Merging always joins the smallest partition with
// its smaller neighbour, so sizes stay balanced.
func MergeToFit(parts []Partition, maxWorkers, minRecords int) []Partition {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	merged := append([]Partition(nil), parts...)

	needsMerge := func() bool {
		if len(merged) <= 1 {
			return false
		}
		if len(merged) > maxWorkers {
			return true
		}
		if minRecords > 0 {
			for _, p := range merged {
				if p.TotalRecords < minRecords {
					return true
				}
			}
		}
		return false
	}

	for needsMerge() {
		// Find the smallest partition.
		smallest := 0
		for i, p := range merged {
			if p.TotalRecords < merged[smallest].TotalRecords {
				smallest = i
			}
		}
		// Join it with its smaller neighbour. Neighbours are adjacent
		// on the price axis, so the union stays contiguous.
		var into int
		switch {
		case smallest == 0:
			into = 1
		case smallest == len(merged)-1:
			into = smallest - 1
		case merged[smallest-1].TotalRecords <= merged[smallest+1].TotalRecords:
			into = smallest - 1
		default:
			into = smallest + 1
		}
		lo, hi := smallest, into
		if lo > hi {
			lo, hi = hi, lo
		}
		merged[lo] = Partition{
			MinPrice:     merged[lo].MinPrice,
			MaxPrice:     merged[hi].MaxPrice,
			TotalRecords: merged[lo].TotalRecords + merged[hi].TotalRecords,
		}
		merged = append(merged[:hi], merged[hi+1:]...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].MinPrice < merged[j].MinPrice })
	for i := range merged {
		merged[i].ID = i
	}
	return merged
}

// Total sums the record counts of all partitions.
func Total(parts []Partition) int {
	n := 0
	for _, p := range parts {
		n += p.TotalRecords
	}
	return n
}

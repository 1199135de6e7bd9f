package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gemscan/internal/models"
)

// Demo is a self-contained feed backed by a deterministic generator.
// Stone i is a pure function of (seed, i), so every replica and every
// test sees byte-identical data for the same seed. Search order is
// created-at ascending, which equals generation order.
type Demo struct {
	name   string
	seed   int64
	stones []demoStone

	// prices of all stones, ascending, for O(log n) range counts when
	// the updated window does not restrict the set.
	pricesSorted []float64
	minUpdated   time.Time
	maxUpdated   time.Time
}

type demoStone struct {
	SupplierStoneID string    `json:"supplier_stone_id"`
	OfferID         string    `json:"offer_id"`
	Shape           string    `json:"shape"`
	Carat           float64   `json:"carat"`
	Color           string    `json:"color"`
	Clarity         string    `json:"clarity"`
	Cut             string    `json:"cut"`
	Polish          string    `json:"polish"`
	Symmetry        string    `json:"symmetry"`
	Fluorescence    string    `json:"fluorescence"`
	Lab             string    `json:"lab"`
	Certificate     string    `json:"certificate"`
	PriceUSD        float64   `json:"price_usd"`
	Availability    string    `json:"availability"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

var (
	demoShapes    = []string{"ROUND", "PRINCESS", "CUSHION", "OVAL", "EMERALD", "PEAR", "MARQUISE", "RADIANT", "ASSCHER", "HEART"}
	demoColors    = []string{"D", "E", "F", "G", "H", "I", "J", "K"}
	demoClarities = []string{"FL", "IF", "VVS1", "VVS2", "VS1", "VS2", "SI1", "SI2"}
	demoGrades    = []string{"EXCELLENT", "VERY_GOOD", "GOOD", "FAIR"}
	demoFluor     = []string{"NONE", "FAINT", "MEDIUM", "STRONG"}
	demoLabs      = []string{"GIA", "IGI", "HRD"}
)

// demoEpoch anchors generated timestamps so incremental windows are
// reproducible across process restarts.
var demoEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewDemo generates count stones from the seed. Prices land in
// [800, 90000) with a heavy skew toward the low end, mirroring real
// inventory shape so the heatmap's dense zone earns its keep.
func NewDemo(name string, seed int64, count int) *Demo {
	d := &Demo{name: name, seed: seed}
	d.stones = make([]demoStone, count)
	d.pricesSorted = make([]float64, count)

	for i := 0; i < count; i++ {
		s := generateStone(seed, i)
		d.stones[i] = s
		d.pricesSorted[i] = s.PriceUSD
		if i == 0 || s.UpdatedAt.Before(d.minUpdated) {
			d.minUpdated = s.UpdatedAt
		}
		if i == 0 || s.UpdatedAt.After(d.maxUpdated) {
			d.maxUpdated = s.UpdatedAt
		}
	}
	sort.Float64s(d.pricesSorted)
	return d
}

// generateStone derives stone i from its own PRNG stream so the value
// never depends on how many draws earlier stones consumed.
func generateStone(seed int64, i int) demoStone {
	rng := rand.New(rand.NewSource(seed ^ int64(uint64(i+1)*0x9E3779B97F4A7C15)))

	// Cubing the uniform draw piles most stones into the low hundreds
	// to low thousands, thinning out toward the 90k ceiling.
	u := rng.Float64()
	price := 800 + (90000-800)*u*u*u
	price = math.Round(price*100) / 100

	carat := 0.3 + rng.Float64()*4.7
	carat = math.Round(carat*100) / 100

	created := demoEpoch.Add(time.Duration(i) * time.Second)
	// Updates trail creation by up to 90 days.
	updated := created.Add(time.Duration(rng.Intn(90*24*3600)) * time.Second)

	availability := "AVAILABLE"
	if rng.Float64() < 0.05 {
		availability = "ON_HOLD"
	}

	return demoStone{
		SupplierStoneID: fmt.Sprintf("DEMO-%08d", i),
		OfferID:         fmt.Sprintf("OFFER-%08d", i),
		Shape:           demoShapes[rng.Intn(len(demoShapes))],
		Carat:           carat,
		Color:           demoColors[rng.Intn(len(demoColors))],
		Clarity:         demoClarities[rng.Intn(len(demoClarities))],
		Cut:             demoGrades[rng.Intn(len(demoGrades))],
		Polish:          demoGrades[rng.Intn(len(demoGrades))],
		Symmetry:        demoGrades[rng.Intn(len(demoGrades))],
		Fluorescence:    demoFluor[rng.Intn(len(demoFluor))],
		Lab:             demoLabs[rng.Intn(len(demoLabs))],
		Certificate:     fmt.Sprintf("CERT%010d", i),
		PriceUSD:        price,
		Availability:    availability,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
}

func (d *Demo) Name() string     { return d.name }
func (d *Demo) MaxPageSize() int { return 50 }

func (d *Demo) BuildBaseQuery(updatedFrom, updatedTo time.Time) Query {
	return Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}
}

func (d *Demo) matches(s *demoStone, q Query) bool {
	if s.PriceUSD < q.MinPrice {
		return false
	}
	if q.MaxPrice > 0 && s.PriceUSD >= q.MaxPrice {
		return false
	}
	if !q.UpdatedFrom.IsZero() && s.UpdatedAt.Before(q.UpdatedFrom) {
		return false
	}
	if !q.UpdatedTo.IsZero() && s.UpdatedAt.After(q.UpdatedTo) {
		return false
	}
	return true
}

// windowCoversAll reports whether the query's updated window contains
// every generated stone, letting Count fall back to the sorted-price
// index. The heatmap hammers Count, so this matters for full runs.
func (d *Demo) windowCoversAll(q Query) bool {
	if !q.UpdatedFrom.IsZero() && q.UpdatedFrom.After(d.minUpdated) {
		return false
	}
	if !q.UpdatedTo.IsZero() && q.UpdatedTo.Before(d.maxUpdated) {
		return false
	}
	return true
}

func (d *Demo) Count(ctx context.Context, q Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if d.windowCoversAll(q) {
		lo := sort.SearchFloat64s(d.pricesSorted, q.MinPrice)
		hi := len(d.pricesSorted)
		if q.MaxPrice > 0 {
			hi = sort.SearchFloat64s(d.pricesSorted, q.MaxPrice)
		}
		return hi - lo, nil
	}
	n := 0
	for i := range d.stones {
		if d.matches(&d.stones[i], q) {
			n++
		}
	}
	return n, nil
}

func (d *Demo) Search(ctx context.Context, q Query, offset, limit int) (SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return SearchResult{}, err
	}
	if limit > d.MaxPageSize() {
		limit = d.MaxPageSize()
	}
	if limit <= 0 {
		limit = d.MaxPageSize()
	}

	var items []json.RawMessage
	total := 0
	for i := range d.stones {
		if !d.matches(&d.stones[i], q) {
			continue
		}
		if total >= offset && len(items) < limit {
			b, err := json.Marshal(d.stones[i])
			if err != nil {
				return SearchResult{}, fmt.Errorf("marshal demo stone: %w", err)
			}
			items = append(items, b)
		}
		total++
	}
	return SearchResult{Items: items, TotalCount: total}, nil
}

func (d *Demo) ExtractIdentity(item json.RawMessage) (Identity, error) {
	var s demoStone
	if err := json.Unmarshal(item, &s); err != nil {
		return Identity{}, fmt.Errorf("decode demo item: %w", err)
	}
	if s.SupplierStoneID == "" {
		return Identity{}, fmt.Errorf("demo item missing supplier_stone_id")
	}
	updated := s.UpdatedAt
	return Identity{
		SupplierStoneID: s.SupplierStoneID,
		OfferID:         s.OfferID,
		Payload:         item,
		SourceUpdatedAt: &updated,
	}, nil
}

func (d *Demo) MapRawToCanonical(payload json.RawMessage) (models.Diamond, error) {
	var s demoStone
	if err := json.Unmarshal(payload, &s); err != nil {
		return models.Diamond{}, fmt.Errorf("decode demo payload: %w", err)
	}
	updated := s.UpdatedAt
	return models.Diamond{
		Feed:              d.name,
		SupplierStoneID:   s.SupplierStoneID,
		OfferID:           s.OfferID,
		Shape:             s.Shape,
		Carat:             s.Carat,
		Color:             s.Color,
		Clarity:           s.Clarity,
		Cut:               s.Cut,
		Polish:            s.Polish,
		Symmetry:          s.Symmetry,
		Fluorescence:      s.Fluorescence,
		Lab:               s.Lab,
		CertificateNumber: s.Certificate,
		PriceUSD:          s.PriceUSD,
		Availability:      s.Availability,
		Status:            models.DiamondActive,
		SourceUpdatedAt:   &updated,
	}, nil
}

package feeds

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDemoDeterministic(t *testing.T) {
	a := NewDemo("demo", 42, 200)
	b := NewDemo("demo", 42, 200)

	resA, err := a.Search(context.Background(), Query{}, 0, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	resB, err := b.Search(context.Background(), Query{}, 0, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resA.Items) != len(resB.Items) {
		t.Fatalf("page sizes differ: %d vs %d", len(resA.Items), len(resB.Items))
	}
	for i := range resA.Items {
		if string(resA.Items[i]) != string(resB.Items[i]) {
			t.Fatalf("item %d differs across identical seeds", i)
		}
	}
}

func TestDemoStoneIndependentOfDatasetSize(t *testing.T) {
	// Stone i draws from its own PRNG stream, so it must not change
	// when the dataset grows.
	small := NewDemo("demo", 42, 10)
	large := NewDemo("demo", 42, 1000)
	for i := range small.stones {
		a, _ := json.Marshal(small.stones[i])
		b, _ := json.Marshal(large.stones[i])
		if string(a) != string(b) {
			t.Fatalf("stone %d depends on dataset size", i)
		}
	}
	// Adjacent streams diverge; the index actually perturbs the seed.
	if large.stones[0].PriceUSD == large.stones[1].PriceUSD &&
		large.stones[0].Carat == large.stones[1].Carat {
		t.Fatal("adjacent stones share a PRNG stream")
	}
}

func TestDemoSeedChangesData(t *testing.T) {
	a := NewDemo("demo", 42, 50)
	b := NewDemo("demo", 43, 50)
	resA, _ := a.Search(context.Background(), Query{}, 0, 1)
	resB, _ := b.Search(context.Background(), Query{}, 0, 1)
	if string(resA.Items[0]) == string(resB.Items[0]) {
		t.Fatal("different seeds produced identical stones")
	}
}

func TestDemoPriceBounds(t *testing.T) {
	d := NewDemo("demo", 42, 5000)
	for _, p := range d.pricesSorted {
		if p < 800 || p >= 90000 {
			t.Fatalf("price %g out of [800, 90000)", p)
		}
	}
}

func TestDemoCountMatchesSearchTotal(t *testing.T) {
	d := NewDemo("demo", 42, 1000)
	q := Query{MinPrice: 1000, MaxPrice: 5000}

	n, err := d.Count(context.Background(), q)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	res, err := d.Search(context.Background(), q, 0, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.TotalCount != n {
		t.Fatalf("count %d != search total %d", n, res.TotalCount)
	}
}

func TestDemoCountHalfOpenRange(t *testing.T) {
	d := NewDemo("demo", 42, 1000)
	ctx := context.Background()

	all, _ := d.Count(ctx, Query{})
	low, _ := d.Count(ctx, Query{MinPrice: 0, MaxPrice: 10000})
	high, _ := d.Count(ctx, Query{MinPrice: 10000})
	if low+high != all {
		t.Fatalf("ranges [0,10000) + [10000,∞) = %d, want %d", low+high, all)
	}
}

func TestDemoPaginationStable(t *testing.T) {
	d := NewDemo("demo", 42, 300)
	ctx := context.Background()

	var first []json.RawMessage
	for offset := 0; ; {
		res, err := d.Search(ctx, Query{}, offset, 50)
		if err != nil {
			t.Fatalf("search at %d: %v", offset, err)
		}
		if len(res.Items) == 0 {
			break
		}
		first = append(first, res.Items...)
		offset += len(res.Items)
	}
	if len(first) != 300 {
		t.Fatalf("paged through %d items, want 300", len(first))
	}

	// The same offset returns the same page on every call.
	res, _ := d.Search(ctx, Query{}, 100, 50)
	for i, item := range res.Items {
		if string(item) != string(first[100+i]) {
			t.Fatalf("item at offset %d differs across reads", 100+i)
		}
	}
}

func TestDemoExtractIdentity(t *testing.T) {
	d := NewDemo("demo", 42, 10)
	res, _ := d.Search(context.Background(), Query{}, 0, 1)

	id, err := d.ExtractIdentity(res.Items[0])
	if err != nil {
		t.Fatalf("extract identity: %v", err)
	}
	if id.SupplierStoneID != "DEMO-00000000" {
		t.Fatalf("supplier stone id %q, want DEMO-00000000", id.SupplierStoneID)
	}
	if id.OfferID == "" || id.SourceUpdatedAt == nil || len(id.Payload) == 0 {
		t.Fatalf("incomplete identity: %+v", id)
	}

	if _, err := d.ExtractIdentity(json.RawMessage(`{"offer_id":"x"}`)); err == nil {
		t.Fatal("expected error for item without supplier_stone_id")
	}
}

func TestDemoMapRawToCanonical(t *testing.T) {
	d := NewDemo("demo", 42, 10)
	res, _ := d.Search(context.Background(), Query{}, 0, 1)

	dm, err := d.MapRawToCanonical(res.Items[0])
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if dm.SupplierStoneID != "DEMO-00000000" || dm.PriceUSD < 800 || dm.Carat <= 0 {
		t.Fatalf("bad canonical mapping: %+v", dm)
	}
	if dm.Shape == "" || dm.Color == "" || dm.Clarity == "" {
		t.Fatalf("descriptive fields missing: %+v", dm)
	}
}

func TestDemoUpdatedWindowFilters(t *testing.T) {
	d := NewDemo("demo", 42, 500)
	ctx := context.Background()

	all, _ := d.Count(ctx, Query{})
	none, _ := d.Count(ctx, Query{
		UpdatedFrom: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedTo:   time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if all != 500 {
		t.Fatalf("unbounded count %d, want 500", all)
	}
	if none != 0 {
		t.Fatalf("future window count %d, want 0", none)
	}
}

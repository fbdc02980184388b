package gacha

import (
	"context"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
)

type fakeCatalog struct {
	items []ItemCatalogEntry
	held  map[string]uint32
}

func (f fakeCatalog) CatalogByTier(_ context.Context, tier Tier) ([]ItemCatalogEntry, error) {
	var out []ItemCatalogEntry
	for _, it := range f.items {
		if it.Tier == tier {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f fakeCatalog) Holdings(context.Context, string) (map[string]uint32, error) {
	return f.held, nil
}

func TestSelectExcludesSoldOut(t *testing.T) {
	ctx := context.Background()
	cat := fakeCatalog{items: []ItemCatalogEntry{
		{ItemID: "a", Tier: Rare, MaxOwners: u32(1), CurrentOwners: 1},
		{ItemID: "b", Tier: Rare, MaxOwners: u32(5), CurrentOwners: 2},
		{ItemID: "c", Tier: Common},
	}}
	s := NewSelector(NewSeededRNG(5))
	for i := 0; i < 200; i++ {
		it, err := s.Select(ctx, cat, "u", Rare, SelectOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if it.ItemID != "b" {
			t.Fatalf("draw %d picked %q", i, it.ItemID)
		}
	}

	it, err := s.Select(ctx, cat, "u", Rare, SelectOptions{IncludeSoldOut: true, Exclude: map[string]bool{"b": true}})
	if err != nil || it.ItemID != "a" {
		t.Fatalf("include sold out: got %q err=%v", it.ItemID, err)
	}
}

func TestSelectSupplyExhausted(t *testing.T) {
	cat := fakeCatalog{items: []ItemCatalogEntry{
		{ItemID: "a", Tier: Epic, MaxOwners: u32(1), CurrentOwners: 1},
		{ItemID: "b", Tier: Epic, MaxOwners: u32(0)},
	}}
	_, err := NewSelector(nil).Select(context.Background(), cat, "u", Epic, SelectOptions{})
	if !errors.Is(err, ErrSupplyExhausted) {
		t.Fatalf("expected ErrSupplyExhausted, got %v", err)
	}
	_, err = NewSelector(nil).Select(context.Background(), cat, "u", Legendary, SelectOptions{})
	if !errors.Is(err, ErrSupplyExhausted) {
		t.Fatalf("empty tier: expected ErrSupplyExhausted, got %v", err)
	}
}

func TestSelectWeightOverride(t *testing.T) {
	ctx := context.Background()
	cat := fakeCatalog{items: []ItemCatalogEntry{
		{ItemID: "plain", Tier: Common},
		{ItemID: "heavy", Tier: Common, Weight: 3},
	}}
	s := NewSelector(NewSeededRNG(9))
	const n = 40000
	heavy := 0
	for i := 0; i < n; i++ {
		it, err := s.Select(ctx, cat, "u", Common, SelectOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if it.ItemID == "heavy" {
			heavy++
		}
	}
	if freq := float64(heavy) / n; freq < 0.73 || freq > 0.77 {
		t.Fatalf("heavy freq=%f want ~0.75", freq)
	}
}

func TestSelectDuplicatePenalty(t *testing.T) {
	ctx := context.Background()
	cat := fakeCatalog{
		items: []ItemCatalogEntry{{ItemID: "owned", Tier: Rare}, {ItemID: "new", Tier: Rare}},
		held:  map[string]uint32{"owned": 2},
	}
	s := NewSelector(NewSeededRNG(13), WithDuplicatePenalty(0.25))
	const n = 40000
	fresh := 0
	for i := 0; i < n; i++ {
		it, err := s.Select(ctx, cat, "u", Rare, SelectOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if it.ItemID == "new" {
			fresh++
		}
	}
	// weights 1 vs 0.25 => 0.8
	if freq := float64(fresh) / n; freq < 0.78 || freq > 0.82 {
		t.Fatalf("fresh freq=%f want ~0.8", freq)
	}
}

func TestSelectRejectsOverflowingWeights(t *testing.T) {
	cat := fakeCatalog{items: []ItemCatalogEntry{
		{ItemID: "a", Tier: Legendary, Weight: math.MaxFloat64},
		{ItemID: "b", Tier: Legendary, Weight: math.MaxFloat64},
	}}
	_, err := NewSelector(NewSeededRNG(1)).Select(context.Background(), cat, "u", Legendary, SelectOptions{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

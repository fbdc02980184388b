package pricing

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/token"
)

var banner = token.Price{Currency: "gems", PerPack: 160, PerBundle: 1600, BundleSize: 11}

func TestMinCostPrefersBundleAtEqualCost(t *testing.T) {
	p, err := MinCostAtLeast(banner, 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalCost != 1600 || p.TotalPulls != 11 {
		t.Fatalf("got %+v", p)
	}
	if len(p.Purchases) != 1 || p.Purchases[0].Offer != "bundle" || p.Purchases[0].Qty != 1 {
		t.Fatalf("purchases %+v", p.Purchases)
	}
}

func TestMinCostMixesOffers(t *testing.T) {
	p, err := MinCostAtLeast(banner, 13)
	if err != nil {
		t.Fatal(err)
	}
	// one bundle plus two singles beats two bundles
	if p.TotalCost != 1920 || p.TotalPulls != 13 {
		t.Fatalf("got %+v", p)
	}
	var sum uint64
	for _, pu := range p.Purchases {
		sum += pu.Subtotal
	}
	if sum != p.TotalCost {
		t.Fatalf("subtotals %d != total %d", sum, p.TotalCost)
	}
	// every line bills the same as opening that many pulls at once
	for _, pu := range p.Purchases {
		c, err := banner.Total(pu.Pulls)
		if err != nil {
			t.Fatal(err)
		}
		if c*uint64(pu.Qty) != pu.Subtotal {
			t.Fatalf("line %+v disagrees with Price.Total=%d", pu, c)
		}
	}
}

func TestMinCostEdges(t *testing.T) {
	if p, err := MinCostAtLeast(banner, 0); err != nil || p.TotalPulls != 0 {
		t.Fatalf("zero target: %+v %v", p, err)
	}
	if _, err := MinCostAtLeast(banner, MaxPlanPulls+1); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := MinCostAtLeast(token.Price{}, 3); !errors.Is(err, ErrNoOffers) {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}
	// bundle-only pricing overshoots
	p, err := MinCostAtLeast(token.Price{PerBundle: 500, BundleSize: 5}, 7)
	if err != nil || p.TotalPulls != 10 || p.TotalCost != 1000 {
		t.Fatalf("bundle only: %+v %v", p, err)
	}
}

func TestMaxPullsUnderBudget(t *testing.T) {
	cases := []struct {
		budget    uint64
		wantPulls uint32
		wantCost  uint64
	}{
		{0, 0, 0},
		{159, 0, 0},
		{160, 1, 160},
		{1599, 9, 1440},
		{1600, 11, 1600},
		{3000, 19, 2880},
	}
	for _, tc := range cases {
		p, err := MaxPullsUnderBudget(banner, tc.budget)
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalPulls != tc.wantPulls || p.TotalCost != tc.wantCost {
			t.Fatalf("budget %d: got %d pulls for %d, want %d for %d",
				tc.budget, p.TotalPulls, p.TotalCost, tc.wantPulls, tc.wantCost)
		}
	}
	if _, err := MaxPullsUnderBudget(token.Price{PerPack: 1}, 1<<40); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

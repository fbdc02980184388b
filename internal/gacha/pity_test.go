package gacha

import (
	"context"
	"math"
	"testing"

	"github.com/xtding233/gacha-economy/internal/token"
)

func TestClassify(t *testing.T) {
	rule := RarityWeight{Tier: Rare, BaseWeight: 1, PityThreshold: 10, Bonus: &BonusConfig{StartAt: 5, MaxMultiplier: 4}}
	cases := []struct {
		count uint32
		want  PityState
	}{
		{0, Normal},
		{4, Normal},
		{5, BonusActive},
		{8, BonusActive},
		{9, Guaranteed},
		{12, Guaranteed},
	}
	for _, tc := range cases {
		if got := Classify(tc.count, rule); got != tc.want {
			t.Fatalf("count=%d: got %s want %s", tc.count, got, tc.want)
		}
	}
	if got := Classify(100, RarityWeight{Tier: Common, BaseWeight: 1}); got != Normal {
		t.Fatalf("untracked tier must stay NORMAL, got %s", got)
	}
}

func TestBonusMultiplierRamp(t *testing.T) {
	rule := RarityWeight{Tier: Rare, BaseWeight: 1, PityThreshold: 10, Bonus: &BonusConfig{StartAt: 4, MaxMultiplier: 6}}
	if m := BonusMultiplier(3, rule); m != 1 {
		t.Fatalf("before ramp: %v", m)
	}
	if m := BonusMultiplier(4, rule); m != 1 {
		t.Fatalf("ramp start must be 1x, got %v", m)
	}
	prev := 1.0
	for c := uint32(5); c < 8; c++ {
		m := BonusMultiplier(c, rule)
		if m <= prev || m > 6 {
			t.Fatalf("count=%d: multiplier %v not increasing within cap", c, m)
		}
		prev = m
	}
	// linear: count 6 is halfway from 4 to 8
	if m := BonusMultiplier(6, rule); math.Abs(m-3.5) > 1e-12 {
		t.Fatalf("linear midpoint: got %v want 3.5", m)
	}
	if m := BonusMultiplier(9, rule); m != 1 {
		t.Fatalf("guaranteed state carries no bonus, got %v", m)
	}
	for _, e := range []Easing{EaseOutQuad, EaseInOutCubic} {
		eased := rule
		eased.Bonus = &BonusConfig{StartAt: 4, MaxMultiplier: 6, Easing: e}
		if m := BonusMultiplier(7, eased); m <= 1 || m > 6 {
			t.Fatalf("%s: multiplier %v out of range", e, m)
		}
	}
}

func TestBonusPeaksOnLastUnforcedPull(t *testing.T) {
	for _, e := range []Easing{EaseLinear, EaseOutQuad, EaseInOutCubic} {
		rule := RarityWeight{Tier: Rare, BaseWeight: 1, PityThreshold: 10, Bonus: &BonusConfig{StartAt: 4, MaxMultiplier: 6, Easing: e}}
		if got := Classify(8, rule); got != BonusActive {
			t.Fatalf("count 8 should still be %s, got %s", BonusActive, got)
		}
		if m := BonusMultiplier(8, rule); m != 6 {
			t.Fatalf("%s: count 8 multiplier %v, want the full 6", e, m)
		}
	}
	// a ramp one count long is all peak
	short := RarityWeight{Tier: Rare, BaseWeight: 1, PityThreshold: 10, Bonus: &BonusConfig{StartAt: 8, MaxMultiplier: 3}}
	if m := BonusMultiplier(8, short); m != 3 {
		t.Fatalf("single-step ramp: got %v want 3", m)
	}
}

func TestPityTrackerRecordPull(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker()
	rule := RarityWeight{Tier: Rare, BaseWeight: 0.1, PityThreshold: 3}

	c, err := tracker.CurrentState(ctx, "u1", "standard", Rare)
	if err != nil {
		t.Fatal(err)
	}
	if c.CurrentCount != 0 || c.GuaranteedNext || c.UserID != "u1" {
		t.Fatalf("zero state expected, got %+v", c)
	}

	for i := 0; i < 2; i++ {
		if err := tracker.RecordPull(ctx, "u1", "standard", rule, false); err != nil {
			t.Fatal(err)
		}
	}
	c, _ = tracker.CurrentState(ctx, "u1", "standard", Rare)
	if c.CurrentCount != 2 || !c.GuaranteedNext {
		t.Fatalf("after 2 misses with T=3: %+v", c)
	}

	if err := tracker.RecordPull(ctx, "u1", "standard", rule, true); err != nil {
		t.Fatal(err)
	}
	c, _ = tracker.CurrentState(ctx, "u1", "standard", Rare)
	if c.CurrentCount != 0 || c.GuaranteedNext {
		t.Fatalf("award must reset the counter: %+v", c)
	}

	// untracked tiers are never written
	if err := tracker.RecordPull(ctx, "u1", "standard", RarityWeight{Tier: Common, BaseWeight: 1}, false); err != nil {
		t.Fatal(err)
	}
	if c, _ := tracker.CurrentState(ctx, "u1", "standard", Common); c.CurrentCount != 0 {
		t.Fatalf("untracked tier counted: %+v", c)
	}
}

func TestPityScenarioForcesRare(t *testing.T) {
	ctx := context.Background()
	tbl := mustTable(t, scenarioPack())

	// regardless of the random draw
	for _, u := range []float64{0, 0.5, 0.999999} {
		tracker, store := newTracker()
		store.SavePity(ctx, PityCounter{UserID: "u1", Pool: "standard", Tier: Rare, CurrentCount: 9, GuaranteedNext: true})
		r := NewResolver(StaticTable{tbl}, &seqRNG{vals: []float64{u}})

		tier, err := r.Resolve(ctx, tracker, "u1", "standard")
		if err != nil {
			t.Fatal(err)
		}
		if tier != Rare {
			t.Fatalf("u=%v: got %s want rare", u, tier)
		}
		c, _ := tracker.CurrentState(ctx, "u1", "standard", Rare)
		if c.CurrentCount != 0 || c.GuaranteedNext {
			t.Fatalf("counter must reset after guarantee: %+v", c)
		}
	}
}

func TestPityBoundOverLongRun(t *testing.T) {
	ctx := context.Background()
	const threshold = 10
	tbl := mustTable(t, PackType{
		Name:  "stingy",
		Price: token.Price{PerPack: 1},
		Weights: []RarityWeight{
			{Tier: Common, BaseWeight: 0.999},
			{Tier: Rare, BaseWeight: 0.001, PityThreshold: threshold},
		},
	})
	tracker, _ := newTracker()
	r := NewResolver(StaticTable{tbl}, NewSeededRNG(3))

	misses := 0
	for i := 0; i < 5000; i++ {
		tier, err := r.Resolve(ctx, tracker, "u1", "stingy")
		if err != nil {
			t.Fatal(err)
		}
		c, _ := tracker.CurrentState(ctx, "u1", "stingy", Rare)
		if tier == Rare {
			if c.CurrentCount != 0 {
				t.Fatalf("pull %d: counter %d after award", i, c.CurrentCount)
			}
			misses = 0
			continue
		}
		misses++
		if misses >= threshold {
			t.Fatalf("pull %d: %d consecutive misses with threshold %d", i, misses, threshold)
		}
		if c.CurrentCount != uint32(misses) {
			t.Fatalf("pull %d: counter %d, misses %d", i, c.CurrentCount, misses)
		}
	}
}

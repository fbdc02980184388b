package gacha

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
)

// TableSource yields the table currently being served. Hot reload swaps it.
type TableSource interface {
	Table() *RarityTable
}

// StaticTable serves a fixed table.
type StaticTable struct{ T *RarityTable }

func (s StaticTable) Table() *RarityTable { return s.T }

// TierSet is a set of tiers excluded from a plan.
type TierSet map[Tier]bool

// Resolver decides the tier of each pull from weights and pity state.
type Resolver struct {
	tables TableSource
	rng    RandomSource
}

// NewResolver creates a resolver. A nil rng falls back to DefaultRNG.
func NewResolver(tables TableSource, rng RandomSource) *Resolver {
	if rng == nil {
		rng = DefaultRNG()
	}
	return &Resolver{tables: tables, rng: rng}
}

// Pack looks a pack type up in the current table. Callers resolving several
// pulls should fetch it once so a reload cannot change rules mid-pack.
func (r *Resolver) Pack(packType string) (PackType, error) {
	return r.tables.Table().Pack(packType)
}

// Resolve plans one pull and records its outcome against pity.
func (r *Resolver) Resolve(ctx context.Context, pity *PityTracker, userID, packType string) (Tier, error) {
	pack, err := r.Pack(packType)
	if err != nil {
		return 0, err
	}
	tier, err := r.Plan(ctx, pity, userID, pack, nil)
	if err != nil {
		return 0, err
	}
	if err := r.Record(ctx, pity, userID, pack, tier); err != nil {
		return 0, err
	}
	return tier, nil
}

// Plan picks the tier of the next pull without touching pity.
// - any GUARANTEED tier is forced, the rarest one first
// - otherwise BONUS_ACTIVE tiers are boosted and the distribution renormalized
func (r *Resolver) Plan(ctx context.Context, pity *PityTracker, userID string, pack PackType, excluded TierSet) (Tier, error) {
	rules := make([]RarityWeight, 0, len(pack.Weights))
	for _, w := range pack.Weights {
		if !excluded[w.Tier] {
			rules = append(rules, w)
		}
	}
	if len(rules) == 0 {
		return 0, errors.Wrapf(ErrAllTiersExcluded, "pack %q", pack.Name)
	}

	counts := make([]uint32, len(rules))
	forced, haveForced := Tier(0), false
	for i, w := range rules {
		if !w.Tracked() {
			continue
		}
		c, err := pity.CurrentState(ctx, userID, pack.Pool(), w.Tier)
		if err != nil {
			return 0, err
		}
		counts[i] = c.CurrentCount
		if Classify(c.CurrentCount, w) == Guaranteed && (!haveForced || w.Tier > forced) {
			forced, haveForced = w.Tier, true
		}
	}
	if haveForced {
		return forced, nil
	}

	adjusted := make([]TierWeight, len(rules))
	for i, w := range rules {
		adjusted[i] = TierWeight{Tier: w.Tier, Weight: w.BaseWeight * BonusMultiplier(counts[i], w)}
	}
	dist, err := normalize(adjusted)
	if err != nil {
		return 0, errors.Wrapf(err, "pack %q", pack.Name)
	}
	if err := checkDistribution(dist); err != nil {
		return 0, errors.Wrapf(err, "pack %q", pack.Name)
	}

	ws := make([]float64, len(dist))
	for i, d := range dist {
		ws[i] = d.Weight
	}
	idx, err := drawIndex(ws, r.rng)
	if err != nil {
		return 0, err
	}
	return dist[idx].Tier, nil
}

// Record applies an awarded tier to every pity-tracked tier of the pack.
func (r *Resolver) Record(ctx context.Context, pity *PityTracker, userID string, pack PackType, awarded Tier) error {
	for _, w := range pack.Weights {
		if err := pity.RecordPull(ctx, userID, pack.Pool(), w, w.Tier == awarded); err != nil {
			return err
		}
	}
	return nil
}

// checkDistribution fails closed unless every weight is positive and the
// total is 1 within tolerance.
func checkDistribution(dist []TierWeight) error {
	var sum float64
	for _, d := range dist {
		if !(d.Weight > 0) || math.IsInf(d.Weight, 0) {
			return configErrorf("tier %s has weight %v after renormalization", d.Tier, d.Weight)
		}
		sum += d.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return configErrorf("renormalized weights sum to %v", sum)
	}
	return nil
}

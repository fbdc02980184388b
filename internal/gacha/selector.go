package gacha

import (
	"context"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// ItemCatalogEntry is one grantable item.
type ItemCatalogEntry struct {
	ItemID        string  `db:"item_id" json:"item_id"`
	Tier          Tier    `db:"tier" json:"tier"`
	MaxOwners     *uint32 `db:"max_owners" json:"max_owners,omitempty"` // nil = unlimited
	CurrentOwners uint32  `db:"current_owners" json:"current_owners"`
	Weight        float64 `db:"weight" json:"weight,omitempty"` // 0 = uniform
	Value         uint64  `db:"value" json:"value"`
}

// SoldOut reports whether the supply cap is reached.
func (e ItemCatalogEntry) SoldOut() bool {
	return e.MaxOwners != nil && e.CurrentOwners >= *e.MaxOwners
}

// CatalogReader is the read side the selector draws from.
type CatalogReader interface {
	CatalogByTier(ctx context.Context, tier Tier) ([]ItemCatalogEntry, error)
	Holdings(ctx context.Context, userID string) (map[string]uint32, error)
}

// SelectOptions narrows the pool of one selection.
type SelectOptions struct {
	IncludeSoldOut bool            // default excludes capped items
	Exclude        map[string]bool // item ids left out of the draw
}

// Selector picks a concrete item within a resolved tier.
type Selector struct {
	rng              RandomSource
	duplicatePenalty float64
}

type SelectorOption func(*Selector)

// WithDuplicatePenalty scales the weight of items the user already holds.
// Values outside (0,1) disable it.
func WithDuplicatePenalty(p float64) SelectorOption {
	return func(s *Selector) { s.duplicatePenalty = p }
}

func NewSelector(rng RandomSource, opts ...SelectorOption) *Selector {
	if rng == nil {
		rng = DefaultRNG()
	}
	s := &Selector{rng: rng}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Selector) dampensDuplicates() bool {
	return s.duplicatePenalty > 0 && s.duplicatePenalty < 1
}

// Select draws one item of the tier. It returns ErrSupplyExhausted when
// nothing in the tier can be granted.
func (s *Selector) Select(ctx context.Context, catalog CatalogReader, userID string, tier Tier, opts SelectOptions) (ItemCatalogEntry, error) {
	items, err := catalog.CatalogByTier(ctx, tier)
	if err != nil {
		return ItemCatalogEntry{}, errors.Wrapf(err, "read catalog for %s", tier)
	}

	pool := make([]ItemCatalogEntry, 0, len(items))
	for _, it := range items {
		if it.Tier != tier || opts.Exclude[it.ItemID] {
			continue
		}
		if it.SoldOut() && !opts.IncludeSoldOut {
			continue
		}
		pool = append(pool, it)
	}
	if len(pool) == 0 {
		return ItemCatalogEntry{}, errors.Wrapf(ErrSupplyExhausted, "tier %s", tier)
	}
	// stable order keeps seeded draws reproducible across stores
	sort.Slice(pool, func(i, j int) bool { return pool[i].ItemID < pool[j].ItemID })

	var held map[string]uint32
	if s.dampensDuplicates() {
		if held, err = catalog.Holdings(ctx, userID); err != nil {
			return ItemCatalogEntry{}, errors.Wrapf(err, "read holdings of %s", userID)
		}
	}

	ws := make([]float64, len(pool))
	var sum float64
	for i, it := range pool {
		w := 1.0
		if it.Weight > 0 {
			w = it.Weight
		}
		if held[it.ItemID] > 0 {
			w *= s.duplicatePenalty
		}
		if err := validateWeight(w); err != nil {
			return ItemCatalogEntry{}, errors.Wrapf(err, "item %q", it.ItemID)
		}
		ws[i] = w
		sum += w
	}
	if math.IsInf(sum, 0) || !(sum > 0) {
		return ItemCatalogEntry{}, configErrorf("tier %s item weights sum to %v", tier, sum)
	}
	for i := range ws {
		ws[i] /= sum
	}
	idx, err := drawIndex(ws, s.rng)
	if err != nil {
		return ItemCatalogEntry{}, err
	}
	return pool[idx], nil
}

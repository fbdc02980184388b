// Package stats builds read-only projections of a user's collection and
// pity progress.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
)

// Collection summarizes what a user owns.
type Collection struct {
	UserID          string                `json:"user_id"`
	TotalItems      uint64                `json:"total_items"`
	DistinctItems   int                   `json:"distinct_items"`
	RarityBreakdown map[gacha.Tier]uint64 `json:"rarity_breakdown"`
	TotalValue      uint64                `json:"total_value"`
}

// TierPity is the pity position of one tracked tier.
type TierPity struct {
	Tier        gacha.Tier `json:"tier"`
	Current     uint32     `json:"current"`
	Threshold   uint32     `json:"threshold"`
	Guaranteed  bool       `json:"guaranteed"`
	BonusActive bool       `json:"bonus_active"`
	Multiplier  float64    `json:"multiplier"`
}

// PoolPity groups tier pity by pity pool.
type PoolPity struct {
	Pool  string     `json:"pool"`
	Packs []string   `json:"packs"`
	Tiers []TierPity `json:"tiers"`
}

type Reporter struct {
	store   economy.ReadStore
	tables  gacha.TableSource
	cache   Cache
	log     logger.Logger
	metrics *metrics.EngineMetrics
}

type Option func(*Reporter)

func WithCache(c Cache) Option { return func(r *Reporter) { r.cache = c } }

func WithLogger(l logger.Logger) Option {
	return func(r *Reporter) { r.log = l.Named("stats") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

func NewReporter(store economy.ReadStore, tables gacha.TableSource, opts ...Option) *Reporter {
	r := &Reporter{store: store, tables: tables, cache: nopCache{}, log: logger.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CollectionProgress reports holdings totals for userID.
func (r *Reporter) CollectionProgress(ctx context.Context, userID string) (Collection, error) {
	if userID == "" {
		return Collection{}, errors.Wrap(economy.ErrInvalidRequest, "user id is required")
	}
	key := collectionKey(userID)
	var c Collection
	if r.cached(ctx, "collection", key, &c) {
		return c, nil
	}
	gen, cacheable := r.generation(ctx, userID)

	holdings, err := r.store.ListHoldings(ctx, userID)
	if err != nil {
		return Collection{}, errors.Wrapf(err, "holdings of %s", userID)
	}
	catalog, err := r.store.Catalog(ctx)
	if err != nil {
		return Collection{}, errors.Wrap(err, "catalog")
	}
	byID := make(map[string]gacha.ItemCatalogEntry, len(catalog))
	for _, it := range catalog {
		byID[it.ItemID] = it
	}

	c = Collection{UserID: userID, RarityBreakdown: make(map[gacha.Tier]uint64)}
	for _, h := range holdings {
		if h.Count == 0 {
			continue
		}
		it, ok := byID[h.ItemID]
		if !ok {
			r.log.Warn("holding references unknown item", "user", userID, "item", h.ItemID)
			continue
		}
		n := uint64(h.Count)
		c.TotalItems += n
		c.DistinctItems++
		c.RarityBreakdown[it.Tier] += n
		c.TotalValue += n * it.Value
	}
	if cacheable {
		r.remember(ctx, userID, gen, key, c)
	}
	return c, nil
}

// PityStatus reports every pity-tracked tier of every pool in the current
// table, with the state the next pull would see.
func (r *Reporter) PityStatus(ctx context.Context, userID string) ([]PoolPity, error) {
	if userID == "" {
		return nil, errors.Wrap(economy.ErrInvalidRequest, "user id is required")
	}
	key := pityKey(userID)
	var out []PoolPity
	if r.cached(ctx, "pity", key, &out) {
		return out, nil
	}
	gen, cacheable := r.generation(ctx, userID)

	counters, err := r.store.ListPity(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "pity of %s", userID)
	}
	type ck struct {
		pool string
		tier gacha.Tier
	}
	counts := make(map[ck]uint32, len(counters))
	for _, c := range counters {
		counts[ck{c.Pool, c.Tier}] = c.CurrentCount
	}

	tbl := r.tables.Table()
	pools := map[string]*PoolPity{}
	var order []string
	for _, name := range tbl.PackNames() {
		pack, err := tbl.Pack(name)
		if err != nil {
			return nil, err
		}
		if p, ok := pools[pack.Pool()]; ok {
			p.Packs = append(p.Packs, name)
			continue
		}
		p := &PoolPity{Pool: pack.Pool(), Packs: []string{name}}
		for _, w := range pack.Weights {
			if !w.Tracked() {
				continue
			}
			n := counts[ck{pack.Pool(), w.Tier}]
			st := gacha.Classify(n, w)
			p.Tiers = append(p.Tiers, TierPity{
				Tier:        w.Tier,
				Current:     n,
				Threshold:   w.PityThreshold,
				Guaranteed:  st == gacha.Guaranteed,
				BonusActive: st == gacha.BonusActive,
				Multiplier:  gacha.BonusMultiplier(n, w),
			})
		}
		sort.Slice(p.Tiers, func(i, j int) bool { return p.Tiers[i].Tier < p.Tiers[j].Tier })
		pools[pack.Pool()] = p
		order = append(order, pack.Pool())
	}
	sort.Strings(order)
	out = make([]PoolPity, 0, len(order))
	for _, pool := range order {
		out = append(out, *pools[pool])
	}
	if cacheable {
		r.remember(ctx, userID, gen, key, out)
	}
	return out, nil
}

// invalidateTimeout bounds cache invalidation, which runs detached from the
// caller's cancellation.
const invalidateTimeout = 2 * time.Second

// Invalidate drops cached projections of userID. It matches
// economy.CommitHook.
func (r *Reporter) Invalidate(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	if err := r.cache.Invalidate(ctx, userID, collectionKey(userID), pityKey(userID)); err != nil {
		r.log.Warn("cache invalidation failed", "user", userID, "error", err)
	}
}

func (r *Reporter) cached(ctx context.Context, kind, key string, dst interface{}) bool {
	hit, err := r.cache.Get(ctx, key, dst)
	if err != nil {
		r.log.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if _, nop := r.cache.(nopCache); !nop {
		r.metrics.RecordCache(kind, hit)
	}
	return hit
}

// generation must be read before the store so that a commit landing during
// the read makes the later write a no-op.
func (r *Reporter) generation(ctx context.Context, userID string) (uint64, bool) {
	gen, err := r.cache.Generation(ctx, userID)
	if err != nil {
		r.log.Warn("cache generation read failed", "user", userID, "error", err)
		return 0, false
	}
	return gen, true
}

func (r *Reporter) remember(ctx context.Context, userID string, gen uint64, key string, v interface{}) {
	if err := r.cache.SetIfGeneration(ctx, userID, gen, key, v); err != nil {
		r.log.Warn("cache write failed", "key", key, "error", err)
	}
}

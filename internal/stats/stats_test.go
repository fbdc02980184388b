package stats_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/stats"
	"github.com/xtding233/gacha-economy/internal/storage/memory"
	"github.com/xtding233/gacha-economy/internal/token"
)

func u32(v uint32) *uint32 { return &v }

func table(t *testing.T) gacha.TableSource {
	t.Helper()
	rules := []gacha.RarityWeight{
		{Tier: gacha.Common, BaseWeight: 0.85},
		{Tier: gacha.Rare, BaseWeight: 0.13, PityThreshold: 10, Bonus: &gacha.BonusConfig{StartAt: 6, MaxMultiplier: 3}},
		{Tier: gacha.Legendary, BaseWeight: 0.02, PityThreshold: 90},
	}
	tbl, err := gacha.NewRarityTable(
		gacha.PackType{Name: "standard", Price: token.Price{PerPack: 100}, Weights: rules},
		gacha.PackType{Name: "weekly", PityPool: "standard", Price: token.Price{PerPack: 80}, Weights: rules},
		gacha.PackType{Name: "starter", Price: token.Price{PerPack: 10}, Weights: []gacha.RarityWeight{{Tier: gacha.Common, BaseWeight: 1}}},
	)
	require.NoError(t, err)
	return gacha.StaticTable{T: tbl}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.UpsertCatalog(ctx, []gacha.ItemCatalogEntry{
		{ItemID: "slime", Tier: gacha.Common, Value: 1},
		{ItemID: "dragon", Tier: gacha.Rare, Value: 25, MaxOwners: u32(10)},
		{ItemID: "phoenix", Tier: gacha.Legendary, Value: 500},
	}))
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, id := range []string{"slime", "slime", "slime", "dragon"} {
		_, err := tx.GrantItem(ctx, "u1", id)
		require.NoError(t, err)
	}
	_, err = tx.LoadPity(ctx, "u1", "standard", gacha.Rare)
	require.NoError(t, err)
	require.NoError(t, tx.SavePity(ctx, gacha.PityCounter{UserID: "u1", Pool: "standard", Tier: gacha.Rare, CurrentCount: 9}))
	_, err = tx.LoadPity(ctx, "u1", "standard", gacha.Legendary)
	require.NoError(t, err)
	require.NoError(t, tx.SavePity(ctx, gacha.PityCounter{UserID: "u1", Pool: "standard", Tier: gacha.Legendary, CurrentCount: 40}))
	require.NoError(t, tx.Commit(ctx))
	return s
}

func TestCollectionProgress(t *testing.T) {
	r := stats.NewReporter(seed(t), table(t))
	c, err := r.CollectionProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.TotalItems)
	assert.Equal(t, 2, c.DistinctItems)
	assert.Equal(t, map[gacha.Tier]uint64{gacha.Common: 3, gacha.Rare: 1}, c.RarityBreakdown)
	assert.Equal(t, uint64(3*1+25), c.TotalValue)

	empty, err := r.CollectionProgress(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalItems)
}

func TestPityStatus(t *testing.T) {
	r := stats.NewReporter(seed(t), table(t))
	pools, err := r.PityStatus(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pools, 2)

	assert.Equal(t, "standard", pools[0].Pool)
	assert.Equal(t, []string{"standard", "weekly"}, pools[0].Packs)
	require.Len(t, pools[0].Tiers, 2)
	rare, leg := pools[0].Tiers[0], pools[0].Tiers[1]
	assert.Equal(t, gacha.Rare, rare.Tier)
	assert.True(t, rare.Guaranteed)
	assert.False(t, rare.BonusActive)
	assert.Equal(t, uint32(40), leg.Current)
	assert.Equal(t, uint32(90), leg.Threshold)
	assert.False(t, leg.Guaranteed)

	assert.Equal(t, "starter", pools[1].Pool)
	assert.Empty(t, pools[1].Tiers)
}

// mapCache is a Cache that counts hits. Like a network cache it refuses
// work on a canceled context.
type mapCache struct {
	mu   sync.Mutex
	m    map[string][]byte
	gens map[string]uint64
	hits int
}

func newMapCache() *mapCache {
	return &mapCache{m: map[string][]byte{}, gens: map[string]uint64{}}
}

func (c *mapCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.m[key]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(b, dst)
}

func (c *mapCache) Generation(ctx context.Context, userID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[userID], nil
}

func (c *mapCache) SetIfGeneration(ctx context.Context, userID string, gen uint64, key string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[userID] != gen {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.m[key] = b
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, userID string, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}

func grant(t *testing.T, s *memory.Store, userID, itemID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.GrantItem(ctx, userID, itemID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
}

func TestCacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	cache := newMapCache()
	r := stats.NewReporter(store, table(t), stats.WithCache(cache))

	first, err := r.CollectionProgress(ctx, "u1")
	require.NoError(t, err)
	again, err := r.CollectionProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, cache.hits)

	grant(t, store, "u1", "phoenix")

	stale, _ := r.CollectionProgress(ctx, "u1")
	assert.Equal(t, uint64(4), stale.TotalItems)

	r.Invalidate(ctx, "u1")
	fresh, err := r.CollectionProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fresh.TotalItems)
	assert.Equal(t, uint64(1), fresh.RarityBreakdown[gacha.Legendary])
}

// slowHoldings parks the first ListHoldings call until release is closed.
type slowHoldings struct {
	*memory.Store
	calls   atomic.Int32
	reading chan struct{}
	release chan struct{}
}

func (s *slowHoldings) ListHoldings(ctx context.Context, userID string) ([]economy.Holding, error) {
	h, err := s.Store.ListHoldings(ctx, userID)
	if s.calls.Add(1) == 1 {
		close(s.reading)
		<-s.release
	}
	return h, err
}

func TestCommitDuringReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := &slowHoldings{Store: seed(t), reading: make(chan struct{}), release: make(chan struct{})}
	cache := newMapCache()
	r := stats.NewReporter(store, table(t), stats.WithCache(cache))

	done := make(chan stats.Collection)
	go func() {
		c, err := r.CollectionProgress(ctx, "u1")
		assert.NoError(t, err)
		done <- c
	}()
	<-store.reading
	grant(t, store.Store, "u1", "phoenix")
	r.Invalidate(ctx, "u1")
	close(store.release)

	// the in-flight read may answer with what it saw
	assert.Equal(t, uint64(4), (<-done).TotalItems)

	fresh, err := r.CollectionProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fresh.TotalItems)
	assert.Equal(t, uint64(1), fresh.RarityBreakdown[gacha.Legendary])
}

func TestInvalidateIgnoresCallerCancellation(t *testing.T) {
	store := seed(t)
	cache := newMapCache()
	r := stats.NewReporter(store, table(t), stats.WithCache(cache))

	_, err := r.CollectionProgress(context.Background(), "u1")
	require.NoError(t, err)
	_, err = r.PityStatus(context.Background(), "u1")
	require.NoError(t, err)
	grant(t, store, "u1", "phoenix")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Invalidate(ctx, "u1")

	c, err := r.CollectionProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.TotalItems)
	assert.Zero(t, cache.hits)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis cache test")
	}
	ctx := context.Background()
	rdb, err := stats.DialRedis(ctx, stats.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	c := stats.NewRedisCache(rdb, "test:"+uuid.NewString()+":", time.Minute)
	var got stats.Collection
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	want := stats.Collection{UserID: "u1", TotalItems: 2, RarityBreakdown: map[gacha.Tier]uint64{gacha.Epic: 2}}
	gen, err := c.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, gen)
	require.NoError(t, c.SetIfGeneration(ctx, "u1", gen, "k", want))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)

	require.NoError(t, c.Invalidate(ctx, "u1", "k"))
	hit, _ = c.Get(ctx, "k", &got)
	assert.False(t, hit)

	// a write computed before the invalidation is dropped
	require.NoError(t, c.SetIfGeneration(ctx, "u1", gen, "k", want))
	hit, _ = c.Get(ctx, "k", &got)
	assert.False(t, hit)

	gen, err = c.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, c.SetIfGeneration(ctx, "u1", gen, "k", want))
	hit, _ = c.Get(ctx, "k", &got)
	assert.True(t, hit)
}

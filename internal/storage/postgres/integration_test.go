package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtding233/gacha-economy/internal/gacha"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{DSN: dsn, AutoMigrate: true})
	require.NoError(t, err)
	defer s.Close()

	item := "crown-" + uuid.NewString()
	one := uint32(1)
	require.NoError(t, s.UpsertCatalog(ctx, []gacha.ItemCatalogEntry{{ItemID: item, Tier: gacha.Legendary, MaxOwners: &one}}))

	users := []string{"it-" + uuid.NewString(), "it-" + uuid.NewString()}
	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			if _, err = tx.GrantItem(ctx, u, item); err != nil {
				_ = tx.Rollback(ctx)
				errs[i] = err
				return
			}
			errs[i] = tx.Commit(ctx)
		}(i, u)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, gacha.ErrSupplyExhausted), "got %v", err)
	}
	assert.Equal(t, 1, won)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LoadPity(ctx, users[0], "standard", gacha.Rare)
	require.NoError(t, err)
	require.NoError(t, tx.SavePity(ctx, gacha.PityCounter{UserID: users[0], Pool: "standard", Tier: gacha.Rare, CurrentCount: 4}))
	require.NoError(t, tx.Rollback(ctx))

	pity, err := s.ListPity(ctx, users[0])
	require.NoError(t, err)
	assert.Empty(t, pity, "rolled back pity must not persist")
}

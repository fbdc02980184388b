package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/metrics"
	"github.com/xtding233/gacha-economy/internal/storage/memory"
)

// skewed reports a wrong ledger sum for one user.
type skewed struct {
	*memory.Store
	user string
}

func (s skewed) AuditAccounts(ctx context.Context, after string, limit int) ([]economy.AuditRow, error) {
	rows, err := s.Store.AuditAccounts(ctx, after, limit)
	for i := range rows {
		if rows[i].UserID == s.user {
			rows[i].LedgerSum += 7
		}
	}
	return rows, err
}

// busy commits a credit for every account right after each page is read,
// the way live traffic lands between reads.
type busy struct {
	*memory.Store
	t *testing.T
}

func (b busy) AuditAccounts(ctx context.Context, after string, limit int) ([]economy.AuditRow, error) {
	rows, err := b.Store.AuditAccounts(ctx, after, limit)
	for _, r := range rows {
		fund(b.t, b.Store, r.UserID, r.Balance+50)
	}
	return rows, err
}

// fund sets the balance to amount with a ledger entry for the difference.
func fund(t *testing.T, s *memory.Store, userID string, amount uint64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	acct, err := tx.LockAccount(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, tx.SetBalance(ctx, userID, amount))
	require.NoError(t, tx.AppendLedger(ctx, economy.LedgerEntry{
		ID: uuid.NewString(), UserID: userID, Delta: int64(amount) - int64(acct.Balance), Reason: economy.ReasonCredit, CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit(ctx))
}

func TestRunFindsDriftAcrossPages(t *testing.T) {
	store := memory.New()
	for i := 0; i < 7; i++ {
		fund(t, store, fmt.Sprintf("user-%02d", i), uint64(100*(i+1)))
	}
	m := metrics.New("test")
	r := New(skewed{Store: store, user: "user-05"}, 3, WithMetrics(m))

	drifts, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, Drift{UserID: "user-05", Balance: 600, LedgerSum: 607}, drifts[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerDrift))
}

func TestRunCleanStore(t *testing.T) {
	store := memory.New()
	fund(t, store, "a", 10)
	fund(t, store, "b", 20)
	m := metrics.New("test")

	drifts, err := New(store, 0, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LedgerDrift))
}

func TestRunIgnoresCommitsBetweenPages(t *testing.T) {
	store := memory.New()
	for i := 0; i < 5; i++ {
		fund(t, store, fmt.Sprintf("user-%02d", i), 100)
	}
	m := metrics.New("test")
	r := New(busy{Store: store, t: t}, 2, WithMetrics(m))

	for run := 0; run < 2; run++ {
		drifts, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, drifts)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LedgerDrift))

	acct, err := store.GetAccount(context.Background(), "user-00")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acct.Balance)
}

func TestSchedule(t *testing.T) {
	store := memory.New()
	fund(t, store, "a", 10)
	r := New(store, 10)
	c := cron.New()
	_, err := r.Schedule(context.Background(), c, "@every 1h")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = r.Schedule(context.Background(), c, "not a schedule")
	assert.Error(t, err)

	assert.True(t, r.tryStart())
	assert.False(t, r.tryStart())
	r.finish()
	assert.True(t, r.tryStart())
}

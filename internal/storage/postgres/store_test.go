package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func beginMock(t *testing.T, s *Store, mock sqlmock.Sqlmock) economy.Tx {
	t.Helper()
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout = 2000`).WillReturnResult(sqlmock.NewResult(0, 0))
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestLockAccountCreatesAndLocks(t *testing.T) {
	s, mock := newMock(t)
	tx := beginMock(t, s, mock)

	mock.ExpectExec(`INSERT INTO accounts \(user_id,balance,updated_at\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT user_id, balance, updated_at FROM accounts WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("u1", int64(250), time.Now()))
	mock.ExpectExec(`UPDATE accounts SET balance = \$1, updated_at = \$2 WHERE user_id = \$3`).
		WithArgs(int64(150), sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	acct, err := tx.LockAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), acct.Balance)
	require.NoError(t, tx.SetBalance(ctx, "u1", 150))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTimeoutMapsToConflict(t *testing.T) {
	s, mock := newMock(t)
	tx := beginMock(t, s, mock)

	mock.ExpectExec(`INSERT INTO accounts`).WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	ctx := context.Background()
	_, err := tx.LockAccount(ctx, "u1")
	assert.True(t, errors.Is(err, economy.ErrConcurrencyConflict), "got %v", err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOtherErrorsAreNotConflicts(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "23505"}, "insert")
	assert.False(t, errors.Is(err, economy.ErrConcurrencyConflict))
	assert.Nil(t, classify(nil, "noop"))
	for _, code := range []string{"40001", "40P01"} {
		assert.True(t, errors.Is(classify(&pgconn.PgError{Code: code}, "x"), economy.ErrConcurrencyConflict), code)
	}
}

func TestGrantItemSoldOut(t *testing.T) {
	s, mock := newMock(t)
	tx := beginMock(t, s, mock)

	mock.ExpectQuery(`UPDATE item_catalog SET current_owners = current_owners \+ 1 WHERE item_id = \$1 AND \(max_owners IS NULL OR current_owners < max_owners\) RETURNING`).
		WithArgs("crown").
		WillReturnRows(sqlmock.NewRows(itemCols))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM item_catalog WHERE item_id = \$1`).
		WithArgs("crown").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := tx.GrantItem(context.Background(), "u1", "crown")
	assert.True(t, errors.Is(err, gacha.ErrSupplyExhausted), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantItemUnknown(t *testing.T) {
	s, mock := newMock(t)
	tx := beginMock(t, s, mock)

	mock.ExpectQuery(`UPDATE item_catalog`).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(itemCols))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM item_catalog`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := tx.GrantItem(context.Background(), "u1", "ghost")
	assert.True(t, errors.Is(err, gacha.ErrConfig), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantItemBumpsHolding(t *testing.T) {
	s, mock := newMock(t)
	tx := beginMock(t, s, mock)

	mock.ExpectQuery(`UPDATE item_catalog`).WithArgs("sword").
		WillReturnRows(sqlmock.NewRows(itemCols).AddRow("sword", int64(2), int64(5), int64(3), float64(0), int64(40)))
	mock.ExpectExec(`INSERT INTO holdings \(user_id,item_id,count\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(user_id, item_id\) DO UPDATE SET count = holdings.count \+ 1`).
		WithArgs("u1", "sword", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	it, err := tx.GrantItem(context.Background(), "u1", "sword")
	require.NoError(t, err)
	assert.Equal(t, gacha.Rare, it.Tier)
	assert.Equal(t, uint32(3), it.CurrentOwners)
	require.NotNil(t, it.MaxOwners)
	assert.Equal(t, uint32(5), *it.MaxOwners)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT user_id, balance, updated_at FROM accounts WHERE user_id = \$1`).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(accountCols))
	acct, err := s.GetAccount(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, economy.Account{UserID: "nobody"}, acct)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(delta\), 0\) FROM ledger WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(-50)))
	sum, err := s.LedgerSum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), sum)

	mock.ExpectQuery(`SELECT user_id, balance, updated_at FROM accounts WHERE user_id > \$1 ORDER BY user_id LIMIT 2`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("b", int64(1), time.Now()).
			AddRow("c", int64(2), time.Now()))
	page, err := s.ListAccounts(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[1].UserID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditAccountsReadsOneStatement(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT a\.user_id, a\.balance, COALESCE\(SUM\(l\.delta\), 0\) AS ledger_sum FROM accounts a ` +
		`LEFT JOIN ledger l ON l\.user_id = a\.user_id WHERE a\.user_id > \$1 GROUP BY a\.user_id, a\.balance ORDER BY a\.user_id LIMIT 2`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "ledger_sum"}).
			AddRow("b", int64(100), int64(100)).
			AddRow("c", int64(0), int64(0)))
	rows, err := s.AuditAccounts(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, []economy.AuditRow{
		{UserID: "b", Balance: 100, LedgerSum: 100},
		{UserID: "c"},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

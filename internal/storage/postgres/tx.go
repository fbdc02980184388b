package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
)

var _ economy.Tx = (*tx)(nil)

type tx struct {
	s  *Store
	tx *sqlx.Tx
}

func (t *tx) get(ctx context.Context, op string, dest interface{}, q sq.Sqlizer) (err error) {
	defer t.s.timed(op)(&err)
	query, args, err := q.ToSql()
	if err != nil {
		return errors.Wrapf(err, "build %s", op)
	}
	return classify(t.tx.GetContext(ctx, dest, query, args...), op)
}

func (t *tx) exec(ctx context.Context, op string, q sq.Sqlizer) (n int64, err error) {
	defer t.s.timed(op)(&err)
	query, args, err := q.ToSql()
	if err != nil {
		return 0, errors.Wrapf(err, "build %s", op)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err, op)
	}
	return res.RowsAffected()
}

// LockAccount creates the row if missing, then locks it.
func (t *tx) LockAccount(ctx context.Context, userID string) (economy.Account, error) {
	ins := psql.Insert("accounts").Columns("user_id", "balance", "updated_at").
		Values(userID, 0, time.Now().UTC()).Suffix("ON CONFLICT (user_id) DO NOTHING")
	if _, err := t.exec(ctx, "ensure_account", ins); err != nil {
		return economy.Account{}, err
	}
	var a economy.Account
	sel := psql.Select(accountCols...).From("accounts").Where(sq.Eq{"user_id": userID}).Suffix("FOR UPDATE")
	if err := t.get(ctx, "lock_account", &a, sel); err != nil {
		return economy.Account{}, err
	}
	return a, nil
}

func (t *tx) SetBalance(ctx context.Context, userID string, balance uint64) error {
	q := psql.Update("accounts").
		Set("balance", int64(balance)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"user_id": userID})
	n, err := t.exec(ctx, "set_balance", q)
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.Newf("set balance of %s: account row missing", userID)
	}
	return nil
}

// LoadPity creates the counter row if missing, then locks it.
func (t *tx) LoadPity(ctx context.Context, userID, pool string, tier gacha.Tier) (gacha.PityCounter, error) {
	ins := psql.Insert("pity_counters").Columns("user_id", "pool", "tier").
		Values(userID, pool, int16(tier)).Suffix("ON CONFLICT (user_id, pool, tier) DO NOTHING")
	if _, err := t.exec(ctx, "ensure_pity", ins); err != nil {
		return gacha.PityCounter{}, err
	}
	var c gacha.PityCounter
	sel := psql.Select(pityCols...).From("pity_counters").
		Where(sq.Eq{"user_id": userID, "pool": pool, "tier": int16(tier)}).Suffix("FOR UPDATE")
	if err := t.get(ctx, "lock_pity", &c, sel); err != nil {
		return gacha.PityCounter{}, err
	}
	return c, nil
}

func (t *tx) SavePity(ctx context.Context, c gacha.PityCounter) error {
	q := psql.Insert("pity_counters").Columns(pityCols...).
		Values(c.UserID, c.Pool, int16(c.Tier), int64(c.CurrentCount), c.GuaranteedNext).
		Suffix(`ON CONFLICT (user_id, pool, tier) DO UPDATE SET
			current_count = EXCLUDED.current_count, guaranteed_next = EXCLUDED.guaranteed_next`)
	_, err := t.exec(ctx, "save_pity", q)
	return err
}

func (t *tx) CatalogByTier(ctx context.Context, tier gacha.Tier) (out []gacha.ItemCatalogEntry, err error) {
	defer t.s.timed("catalog_by_tier")(&err)
	query, args, err := psql.Select(itemCols...).From("item_catalog").
		Where(sq.Eq{"tier": int16(tier)}).OrderBy("item_id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = t.tx.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "catalog by tier")
	}
	return out, nil
}

func (t *tx) Holdings(ctx context.Context, userID string) (_ map[string]uint32, err error) {
	defer t.s.timed("holdings")(&err)
	query, args, err := psql.Select("user_id", "item_id", "count").From("holdings").
		Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	var rows []economy.Holding
	if err = t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err, "holdings")
	}
	out := make(map[string]uint32, len(rows))
	for _, h := range rows {
		out[h.ItemID] = h.Count
	}
	return out, nil
}

// GrantItem bumps the owner count only while under the cap. The guarded
// UPDATE takes the row lock, so concurrent grants of the last unit resolve
// to exactly one winner.
func (t *tx) GrantItem(ctx context.Context, userID, itemID string) (gacha.ItemCatalogEntry, error) {
	bump := psql.Update("item_catalog").
		Set("current_owners", sq.Expr("current_owners + 1")).
		Where(sq.Eq{"item_id": itemID}).
		Where(sq.Or{sq.Eq{"max_owners": nil}, sq.Expr("current_owners < max_owners")}).
		Suffix("RETURNING " + strings.Join(itemCols, ", "))
	var it gacha.ItemCatalogEntry
	err := t.get(ctx, "grant_item", &it, bump)
	if isNoRows(err) {
		return gacha.ItemCatalogEntry{}, t.whyNotGranted(ctx, itemID)
	}
	if err != nil {
		return gacha.ItemCatalogEntry{}, err
	}

	hold := psql.Insert("holdings").Columns("user_id", "item_id", "count").
		Values(userID, itemID, 1).
		Suffix("ON CONFLICT (user_id, item_id) DO UPDATE SET count = holdings.count + 1")
	if _, err := t.exec(ctx, "grant_holding", hold); err != nil {
		return gacha.ItemCatalogEntry{}, err
	}
	return it, nil
}

func (t *tx) whyNotGranted(ctx context.Context, itemID string) error {
	var n int
	q := psql.Select("COUNT(*)").From("item_catalog").Where(sq.Eq{"item_id": itemID})
	if err := t.get(ctx, "item_exists", &n, q); err != nil {
		return err
	}
	if n == 0 {
		return errors.Mark(errors.Newf("unknown item %q", itemID), gacha.ErrConfig)
	}
	return errors.Wrapf(gacha.ErrSupplyExhausted, "item %q", itemID)
}

func (t *tx) AppendLedger(ctx context.Context, e economy.LedgerEntry) error {
	if e.ID == "" || e.UserID == "" {
		return errors.New("ledger entry needs an id and a user")
	}
	q := psql.Insert("ledger").Columns(ledgerCols...).
		Values(e.ID, e.UserID, e.Delta, string(e.Reason), e.RelatedItemID, e.PackType, e.CreatedAt)
	_, err := t.exec(ctx, "append_ledger", q)
	return err
}

func (t *tx) Commit(context.Context) (err error) {
	defer t.s.timed("commit")(&err)
	return classify(t.tx.Commit(), "commit")
}

func (t *tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return classify(err, "rollback")
}

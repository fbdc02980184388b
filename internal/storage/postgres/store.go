// Package postgres stores accounts, pity, catalog, holdings and the ledger
// in PostgreSQL. Row locks are taken with SELECT ... FOR UPDATE inside
// READ COMMITTED transactions.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
)

var _ economy.Store = (*Store)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	accountCols = []string{"user_id", "balance", "updated_at"}
	pityCols    = []string{"user_id", "pool", "tier", "current_count", "guaranteed_next"}
	itemCols    = []string{"item_id", "tier", "max_owners", "current_owners", "weight", "value"}
	ledgerCols  = []string{"id", "user_id", "delta", "reason", "related_item_id", "pack_type", "created_at"}
)

// Config is the connection section of the service config.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Store implements economy.Store.
type Store struct {
	db          *sqlx.DB
	log         logger.Logger
	metrics     *metrics.EngineMetrics
	lockTimeout time.Duration
}

type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l.Named("storage.postgres") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLockTimeout sets lock_timeout for every transaction. A wait past it
// fails with economy.ErrConcurrencyConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, log: logger.NewNop(), lockTimeout: 2 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects with the pgx driver, optionally migrates, and wraps the pool.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.AutoMigrate {
		if err := Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if cfg.LockTimeout > 0 {
		opts = append(opts, WithLockTimeout(cfg.LockTimeout))
	}
	return New(db, opts...), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// timed starts a query timer; call the result with the named error on return.
func (s *Store) timed(op string) func(*error) {
	start := time.Now()
	return func(err *error) { s.metrics.RecordDBQuery(op, time.Since(start), *err) }
}

// Begin opens a READ COMMITTED transaction with the store's lock timeout.
func (s *Store) Begin(ctx context.Context) (_ economy.Tx, err error) {
	defer s.timed("begin")(&err)
	t, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err, "begin")
	}
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := t.ExecContext(ctx, stmt); err != nil {
			_ = t.Rollback()
			return nil, classify(err, "set lock_timeout")
		}
	}
	return &tx{s: s, tx: t}, nil
}

// UpsertCatalog writes catalog definitions and leaves owner counts alone.
func (s *Store) UpsertCatalog(ctx context.Context, items []gacha.ItemCatalogEntry) (err error) {
	if len(items) == 0 {
		return nil
	}
	defer s.timed("upsert_catalog")(&err)
	q := psql.Insert("item_catalog").Columns("item_id", "tier", "max_owners", "weight", "value")
	for _, it := range items {
		if it.ItemID == "" {
			return errors.New("catalog item without id")
		}
		q = q.Values(it.ItemID, int16(it.Tier), nullableCap(it.MaxOwners), it.Weight, int64(it.Value))
	}
	query, args, err := q.Suffix(`ON CONFLICT (item_id) DO UPDATE SET
		tier = EXCLUDED.tier, max_owners = EXCLUDED.max_owners,
		weight = EXCLUDED.weight, value = EXCLUDED.value`).ToSql()
	if err != nil {
		return errors.Wrap(err, "build catalog upsert")
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return classify(err, "upsert catalog")
}

func nullableCap(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// ReadStore ----------------------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, userID string) (acct economy.Account, err error) {
	defer s.timed("get_account")(&err)
	query, args, err := psql.Select(accountCols...).From("accounts").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return economy.Account{}, errors.Wrap(err, "build query")
	}
	if err = s.db.GetContext(ctx, &acct, query, args...); err != nil {
		if isNoRows(err) {
			return economy.Account{UserID: userID}, nil
		}
		return economy.Account{}, classify(err, "get account")
	}
	return acct, nil
}

func (s *Store) ListPity(ctx context.Context, userID string) (out []gacha.PityCounter, err error) {
	defer s.timed("list_pity")(&err)
	query, args, err := psql.Select(pityCols...).From("pity_counters").
		Where(sq.Eq{"user_id": userID}).OrderBy("pool", "tier").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "list pity")
	}
	return out, nil
}

func (s *Store) ListHoldings(ctx context.Context, userID string) (out []economy.Holding, err error) {
	defer s.timed("list_holdings")(&err)
	query, args, err := psql.Select("user_id", "item_id", "count").From("holdings").
		Where(sq.Eq{"user_id": userID}).OrderBy("item_id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "list holdings")
	}
	return out, nil
}

func (s *Store) Catalog(ctx context.Context) (out []gacha.ItemCatalogEntry, err error) {
	defer s.timed("catalog")(&err)
	query, args, err := psql.Select(itemCols...).From("item_catalog").OrderBy("item_id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "catalog")
	}
	return out, nil
}

func (s *Store) Ledger(ctx context.Context, userID string) (out []economy.LedgerEntry, err error) {
	defer s.timed("ledger")(&err)
	query, args, err := psql.Select(ledgerCols...).From("ledger").
		Where(sq.Eq{"user_id": userID}).OrderBy("seq").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "ledger")
	}
	return out, nil
}

func (s *Store) LedgerSum(ctx context.Context, userID string) (sum int64, err error) {
	defer s.timed("ledger_sum")(&err)
	query, args, err := psql.Select("COALESCE(SUM(delta), 0)").From("ledger").
		Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build query")
	}
	if err = s.db.GetContext(ctx, &sum, query, args...); err != nil {
		return 0, classify(err, "ledger sum")
	}
	return sum, nil
}

// AuditAccounts joins balances to ledger sums in one statement so both
// come from the same snapshot.
func (s *Store) AuditAccounts(ctx context.Context, afterUserID string, limit int) (out []economy.AuditRow, err error) {
	defer s.timed("audit_accounts")(&err)
	q := psql.Select("a.user_id", "a.balance", "COALESCE(SUM(l.delta), 0) AS ledger_sum").
		From("accounts a").
		LeftJoin("ledger l ON l.user_id = a.user_id").
		GroupBy("a.user_id", "a.balance").
		OrderBy("a.user_id")
	if afterUserID != "" {
		q = q.Where(sq.Gt{"a.user_id": afterUserID})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "audit accounts")
	}
	return out, nil
}

func (s *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) (out []economy.Account, err error) {
	defer s.timed("list_accounts")(&err)
	q := psql.Select(accountCols...).From("accounts").OrderBy("user_id")
	if afterUserID != "" {
		q = q.Where(sq.Gt{"user_id": afterUserID})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "list accounts")
	}
	return out, nil
}

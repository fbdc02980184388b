package economy

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
	"github.com/xtding233/gacha-economy/internal/pricing"
)

const tracerName = "github.com/xtding233/gacha-economy/internal/economy"

// Config bounds the coordinator's transactions.
type Config struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" validate:"min=0"`
	MaxPullsPerOpen uint32        `mapstructure:"max_pulls_per_open" validate:"min=1"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     8,
		RetryBaseDelay:  75 * time.Millisecond,
		MaxPullsPerOpen: 100,
	}
}

// CommitHook runs after a transaction for userID has committed.
type CommitHook func(ctx context.Context, userID string)

// Coordinator runs pack openings and top-ups as atomic units.
type Coordinator struct {
	store    Store
	resolver *gacha.Resolver
	selector *gacha.Selector
	cfg      Config

	log     logger.Logger
	metrics *metrics.EngineMetrics
	tracer  trace.Tracer
	hooks   []CommitHook
	now     func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) { c.log = l.Named("economy.coordinator") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

func WithCommitHook(h CommitHook) Option {
	return func(c *Coordinator) { c.hooks = append(c.hooks, h) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store Store, resolver *gacha.Resolver, selector *gacha.Selector, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxPullsPerOpen == 0 {
		cfg.MaxPullsPerOpen = def.MaxPullsPerOpen
	}
	c := &Coordinator{
		store:    store,
		resolver: resolver,
		selector: selector,
		cfg:      cfg,
		log:      logger.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OpenPack debits the pack price and resolves packCount pulls in one
// transaction. Either every pull is granted or nothing changes.
func (c *Coordinator) OpenPack(ctx context.Context, userID, packType string, packCount uint32) (OpenResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "economy.OpenPack", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("pack.type", packType),
		attribute.Int64("pack.count", int64(packCount)),
	))
	defer span.End()

	res, err := c.openPack(ctx, userID, packType, packCount)
	c.metrics.RecordPackOpen(packType, Outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		c.log.Warn("open pack failed", "user", userID, "pack", packType, "count", packCount,
			"outcome", Outcome(err), "error", err)
		return OpenResult{}, err
	}
	for _, p := range res.Pulls {
		c.metrics.RecordPull(packType, p.Tier.String(), p.Forced)
	}
	span.SetAttributes(attribute.Int64("balance.new", int64(res.NewBalance)))
	c.log.Debug("pack opened", "user", userID, "pack", packType, "count", packCount, "balance", res.NewBalance)
	c.afterCommit(ctx, userID)
	return res, nil
}

func (c *Coordinator) openPack(ctx context.Context, userID, packType string, packCount uint32) (OpenResult, error) {
	if userID == "" {
		return OpenResult{}, errors.Wrap(ErrInvalidRequest, "user id is required")
	}
	if packCount == 0 || packCount > c.cfg.MaxPullsPerOpen {
		return OpenResult{}, errors.Wrapf(ErrInvalidRequest, "pack count must be in [1,%d]", c.cfg.MaxPullsPerOpen)
	}
	// one snapshot of the rules for every pull and retry of this request
	pack, err := c.resolver.Pack(packType)
	if err != nil {
		return OpenResult{}, err
	}
	cost, err := pack.Price.Total(packCount)
	if err != nil {
		return OpenResult{}, errors.Mark(errors.Wrapf(err, "price of %d %q pulls", packCount, packType), gacha.ErrConfig)
	}
	if cost > math.MaxInt64 {
		return OpenResult{}, errors.Mark(errors.Newf("price of %d %q pulls exceeds the ledger range", packCount, packType), gacha.ErrConfig)
	}

	var res OpenResult
	err = c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := c.openInTx(ctx, tx, userID, pack, packCount, cost)
		res = r
		return err
	})
	return res, err
}

func (c *Coordinator) openInTx(ctx context.Context, tx Tx, userID string, pack gacha.PackType, packCount uint32, cost uint64) (OpenResult, error) {
	acct, err := tx.LockAccount(ctx, userID)
	if err != nil {
		return OpenResult{}, err
	}
	if acct.Balance < cost {
		return OpenResult{}, errors.Wrapf(ErrInsufficientFunds, "balance %d, cost %d", acct.Balance, cost)
	}
	balance := acct.Balance - cost
	if err := tx.SetBalance(ctx, userID, balance); err != nil {
		return OpenResult{}, err
	}
	if err := tx.AppendLedger(ctx, c.entry(userID, -int64(cost), ReasonPackPurchase, "", pack.Name)); err != nil {
		return OpenResult{}, err
	}

	tracker := gacha.NewPityTracker(tx)
	pulls := make([]PullResult, 0, packCount)
	for i := uint32(0); i < packCount; i++ {
		p, err := c.pull(ctx, tx, tracker, userID, pack)
		if err != nil {
			return OpenResult{}, errors.Wrapf(err, "pull %d of %d", i+1, packCount)
		}
		pulls = append(pulls, p)
	}
	return OpenResult{Pulls: pulls, NewBalance: balance}, nil
}

// pull resolves and grants one item. Supply exhaustion gets one retry:
// a sold-out tier is re-planned without that tier, a lost race for an item
// is re-selected in the same tier without that item.
func (c *Coordinator) pull(ctx context.Context, tx Tx, tracker *gacha.PityTracker, userID string, pack gacha.PackType) (PullResult, error) {
	excludedTiers := gacha.TierSet{}
	excludedItems := map[string]bool{}
	retried := false
	replan := true
	var tier gacha.Tier

	for {
		if replan {
			t, err := c.resolver.Plan(ctx, tracker, userID, pack, excludedTiers)
			if err != nil {
				if errors.Is(err, gacha.ErrAllTiersExcluded) {
					return PullResult{}, errors.Mark(errors.Wrapf(gacha.ErrSupplyExhausted, "pack %q: no tier left", pack.Name), ErrAllocationFailed)
				}
				return PullResult{}, err
			}
			tier = t
		}

		item, err := c.selector.Select(ctx, tx, userID, tier, gacha.SelectOptions{Exclude: excludedItems})
		kind := "tier"
		if err == nil {
			granted, gerr := tx.GrantItem(ctx, userID, item.ItemID)
			if gerr == nil {
				return c.award(ctx, tx, tracker, userID, pack, tier, granted)
			}
			err, kind = gerr, "item"
		}
		if !errors.Is(err, gacha.ErrSupplyExhausted) {
			return PullResult{}, err
		}
		if retried {
			return PullResult{}, errors.Mark(errors.Wrapf(err, "tier %s after retry", tier), ErrAllocationFailed)
		}
		retried = true
		c.metrics.RecordSupplyRetry(kind)
		c.log.Debug("supply exhausted, retrying pull", "user", userID, "pack", pack.Name, "tier", tier, "kind", kind)
		if kind == "item" {
			excludedItems[item.ItemID] = true
			replan = false
		} else {
			excludedTiers[tier] = true
			replan = true
		}
	}
}

func (c *Coordinator) award(ctx context.Context, tx Tx, tracker *gacha.PityTracker, userID string, pack gacha.PackType, tier gacha.Tier, item gacha.ItemCatalogEntry) (PullResult, error) {
	forced := false
	if rule, ok := pack.Rule(tier); ok && rule.Tracked() {
		st, err := tracker.CurrentState(ctx, userID, pack.Pool(), tier)
		if err != nil {
			return PullResult{}, err
		}
		forced = gacha.Classify(st.CurrentCount, rule) == gacha.Guaranteed
	}
	if err := c.resolver.Record(ctx, tracker, userID, pack, tier); err != nil {
		return PullResult{}, err
	}
	if err := tx.AppendLedger(ctx, c.entry(userID, 0, ReasonItemGrant, item.ItemID, pack.Name)); err != nil {
		return PullResult{}, err
	}
	return PullResult{Tier: tier, ItemID: item.ItemID, Forced: forced}, nil
}

// Credit tops an account up with a matching ledger entry.
func (c *Coordinator) Credit(ctx context.Context, userID string, amount uint64) (uint64, error) {
	ctx, span := c.tracer.Start(ctx, "economy.Credit", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("amount", int64(amount)),
	))
	defer span.End()

	if userID == "" {
		return 0, errors.Wrap(ErrInvalidRequest, "user id is required")
	}
	if amount == 0 || amount > math.MaxInt64 {
		return 0, errors.Wrapf(ErrInvalidRequest, "credit amount %d out of range", amount)
	}
	var balance uint64
	err := c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct.Balance+amount < acct.Balance || acct.Balance+amount > math.MaxInt64 {
			return errors.Wrapf(ErrInvalidRequest, "balance %d cannot take %d more", acct.Balance, amount)
		}
		balance = acct.Balance + amount
		if err := tx.SetBalance(ctx, userID, balance); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, c.entry(userID, int64(amount), ReasonCredit, "", ""))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		c.log.Warn("credit failed", "user", userID, "amount", amount, "error", err)
		return 0, err
	}
	c.afterCommit(ctx, userID)
	return balance, nil
}

// Quote plans purchases for a pack: the most pulls within budget when budget
// is set, otherwise the cheapest way to reach at least pulls.
func (c *Coordinator) Quote(packType string, pulls uint32, budget uint64) (pricing.Plan, error) {
	pack, err := c.resolver.Pack(packType)
	if err != nil {
		return pricing.Plan{}, err
	}
	var plan pricing.Plan
	if budget > 0 {
		plan, err = pricing.MaxPullsUnderBudget(pack.Price, budget)
	} else {
		plan, err = pricing.MinCostAtLeast(pack.Price, pulls)
	}
	if err != nil {
		return pricing.Plan{}, errors.Mark(errors.Wrapf(err, "quote %q", packType), ErrInvalidRequest)
	}
	return plan, nil
}

func (c *Coordinator) entry(userID string, delta int64, reason Reason, itemID, packType string) LedgerEntry {
	return LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Delta:         delta,
		Reason:        reason,
		RelatedItemID: itemID,
		PackType:      packType,
		CreatedAt:     c.now().UTC(),
	}
}

// afterCommit runs the hooks even when the caller has gone away.
func (c *Coordinator) afterCommit(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	for _, h := range c.hooks {
		h(ctx, userID)
	}
}

// Package reconcile checks that every account balance equals the sum of its
// ledger entries.
package reconcile

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
)

// Drift is an account whose balance disagrees with its ledger.
type Drift struct {
	UserID    string
	Balance   uint64
	LedgerSum int64
}

type Reconciler struct {
	store    economy.ReadStore
	pageSize int
	log      logger.Logger
	metrics  *metrics.EngineMetrics

	mu      sync.Mutex
	running bool
}

type Option func(*Reconciler)

func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.log = l.Named("reconcile") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(store economy.ReadStore, pageSize int, opts ...Option) *Reconciler {
	if pageSize <= 0 {
		pageSize = 500
	}
	r := &Reconciler{store: store, pageSize: pageSize, log: logger.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run walks all accounts once and returns the ones that drifted.
func (r *Reconciler) Run(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	after := ""
	checked := 0
	for {
		page, err := r.store.AuditAccounts(ctx, after, r.pageSize)
		if err != nil {
			return drifts, errors.Wrapf(err, "audit accounts after %q", after)
		}
		for _, row := range page {
			if row.LedgerSum < 0 || uint64(row.LedgerSum) != row.Balance {
				drifts = append(drifts, Drift{UserID: row.UserID, Balance: row.Balance, LedgerSum: row.LedgerSum})
				r.log.Error("ledger drift", "user", row.UserID, "balance", row.Balance, "ledger_sum", row.LedgerSum)
			}
		}
		checked += len(page)
		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1].UserID
	}
	r.metrics.SetLedgerDrift(len(drifts))
	r.log.Info("reconcile finished", "accounts", checked, "drifted", len(drifts))
	return drifts, nil
}

// Schedule registers Run on c under a standard cron schedule. Overlapping
// runs are skipped.
func (r *Reconciler) Schedule(ctx context.Context, c *cron.Cron, schedule string) (cron.EntryID, error) {
	id, err := c.AddFunc(schedule, func() {
		if !r.tryStart() {
			r.log.Warn("previous reconcile still running, skipping")
			return
		}
		defer r.finish()
		if _, err := r.Run(ctx); err != nil {
			r.log.Error("reconcile failed", "error", err)
		}
	})
	if err != nil {
		return 0, errors.Wrapf(err, "schedule %q", schedule)
	}
	return id, nil
}

func (r *Reconciler) tryStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Reconciler) finish() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

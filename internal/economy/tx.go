package economy

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/gacha"
)

// inTx runs fn in a fresh transaction, retrying concurrency conflicts with
// exponential backoff. The caller's context may only cancel before a
// transaction begins; the body runs detached from it.
func (c *Coordinator) inTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	delay := c.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return errors.CombineErrors(cerr, err)
			}
			return cerr
		}
		err = c.runTx(context.WithoutCancel(ctx), fn)
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.RecordTxRetry()
		c.log.Debug("transaction conflict, retrying", "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepWithContext(ctx, delay); serr != nil {
			return errors.CombineErrors(serr, err)
		}
		delay *= 2
	}
	return errors.Wrapf(err, "gave up after %d attempts", c.cfg.MaxAttempts)
}

func (c *Coordinator) runTx(ctx context.Context, fn func(context.Context, Tx) error) (err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				c.log.Error("rollback failed", "error", rbErr)
			}
		}
	}()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Outcome classifies an error for metrics and transport mapping.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAllocationFailed):
		return "allocation_failed"
	case errors.Is(err, gacha.ErrSupplyExhausted):
		return "supply_exhausted"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, gacha.ErrConfig):
		return "config"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

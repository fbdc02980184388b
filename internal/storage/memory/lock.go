package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/economy"
)

// lockTable hands out one exclusive lock per row key.
type lockTable struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{rows: make(map[string]chan struct{})}
}

func (lt *lockTable) row(key string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.rows[key] = ch
	}
	return ch
}

// acquire waits up to timeout. Waiting out the timeout is how lock cycles
// between transactions are broken.
func (lt *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := lt.row(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-t.C:
		return errors.Wrapf(economy.ErrConcurrencyConflict, "lock %s not acquired within %s", key, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lt *lockTable) release(key string) {
	<-lt.row(key)
}

// Package worker bounds how many pack openings run at once.
package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/xtding233/gacha-economy/internal/logger"
)

// ErrOverloaded means every worker is busy and the wait queue is full.
var ErrOverloaded = errors.New("worker pool overloaded")

// Pool runs tasks on a fixed set of goroutines. Up to maxWaiting callers may
// block for a free worker; anyone past that is rejected.
type Pool struct {
	p   *ants.Pool
	log logger.Logger
}

func New(size, maxWaiting int, l logger.Logger) (*Pool, error) {
	if l == nil {
		l = logger.NewNop()
	}
	log := l.Named("worker")
	opts := []ants.Option{
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("task panicked", "panic", p)
		}),
	}
	if maxWaiting > 0 {
		opts = append(opts, ants.WithMaxBlockingTasks(maxWaiting))
	} else {
		opts = append(opts, ants.WithNonblocking(true))
	}
	p, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	return &Pool{p: p, log: log}, nil
}

// Do runs fn on a worker and waits for it. Once started, fn runs to
// completion even if ctx is canceled, so its result is never lost.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	err := p.p.Submit(func() {
		var ferr error
		defer func() {
			if r := recover(); r != nil {
				ferr = errors.Newf("task panicked: %v", r)
			}
			done <- ferr
		}()
		ferr = fn(ctx)
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return errors.Wrapf(ErrOverloaded, "%d running, %d waiting", p.p.Running(), p.p.Waiting())
		}
		return errors.Wrap(err, "submit task")
	}
	return <-done
}

func (p *Pool) Running() int { return p.p.Running() }

// Close waits up to timeout for running tasks to finish.
func (p *Pool) Close(timeout time.Duration) error {
	return p.p.ReleaseTimeout(timeout)
}

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsTaskResult(t *testing.T) {
	p, err := New(2, 0, nil)
	require.NoError(t, err)
	defer p.Close(time.Second)

	boom := errors.New("boom")
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return boom }), boom)
	assert.Error(t, p.Do(context.Background(), func(context.Context) error { panic("bad") }))
}

func TestDoRejectsWhenFull(t *testing.T) {
	p, err := New(1, 0, nil)
	require.NoError(t, err)
	defer p.Close(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err = p.Do(context.Background(), func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrOverloaded), "got %v", err)

	close(release)
	wg.Wait()
	// the worker goes back to the pool just after the task reports
	assert.Eventually(t, func() bool {
		return p.Do(context.Background(), func(context.Context) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDoCanceledBeforeSubmit(t *testing.T) {
	p, err := New(1, 0, nil)
	require.NoError(t, err)
	defer p.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err = p.Do(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

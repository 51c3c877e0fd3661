package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsJobAndReturnsResult(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	var counter int32
	err := pool.Submit(context.Background(), func() error {
		atomic.AddInt32(&counter, 1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), counter)
}

func TestSubmit_PropagatesJobError(t *testing.T) {
	pool := New(1)
	defer pool.Close()

	wantErr := errors.New("boom")
	err := pool.Submit(context.Background(), func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestSubmit_ManyConcurrentJobsAllComplete(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var counter int32
	const n = 100
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- pool.Submit(context.Background(), func() error {
				atomic.AddInt32(&counter, 1)
				return nil
			})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(n), counter)
}

func TestSubmit_ContextCancellationUnblocksCaller(t *testing.T) {
	pool := New(1)
	defer pool.Close()

	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- pool.Submit(ctx, func() error {
			close(started)
			<-unblock
			return nil
		})
	}()

	<-started // job is now running; Submit is blocked waiting for its result
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after context cancellation")
	}
}

func TestSubmit_AfterCloseReturnsErrPoolClosed(t *testing.T) {
	pool := New(1)
	pool.Close()

	err := pool.Submit(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyFutureCompletesImmediately(t *testing.T) {
	f := Ready(42)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPromiseFulfillIsFirstWriterWins(t *testing.T) {
	p := NewPromise[int]()
	p.Fulfill(1)
	p.Fulfill(2) // ignored
	v, err := p.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCompletedReflectsPromiseState(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	assert.False(t, f.Completed())
	p.Fulfill(7)
	assert.True(t, f.Completed())
	assert.True(t, Ready(1).Completed())
}

func TestFutureWaitRespectsContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Future().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAllEmpty(t *testing.T) {
	done, wrapped := WaitAll[int](nil, nil)
	v, err := done.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, struct{}{}, v)
	assert.Empty(t, wrapped)
}

func TestWaitAllCompletesWhenAllInputsDo(t *testing.T) {
	promises := make([]*Promise[int], 4)
	futures := make([]*Future[int], 4)
	for i := range promises {
		promises[i] = NewPromise[int]()
		futures[i] = promises[i].Future()
	}

	counter := &Counter{}
	done, wrapped := WaitAll(futures, counter)
	require.Len(t, wrapped, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	select {
	case <-doneChan(done):
		t.Fatal("done fired before all inputs completed")
	case <-time.After(5 * time.Millisecond):
	}

	for i, p := range promises {
		p.Fulfill(i)
	}

	v, err := done.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, struct{}{}, v)
	assert.Equal(t, int64(4), counter.Value())

	for i, wf := range wrapped {
		v, err := wf.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestWaitAllPropagatesFailureToWrapper(t *testing.T) {
	p := NewPromise[int]()
	boom := errors.New("boom")
	p.Fail(boom)

	done, wrapped := WaitAll([]*Future[int]{p.Future()}, nil)
	_, err := done.Wait(context.Background())
	require.NoError(t, err)

	_, err = wrapped[0].Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWaitAnyFulfillsOnFirstCompletionOnly(t *testing.T) {
	promises := make([]*Promise[int], 3)
	futures := make([]*Future[int], 3)
	for i := range promises {
		promises[i] = NewPromise[int]()
		futures[i] = promises[i].Future()
	}

	counter := &Counter{}
	done, wrapped := WaitAny(futures, counter)
	promises[1].Fulfill(99)

	v, err := done.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, struct{}{}, v)

	// Remaining inputs still flow through their wrappers.
	promises[0].Fulfill(1)
	promises[2].Fulfill(2)

	for i, expect := range map[int]int{0: 1, 1: 99, 2: 2} {
		v, err := wrapped[i].Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expect, v)
	}

	assert.Eventually(t, func() bool { return counter.Value() == 3 }, time.Second, time.Millisecond)
}

func TestWaitAnyEmpty(t *testing.T) {
	done, wrapped := WaitAny[int](nil, nil)
	_, err := done.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wrapped)
}

func doneChan(f *Future[struct{}]) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_, _ = f.Wait(context.Background())
		close(ch)
	}()
	return ch
}

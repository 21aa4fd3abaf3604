package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinLimitDoesNotBlock(t *testing.T) {
	f := NewFetchLimiter(2)
	ctx := context.Background()
	require.NoError(t, f.Acquire(ctx))
	require.NoError(t, f.Acquire(ctx))
	assert.Equal(t, 2, f.Len())
}

func TestAcquireBlocksBeyondLimitAndReleaseWakesWaiter(t *testing.T) {
	f := NewFetchLimiter(1)
	ctx := context.Background()
	require.NoError(t, f.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, f.Acquire(ctx))
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second acquire should still be blocked")
	default:
	}

	f.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release should have woken the waiter")
	}
}

func TestFIFOOrdering(t *testing.T) {
	f := NewFetchLimiter(1)
	ctx := context.Background()
	require.NoError(t, f.Acquire(ctx))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			require.NoError(t, f.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			f.Release()
		}()
		time.Sleep(10 * time.Millisecond) // stagger enqueue order
	}
	f.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSetLimitGrowthWakesWaiters(t *testing.T) {
	f := NewFetchLimiter(1)
	ctx := context.Background()
	require.NoError(t, f.Acquire(ctx))

	acquired := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			require.NoError(t, f.Acquire(ctx))
			acquired <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.Waiting())

	f.SetLimit(3)

	for i := 0; i < 2; i++ {
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("growth should wake queued waiters")
		}
	}
	assert.Equal(t, 3, f.Len())
}

func TestSetLimitShrinkDrainsBeforeHandingOff(t *testing.T) {
	f := NewFetchLimiter(2)
	ctx := context.Background()
	require.NoError(t, f.Acquire(ctx))
	require.NoError(t, f.Acquire(ctx))

	acquired := make(chan struct{}, 1)
	go func() {
		require.NoError(t, f.Acquire(ctx))
		acquired <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)

	f.SetLimit(1)

	// First release only drains the over-limit permit; the waiter must not
	// be granted while 2 permits would exceed the shrunk limit of 1.
	f.Release()
	select {
	case <-acquired:
		t.Fatal("waiter granted while holders still exceed the shrunk limit")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, f.Len())

	f.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter should be granted once holders fit the limit")
	}
	assert.Equal(t, 1, f.Len())
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	f := NewFetchLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := f.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.Waiting())
}

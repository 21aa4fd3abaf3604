// Package ratelimit implements FetchLimiter, a FIFO counting semaphore
// with live capacity resize. golang.org/x/sync/semaphore.Weighted (the
// only semaphore primitive anywhere in the retrieved dependency graph) has
// neither live resize nor a FIFO ordering guarantee, so this is built
// directly on sync.Mutex plus a waiter queue — see DESIGN.md for the full
// justification of this one standard-library-only component.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
)

// FetchLimiter is a counting semaphore with `limit` permits. acquire()
// suspends until a permit is available, releasing waiters strictly in
// FIFO order; setLimit adjusts capacity live, waking waiters immediately
// if capacity grew.
type FetchLimiter struct {
	mu       sync.Mutex
	limit    int
	inUse    int
	waiters  *list.List // of chan struct{}
}

// NewFetchLimiter constructs a limiter with the given initial capacity.
func NewFetchLimiter(limit int) *FetchLimiter {
	if limit < 0 {
		limit = 0
	}
	return &FetchLimiter{limit: limit, waiters: list.New()}
}

// Acquire blocks until a permit is available, or ctx is done. Waiters are
// granted permits strictly in the order they called Acquire.
func (f *FetchLimiter) Acquire(ctx context.Context) error {
	f.mu.Lock()
	if f.waiters.Len() == 0 && f.inUse < f.limit {
		f.inUse++
		f.mu.Unlock()
		return nil
	}

	wait := make(chan struct{})
	elem := f.waiters.PushBack(wait)
	f.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		select {
		case <-wait:
			// Granted concurrently with cancellation: a permit was
			// already committed to us, so release it back and report
			// the cancellation.
			f.mu.Unlock()
			f.Release()
			return ctx.Err()
		default:
			f.waiters.Remove(elem)
			f.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Release returns one permit, waking the head waiter if any are queued.
func (f *FetchLimiter) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseLocked()
}

func (f *FetchLimiter) releaseLocked() {
	// After a live shrink, drain over-limit permits before handing any to
	// queued waiters.
	if f.inUse > f.limit {
		f.inUse--
		return
	}
	if front := f.waiters.Front(); front != nil {
		f.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if f.inUse > 0 {
		f.inUse--
	}
}

// SetLimit adjusts capacity live. Growth immediately wakes as many queued
// waiters as the new headroom allows, in FIFO order.
func (f *FetchLimiter) SetLimit(n int) {
	if n < 0 {
		n = 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = n
	for f.inUse < f.limit {
		front := f.waiters.Front()
		if front == nil {
			break
		}
		f.waiters.Remove(front)
		f.inUse++
		close(front.Value.(chan struct{}))
	}
}

// Len reports the number of permits currently held.
func (f *FetchLimiter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse
}

// Waiting reports the number of goroutines currently queued for a permit.
func (f *FetchLimiter) Waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiters.Len()
}

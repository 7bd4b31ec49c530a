// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fibertask

import (
	"sync"
	"sync/atomic"
)

type waitingFiber struct {
	fiberIndex  uint32
	targetValue int64
	storedFlag  *atomic.Bool
}

// An AtomicCounter is an integer that tasks decrement on completion, plus a
// list of fibers to wake when it reaches their target values. Fibers park on
// a counter via TaskScheduler.WaitForCounter.
//
// A counter must outlive every fiber waiting on it; destroying it earlier is
// undefined behavior.
type AtomicCounter struct {
	scheduler *TaskScheduler

	value atomic.Int64

	// lock serializes waiting-list registration against the decrement-and-scan
	// in update. Registration checks the value under the lock, so a waiter is
	// registered if and only if the value has not yet reached its target; this
	// closes the race between FetchSub and AddFiberToWaitingList.
	lock    sync.Mutex
	waiting []waitingFiber
}

// NewAtomicCounter creates a counter owned by the given scheduler. Fibers
// woken by the counter are handed back to the scheduler's workers.
func NewAtomicCounter(s *TaskScheduler) *AtomicCounter {
	return &AtomicCounter{scheduler: s}
}

// Load returns the current value.
func (c *AtomicCounter) Load() int64 {
	return c.value.Load()
}

// Store overwrites the value. It does not wake waiters; use it only to seed
// a counter before tasks referencing it are added.
func (c *AtomicCounter) Store(v int64) {
	c.value.Store(v)
}

// FetchAdd adds n to the value, wakes any fiber whose target the new value
// matches, and returns the previous value.
func (c *AtomicCounter) FetchAdd(n int64) int64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.update(n)
}

// FetchSub subtracts n from the value, wakes any fiber whose target the new
// value matches, and returns the previous value.
func (c *AtomicCounter) FetchSub(n int64) int64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.update(-n)
}

// CompareExchange replaces the value with desired if it currently equals
// expected, waking matching waiters on success.
func (c *AtomicCounter) CompareExchange(expected, desired int64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.value.CompareAndSwap(expected, desired) {
		return false
	}
	c.wakeWaiters(desired)
	c.scheduler.notifyWorkAvailable()
	return true
}

func (c *AtomicCounter) update(delta int64) int64 {
	newValue := c.value.Add(delta)
	c.wakeWaiters(newValue)

	// Pinned waiters are not registered here; their workers poll the value,
	// so a sleeping worker has to be woken even when the list is empty.
	c.scheduler.notifyWorkAvailable()

	return newValue - delta
}

func (c *AtomicCounter) wakeWaiters(value int64) {
	remaining := c.waiting[:0]
	for _, w := range c.waiting {
		if w.targetValue == value {
			c.scheduler.addReadyFiber(w.fiberIndex, w.storedFlag)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiting = remaining
}

// AddFiberToWaitingList registers a fiber to be woken when the value reaches
// targetValue. If the value is already there, nothing is registered and true
// is returned.
func (c *AtomicCounter) AddFiberToWaitingList(fiberIndex uint32, targetValue int64, storedFlag *atomic.Bool) (alreadyDone bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.value.Load() == targetValue {
		return true
	}

	c.waiting = append(c.waiting, waitingFiber{
		fiberIndex:  fiberIndex,
		targetValue: targetValue,
		storedFlag:  storedFlag,
	})
	return false
}

// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fibertask

import (
	"sync"
	"sync/atomic"

	"github.com/luxfi/fibertask/deque"
	"github.com/luxfi/fibertask/fiber"
)

const invalidFiberIndex = ^uint32(0)

// fiberDestination encodes what to do with the fiber a worker just switched
// away from. The action is performed by the next fiber to land in
// cleanUpOldFiber, once the source fiber has fully suspended.
type fiberDestination uint8

const (
	destinationNone fiberDestination = iota
	destinationToPool
	destinationToWaiting
)

type taskBundle struct {
	task    Task
	counter *AtomicCounter
}

type readyFiber struct {
	fiberIndex uint32
	// storedFlag starts false and is flipped true by the worker the fiber
	// parked on, once its switch-out has retired. The fiber must not be
	// resumed while the flag is false.
	storedFlag *atomic.Bool
}

type pinnedWait struct {
	fiberIndex  uint32
	counter     *AtomicCounter
	targetValue int64
}

// threadLocalState is the scratch state of one worker. All fields except
// taskQueue and the ready list are touched only by the fiber chain the
// worker is currently driving; thieves reach into taskQueue through Steal,
// and foreign workers append to the ready list through addReadyFiber.
type threadLocalState struct {
	// threadFiber parks the goroutine that entered the scheduler on this
	// worker, so a pool fiber can switch back to it on shutdown.
	threadFiber *fiber.Fiber

	taskQueue *deque.Queue[taskBundle]

	currentFiberIndex uint32

	// Pending hand-off for the fiber this worker last switched away from.
	oldFiberIndex       uint32
	oldFiberDestination fiberDestination
	oldFiberStoredFlag  *atomic.Bool

	readyLock   sync.Mutex
	readyFibers []readyFiber

	// pinnedTasks holds waiters that must resume on this worker. Owner only.
	pinnedTasks []pinnedWait

	// lastSuccessfulSteal is the offset the next steal scan starts from.
	lastSuccessfulSteal uint32
}

func newThreadLocalState() *threadLocalState {
	return &threadLocalState{
		threadFiber:       fiber.NewThreadFiber(),
		taskQueue:         deque.New[taskBundle](128),
		currentFiberIndex: invalidFiberIndex,
		oldFiberIndex:     invalidFiberIndex,
	}
}

// takePinnedFiber removes and returns the first pinned waiter whose counter
// has reached its target, or invalidFiberIndex.
func (tls *threadLocalState) takePinnedFiber() uint32 {
	for i, pinned := range tls.pinnedTasks {
		if pinned.counter.Load() != pinned.targetValue {
			continue
		}
		tls.pinnedTasks = append(tls.pinnedTasks[:i], tls.pinnedTasks[i+1:]...)
		return pinned.fiberIndex
	}
	return invalidFiberIndex
}

// takeReadyFiber removes and returns the first ready fiber whose stored flag
// has been set, or invalidFiberIndex.
func (tls *threadLocalState) takeReadyFiber() uint32 {
	tls.readyLock.Lock()
	defer tls.readyLock.Unlock()

	for i, ready := range tls.readyFibers {
		if !ready.storedFlag.Load() {
			continue
		}
		tls.readyFibers = append(tls.readyFibers[:i], tls.readyFibers[i+1:]...)
		return ready.fiberIndex
	}
	return invalidFiberIndex
}

func (tls *threadLocalState) appendReadyFiber(fiberIndex uint32, storedFlag *atomic.Bool) {
	tls.readyLock.Lock()
	defer tls.readyLock.Unlock()

	tls.readyFibers = append(tls.readyFibers, readyFiber{
		fiberIndex: fiberIndex,
		storedFlag: storedFlag,
	})
}

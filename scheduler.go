// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fibertask

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fibertask/fiber"
)

// A TaskScheduler runs fine-grained tasks on a fixed pool of fibers driven
// by a fixed pool of worker threads. Any task may suspend on an
// AtomicCounter without blocking its worker; the worker immediately picks up
// a fresh fiber and keeps executing tasks.
//
// The scheduler is live only for the duration of Run.
type TaskScheduler struct {
	logger Logger

	fibers     []*fiber.Fiber
	freeFibers []atomic.Bool

	tls        []*threadLocalState
	numThreads uint32

	// workerByGoroutine maps the goroutine id of each running fiber to the
	// index of the worker currently driving it. Updated at every resume
	// point; this is how AddTask and WaitForCounter find the caller's
	// worker.
	workerByGoroutine sync.Map

	initialized atomic.Bool
	quit        atomic.Bool
	running     atomic.Bool

	emptyQueueBehavior EmptyQueueBehavior

	// Workers sleeping under BehaviorSleep park on sleepCond. workSignal is
	// bumped on every notifyWorkAvailable, so a worker that snapshots it
	// before scanning can never miss a wakeup between its scan and its wait.
	sleepLock  sync.Mutex
	sleepCond  *sync.Cond
	workSignal uint64
}

// New creates a scheduler. It does no work until Run is called.
func New(logger Logger) *TaskScheduler {
	return &TaskScheduler{logger: logger}
}

// Run starts the scheduler with the given fiber pool and worker pool,
// executes mainTask on a pool fiber, and blocks until mainTask returns and
// every worker has shut down. A threadPoolSize of zero means one worker per
// available CPU.
func (s *TaskScheduler) Run(fiberPoolSize uint32, mainTask TaskFn, mainArg any, threadPoolSize uint32, behavior EmptyQueueBehavior) error {
	if fiberPoolSize == 0 {
		return ErrZeroFiberPool
	}
	if mainTask == nil {
		return ErrNilMainTask
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.initialized.Store(false)
	s.quit.Store(false)
	s.emptyQueueBehavior = behavior
	s.sleepCond = sync.NewCond(&s.sleepLock)
	s.workSignal = 0

	s.fibers = make([]*fiber.Fiber, fiberPoolSize)
	s.freeFibers = make([]atomic.Bool, fiberPoolSize)
	for i := range s.fibers {
		s.fibers[i] = fiber.New(s.fiberStart)
		s.freeFibers[i].Store(true)
	}

	if threadPoolSize == 0 {
		threadPoolSize = uint32(runtime.GOMAXPROCS(0))
	}
	s.numThreads = threadPoolSize
	if fiberPoolSize < threadPoolSize {
		s.logger.Warn("Fiber pool is smaller than the worker pool; workers will contend for fibers",
			zap.Uint32("fiberPoolSize", fiberPoolSize),
			zap.Uint32("threadPoolSize", threadPoolSize))
	}

	s.tls = make([]*threadLocalState, threadPoolSize)
	for i := range s.tls {
		s.tls[i] = newThreadLocalState()
	}

	// The calling goroutine becomes worker 0.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.setThreadAffinity(0)

	var workers errgroup.Group
	for i := uint32(1); i < s.numThreads; i++ {
		i := i
		workers.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %d panicked: %v", i, r)
				}
			}()
			s.threadStart(i)
			return nil
		})
	}

	// Publishes fibers and tls to the workers spinning in threadStart.
	s.initialized.Store(true)

	s.logger.Info("Scheduler started",
		zap.Uint32("fiberPoolSize", fiberPoolSize),
		zap.Uint32("threadPoolSize", threadPoolSize))

	// Claim a free fiber, repurpose it to run the main task, and jump in.
	// The calling goroutine parks on its thread fiber until shutdown.
	mainFiberIndex := s.getNextFreeFiberIndex()
	s.fibers[mainFiberIndex].Reset(func(worker uint32) {
		s.mainFiberStart(worker, mainTask, mainArg)
	})
	tls := s.tls[0]
	tls.currentFiberIndex = mainFiberIndex
	tls.threadFiber.SwitchTo(s.fibers[mainFiberIndex], 0)

	// And we're back: worker 0 has shut down. Wait for the rest.
	if err := workers.Wait(); err != nil {
		return err
	}

	// Unblock the goroutines of fibers still parked in the pool.
	for i := range s.fibers {
		s.fibers[i].Release()
	}
	s.fibers = nil
	s.freeFibers = nil
	s.tls = nil
	s.workerByGoroutine.Range(func(key, _ any) bool {
		s.workerByGoroutine.Delete(key)
		return true
	})

	s.logger.Info("Scheduler stopped")
	return nil
}

// threadStart is the entry point of every worker but worker 0.
func (s *TaskScheduler) threadStart(index uint32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.setThreadAffinity(index)

	for !s.initialized.Load() {
		runtime.Gosched()
	}

	s.logger.Debug("Worker started", zap.Uint32("worker", index))

	tls := s.tls[index]
	tls.currentFiberIndex = s.getNextFreeFiberIndex()
	tls.threadFiber.SwitchTo(s.fibers[tls.currentFiberIndex], index)

	// The dispatcher switched back: the quit flag is set and this worker is
	// done.
	s.logger.Debug("Worker stopped", zap.Uint32("worker", index))
}

// mainFiberStart runs the user's main task and then initiates shutdown.
func (s *TaskScheduler) mainFiberStart(worker uint32, mainTask TaskFn, mainArg any) {
	s.setCurrentWorker(worker)

	mainTask(s, mainArg)

	s.quit.Store(true)
	s.notifyWorkAvailable()

	// The main fiber may have migrated through counter waits; shut down the
	// worker it last resumed on.
	worker, _ = s.currentWorker()
	tls := s.tls[worker]
	s.fibers[tls.currentFiberIndex].Finish(tls.threadFiber, worker)
}

// fiberStart is the dispatcher loop run by every pool fiber.
func (s *TaskScheduler) fiberStart(worker uint32) {
	s.setCurrentWorker(worker)

	// A fiber fresh from the pool may owe a hand-off for the fiber that
	// switched into it.
	s.cleanUpOldFiber(worker)

	for !s.quit.Load() {
		tls := s.tls[worker]

		var signal uint64
		if s.emptyQueueBehavior == BehaviorSleep {
			signal = s.workGeneration()
		}

		// Pinned waiters first: they may only ever resume here.
		waitingFiberIndex := tls.takePinnedFiber()
		if waitingFiberIndex == invalidFiberIndex {
			waitingFiberIndex = tls.takeReadyFiber()
		}

		if waitingFiberIndex != invalidFiberIndex {
			tls.oldFiberIndex = tls.currentFiberIndex
			tls.oldFiberDestination = destinationToPool
			tls.currentFiberIndex = waitingFiberIndex

			worker = s.switchFibers(tls.oldFiberIndex, waitingFiberIndex, worker)

			s.cleanUpOldFiber(worker)
			continue
		}

		var bundle taskBundle
		if !s.getNextTask(worker, &bundle) {
			switch s.emptyQueueBehavior {
			case BehaviorYield:
				runtime.Gosched()
			case BehaviorSleep:
				s.sleepUntilWork(signal)
			}
			continue
		}

		bundle.task.Fn(s, bundle.task.Arg)
		// The task may have waited on a counter and been resumed on another
		// worker; carry on as the worker now driving this fiber.
		worker, _ = s.currentWorker()
		if bundle.counter != nil {
			bundle.counter.FetchSub(1)
		}
	}

	// Quit: hand the worker back to its thread fiber. This fiber is never
	// resumed; its goroutine exits here.
	tls := s.tls[worker]
	s.fibers[tls.currentFiberIndex].Finish(tls.threadFiber, worker)
}

// switchFibers transfers the calling worker to the fiber at index to and
// parks the fiber at index from. It returns the index of the worker the
// parked fiber is eventually resumed on.
func (s *TaskScheduler) switchFibers(from, to, worker uint32) uint32 {
	worker = s.fibers[from].SwitchTo(s.fibers[to], worker)
	s.setCurrentWorker(worker)
	return worker
}

// cleanUpOldFiber retires the pending hand-off of the given worker.
//
// A fiber cannot return itself to the pool, or publish itself as resumable,
// before switching away: another worker could claim it while its frame is
// still live. The hand-off is recorded in the worker's state and performed
// here, by the next fiber to run, which only happens after the source fiber
// has fully suspended.
func (s *TaskScheduler) cleanUpOldFiber(worker uint32) {
	tls := s.tls[worker]
	switch tls.oldFiberDestination {
	case destinationToPool:
		s.freeFibers[tls.oldFiberIndex].Store(true)
	case destinationToWaiting:
		tls.oldFiberStoredFlag.Store(true)
		tls.oldFiberStoredFlag = nil
		// A worker that saw the ready entry with a false flag may have gone
		// to sleep on it.
		s.notifyWorkAvailable()
	case destinationNone:
		return
	}
	tls.oldFiberDestination = destinationNone
	tls.oldFiberIndex = invalidFiberIndex
}

// getNextFreeFiberIndex claims a free pool slot, scanning until one frees
// up. The CAS is the sole authority on ownership; exhaustion spins with a
// warning after ten full passes.
func (s *TaskScheduler) getNextFreeFiberIndex() uint32 {
	for pass := 0; ; pass++ {
		for i := range s.freeFibers {
			if !s.freeFibers[i].Load() {
				continue
			}
			if s.freeFibers[i].CompareAndSwap(true, false) {
				return uint32(i)
			}
		}
		if pass == 10 {
			s.logger.Warn("No free fibers in the pool, possible deadlock")
		}
		runtime.Gosched()
	}
}

// getNextTask pops from the worker's own queue, then tries to steal from
// the other workers in round-robin starting at the last successful offset.
func (s *TaskScheduler) getNextTask(worker uint32, out *taskBundle) bool {
	tls := s.tls[worker]
	if tls.taskQueue.Pop(out) {
		return true
	}

	offset := tls.lastSuccessfulSteal
	for i := uint32(0); i < s.numThreads; i++ {
		victim := (offset + i) % s.numThreads
		if victim == worker {
			continue
		}
		if s.tls[victim].taskQueue.Steal(out) {
			tls.lastSuccessfulSteal = i
			return true
		}
	}
	return false
}

// AddTask schedules a task on the calling worker's queue. If counter is
// non-nil its value is overwritten to 1 and decremented when the task
// completes.
//
// AddTask must be called from inside a task or the main task; calling it
// from a foreign goroutine returns ErrNotWorkerFiber.
func (s *TaskScheduler) AddTask(task Task, counter *AtomicCounter) error {
	worker, ok := s.currentWorker()
	if !ok {
		s.logger.Warn("AddTask called from outside a scheduler fiber")
		return ErrNotWorkerFiber
	}

	if counter != nil {
		counter.Store(1)
	}
	s.tls[worker].taskQueue.Push(taskBundle{task: task, counter: counter})
	s.notifyWorkAvailable()
	return nil
}

// AddTasks schedules all tasks on the calling worker's queue, sharing one
// counter. If counter is non-nil its value is overwritten to len(tasks).
//
// Like AddTask, it may only be called from inside a task or the main task.
func (s *TaskScheduler) AddTasks(tasks []Task, counter *AtomicCounter) error {
	worker, ok := s.currentWorker()
	if !ok {
		s.logger.Warn("AddTasks called from outside a scheduler fiber")
		return ErrNotWorkerFiber
	}

	if counter != nil {
		counter.Store(int64(len(tasks)))
	}
	tls := s.tls[worker]
	for _, task := range tasks {
		tls.taskQueue.Push(taskBundle{task: task, counter: counter})
	}
	s.notifyWorkAvailable()
	return nil
}

// WaitForCounter returns once counter's value equals targetValue. If the
// value is already there, it returns without a fiber switch. Otherwise the
// calling fiber parks, the worker takes over a fresh pool fiber, and the
// parked fiber resumes when the counter reaches the target.
//
// With pinToCurrentThread the fiber resumes on the same worker it parked
// on; otherwise it is resumed by whichever worker drives the counter past
// the target.
//
// WaitForCounter must be called from inside a task or the main task.
func (s *TaskScheduler) WaitForCounter(counter *AtomicCounter, targetValue int64, pinToCurrentThread bool) {
	// Fast out.
	if counter.Load() == targetValue {
		return
	}

	worker, ok := s.currentWorker()
	if !ok {
		s.logger.Error("WaitForCounter called from outside a scheduler fiber")
		panic(ErrNotWorkerFiber)
	}

	tls := s.tls[worker]
	currentFiberIndex := tls.currentFiberIndex

	// Claim the fiber that takes over this worker.
	freeFiberIndex := s.getNextFreeFiberIndex()

	if pinToCurrentThread {
		// The parked fiber stays visible only to this worker; the pinned
		// list is what keeps it reachable, so no hand-off fires.
		tls.pinnedTasks = append(tls.pinnedTasks, pinnedWait{
			fiberIndex:  currentFiberIndex,
			counter:     counter,
			targetValue: targetValue,
		})
		tls.oldFiberDestination = destinationNone
		tls.oldFiberIndex = invalidFiberIndex
	} else {
		storedFlag := new(atomic.Bool)
		if counter.AddFiberToWaitingList(currentFiberIndex, targetValue, storedFlag) {
			// The counter hit the target while we were registering. Return
			// the claimed fiber and carry on without switching.
			s.freeFibers[freeFiberIndex].Store(true)
			return
		}
		tls.oldFiberIndex = currentFiberIndex
		tls.oldFiberDestination = destinationToWaiting
		tls.oldFiberStoredFlag = storedFlag
	}
	tls.currentFiberIndex = freeFiberIndex

	worker = s.switchFibers(currentFiberIndex, freeFiberIndex, worker)

	// And we're back, possibly on another worker.
	s.cleanUpOldFiber(worker)
}

// addReadyFiber hands a woken waiter to the calling worker's ready list. If
// the caller is not a worker fiber (a counter driven from outside the
// scheduler), the waiter is routed to worker 0; any worker's ready list is
// legal for a non-pinned waiter.
func (s *TaskScheduler) addReadyFiber(fiberIndex uint32, storedFlag *atomic.Bool) {
	worker, ok := s.currentWorker()
	if !ok {
		worker = 0
	}
	s.tls[worker].appendReadyFiber(fiberIndex, storedFlag)
}

// CurrentThreadIndex reports the index of the worker driving the calling
// fiber. ok is false when the caller is not running on a scheduler fiber.
func (s *TaskScheduler) CurrentThreadIndex() (index uint32, ok bool) {
	return s.currentWorker()
}

func (s *TaskScheduler) setCurrentWorker(worker uint32) {
	s.workerByGoroutine.Store(goid.Get(), worker)
}

func (s *TaskScheduler) currentWorker() (uint32, bool) {
	worker, ok := s.workerByGoroutine.Load(goid.Get())
	if !ok {
		return 0, false
	}
	return worker.(uint32), true
}

// notifyWorkAvailable wakes workers sleeping under BehaviorSleep. A no-op
// for the other behaviors.
func (s *TaskScheduler) notifyWorkAvailable() {
	if s.emptyQueueBehavior != BehaviorSleep {
		return
	}
	s.sleepLock.Lock()
	s.workSignal++
	s.sleepCond.Broadcast()
	s.sleepLock.Unlock()
}

func (s *TaskScheduler) workGeneration() uint64 {
	s.sleepLock.Lock()
	defer s.sleepLock.Unlock()
	return s.workSignal
}

// sleepUntilWork parks the worker until the work generation moves past the
// snapshot taken before its scan, so a signal racing the scan is never
// lost.
func (s *TaskScheduler) sleepUntilWork(signal uint64) {
	s.sleepLock.Lock()
	defer s.sleepLock.Unlock()

	for s.workSignal == signal && !s.quit.Load() {
		s.sleepCond.Wait()
	}
}

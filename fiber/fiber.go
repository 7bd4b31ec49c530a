// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fiber provides a cooperative execution context backed by a parked
// goroutine. A scheduler worker drives exactly one fiber at a time; control
// is transferred between fibers with SwitchTo, which carries the index of
// the driving worker so a fiber that migrates between workers always knows
// who is running it.
package fiber

import "runtime"

// A Fiber is a user-space execution context. Its goroutine is parked on an
// unbuffered channel whenever the fiber is not being driven by a worker.
// The value sent over the channel is the index of the worker that now owns
// the fiber.
type Fiber struct {
	resume chan uint32
	entry  func(worker uint32)
}

// New creates a fiber whose goroutine is parked until the first switch to
// it, at which point it runs entry with the worker index it was resumed on.
func New(entry func(worker uint32)) *Fiber {
	f := &Fiber{
		resume: make(chan uint32),
		entry:  entry,
	}
	go f.main()
	return f
}

// NewThreadFiber returns a context with no goroutine of its own. It is used
// to park the goroutine that entered the scheduler on a worker, so that a
// pool fiber can switch back to it on shutdown.
func NewThreadFiber() *Fiber {
	return &Fiber{resume: make(chan uint32)}
}

func (f *Fiber) main() {
	worker, ok := <-f.resume
	if !ok {
		return
	}
	f.entry(worker)
}

// Reset repurposes a fiber that has never been resumed with a new entry
// point. Calling Reset on a fiber that has already started races with its
// own goroutine.
func (f *Fiber) Reset(entry func(worker uint32)) {
	f.entry = entry
}

// SwitchTo wakes other on the calling worker and parks the calling fiber.
// It returns when some worker switches back to the calling fiber, yielding
// the index of that worker, which may differ from the one the fiber parked
// on. If the fiber is released while parked, the calling goroutine exits.
func (f *Fiber) SwitchTo(other *Fiber, worker uint32) uint32 {
	other.resume <- worker
	next, ok := <-f.resume
	if !ok {
		runtime.Goexit()
	}
	return next
}

// Finish wakes other and returns without parking. The calling fiber is
// never resumed again; its goroutine is expected to fall off its entry
// function afterwards.
func (f *Fiber) Finish(other *Fiber, worker uint32) {
	other.resume <- worker
}

// Release permanently unblocks a parked fiber so its goroutine can exit.
// Only valid once no switch to the fiber can occur anymore.
func (f *Fiber) Release() {
	close(f.resume)
}

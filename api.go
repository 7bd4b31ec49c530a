// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fibertask

import (
	"errors"

	"go.uber.org/zap"
)

type Logger interface {
	// Log that a fatal error has occurred. The program should likely exit soon
	// after this is called
	Fatal(msg string, fields ...zap.Field)
	// Log that an error has occurred. The program should be able to recover
	// from this error
	Error(msg string, fields ...zap.Field)
	// Log that an event has occurred that may indicate a future error or
	// vulnerability
	Warn(msg string, fields ...zap.Field)
	// Log an event that may be useful for a user to see to measure the progress
	// of the scheduler
	Info(msg string, fields ...zap.Field)
	// Log an event that may be useful for understanding the order of the
	// execution of the scheduler
	Trace(msg string, fields ...zap.Field)
	// Log an event that may be useful for a programmer to see when debuging the
	// execution of the scheduler
	Debug(msg string, fields ...zap.Field)
	// Log extremely detailed events that can be useful for inspecting every
	// aspect of the program
	Verbo(msg string, fields ...zap.Field)
}

// TaskFn is the signature of user work executed by the scheduler. The
// scheduler running the task is passed explicitly so that tasks can spawn
// further tasks and wait on counters.
type TaskFn func(s *TaskScheduler, arg any)

// A Task is a unit of work executed to completion on some fiber.
type Task struct {
	Fn  TaskFn
	Arg any
}

// EmptyQueueBehavior selects what a worker does when it finds no runnable
// fiber and no task to pop or steal.
type EmptyQueueBehavior uint8

const (
	// BehaviorSpin busy-loops until work appears. Lowest wakeup latency,
	// burns a core per idle worker.
	BehaviorSpin EmptyQueueBehavior = iota
	// BehaviorYield yields the worker to the runtime between scans.
	BehaviorYield
	// BehaviorSleep parks the worker until new tasks are added or a counter
	// makes progress.
	BehaviorSleep
)

var (
	// ErrZeroFiberPool is returned by Run when the fiber pool size is zero.
	ErrZeroFiberPool = errors.New("fiber pool size must be positive")

	// ErrNilMainTask is returned by Run when no main task is given.
	ErrNilMainTask = errors.New("main task must not be nil")

	// ErrAlreadyRunning is returned by Run when the scheduler is already
	// running.
	ErrAlreadyRunning = errors.New("scheduler is already running")

	// ErrNotWorkerFiber is returned when an operation that must run inside a
	// scheduler fiber is invoked from a foreign goroutine.
	ErrNotWorkerFiber = errors.New("caller is not running on a scheduler fiber")
)

// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build linux

package fibertask

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// setThreadAffinity pins the calling OS thread to a core chosen by worker
// index. The caller must have locked the goroutine to its thread first.
func (s *TaskScheduler) setThreadAffinity(worker uint32) {
	var set unix.CPUSet
	set.Set(int(worker) % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		s.logger.Debug("failed to set thread affinity",
			zap.Uint32("worker", worker),
			zap.Error(err))
	}
}

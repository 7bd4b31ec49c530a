// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !linux

package fibertask

func (s *TaskScheduler) setThreadAffinity(uint32) {}

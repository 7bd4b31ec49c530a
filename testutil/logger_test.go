// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSilence(t *testing.T) {
	silenced := MakeLogger(t)
	loud := MakeLogger(t)

	silenced.Silence()

	silenced.Intercept(func(entry zapcore.Entry) error {
		t.Fatal("shouldn't be logged")
		return nil
	})

	var c int

	loud.Intercept(func(entry zapcore.Entry) error {
		c++
		return nil
	})

	silenced.Debug("Debug message")
	silenced.Info("Info message")

	loud.Debug("Debug message")
	loud.Info("Info message")

	require.Equal(t, 2, c)
}

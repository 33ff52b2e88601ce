// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToDefaultsOnZero(t *testing.T) {
	iv := New(0, 0, 0, 0)
	require.Equal(t, DefaultStatsWindow, iv.StatsWindow())
	require.Equal(t, DefaultIdlePollInterval, iv.IdlePollInterval())
	require.Equal(t, DefaultDeferredIdleInterval, iv.DeferredIdleInterval())
	require.Equal(t, DefaultGPUEntryTTL, iv.GPUEntryTTL())
}

func TestNewKeepsExplicitValues(t *testing.T) {
	iv := New(time.Minute, time.Second, 5*time.Millisecond, time.Hour)
	require.Equal(t, time.Minute, iv.StatsWindow())
	require.Equal(t, time.Second, iv.IdlePollInterval())
	require.Equal(t, 5*time.Millisecond, iv.DeferredIdleInterval())
	require.Equal(t, time.Hour, iv.GPUEntryTTL())
}

func TestKTimeUnixNanoAppliesBootTimeOffset(t *testing.T) {
	bootTimeUnixNano.Store(1_000)
	defer bootTimeUnixNano.Store(0)

	require.Equal(t, int64(1_500), KTime(500).UnixNano())
}

func TestStartRealtimeSyncStoresBootTimeOffset(t *testing.T) {
	done := make(chan struct{})
	StartRealtimeSync(done, time.Millisecond)
	require.NotZero(t, bootTimeUnixNano.Load())
	close(done)
}

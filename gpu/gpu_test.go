// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/util"
)

type recordingListener struct {
	nullListener
	jobs []jobCall
}

type jobCall struct {
	submit, schedule, signal, context, seqno uint64
	tid                                       util.TID
}

func (r *recordingListener) OnGPUJob(submit, schedule, signal, context, seqno uint64, tid util.TID) {
	r.jobs = append(r.jobs, jobCall{submit, schedule, signal, context, seqno, tid})
}

func TestCorrelatorJoinsAllThreeLegs(t *testing.T) {
	out := &recordingListener{}
	c, err := New(16, time.Minute, out)
	require.NoError(t, err)

	c.Observe(TracepointSubmit, 1, 100, 42, 1000)
	require.Empty(t, out.jobs, "must not emit before all three legs arrive")

	c.Observe(TracepointSchedule, 1, 100, 42, 1100)
	require.Empty(t, out.jobs)

	c.Observe(TracepointSignal, 1, 100, 42, 1200)
	require.Len(t, out.jobs, 1)
	require.Equal(t, jobCall{1000, 1100, 1200, 1, 100, 42}, out.jobs[0])
	require.Equal(t, 0, c.Len(), "completed job must be removed from the cache")
}

func TestCorrelatorDoesNotConfuseDistinctJobs(t *testing.T) {
	out := &recordingListener{}
	c, err := New(16, time.Minute, out)
	require.NoError(t, err)

	c.Observe(TracepointSubmit, 1, 100, 1, 10)
	c.Observe(TracepointSubmit, 1, 200, 2, 20)
	c.Observe(TracepointSchedule, 1, 100, 1, 30)
	c.Observe(TracepointSchedule, 1, 200, 2, 40)
	c.Observe(TracepointSignal, 1, 200, 2, 50)
	require.Len(t, out.jobs, 1)
	require.Equal(t, uint64(200), out.jobs[0].seqno)

	c.Observe(TracepointSignal, 1, 100, 1, 60)
	require.Len(t, out.jobs, 2)
	require.Equal(t, uint64(100), out.jobs[1].seqno)
}

func TestCorrelatorExpiresIncompleteEntries(t *testing.T) {
	out := &recordingListener{}
	c, err := New(16, time.Millisecond, out)
	require.NoError(t, err)

	c.Observe(TracepointSubmit, 1, 100, 42, 1000)
	require.Equal(t, 1, c.Len())

	time.Sleep(5 * time.Millisecond)
	c.PurgeExpired()
	require.Equal(t, 0, c.Len())

	// the late schedule/signal legs arrive after expiry and start a fresh,
	// now-incomplete entry rather than resurrecting the dropped one.
	c.Observe(TracepointSchedule, 1, 100, 42, 2000)
	c.Observe(TracepointSignal, 1, 100, 42, 3000)
	require.Len(t, out.jobs, 0)
}

// nullListener implements listener.Listener with no-ops, so tests only
// override the method under test.
type nullListener struct{}

func (nullListener) OnTID(util.TID)                                    {}
func (nullListener) OnContextSwitchIn(util.TID, int, uint64)           {}
func (nullListener) OnContextSwitchOut(util.TID, int, uint64)          {}
func (nullListener) OnCallstack(util.TID, uint64, []listener.Frame)    {}
func (nullListener) OnFunctionCall(util.TID, listener.FunctionID, uint64, uint64) {}
func (nullListener) OnGPUJob(uint64, uint64, uint64, uint64, uint64, util.TID)    {}
func (nullListener) OnLost(string, uint64)                             {}

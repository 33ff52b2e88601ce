// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/linuxtracer/proctracer/util"
)

// ListThreads enumerates the currently live threads of pid by reading
// /proc/<pid>/task, used by the tracer's enable phase to emit an initial
// TID-live notification per thread.
func ListThreads(pid util.PID) ([]util.TID, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("list threads of pid %d: %w", pid, err)
	}
	tids := make([]util.TID, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, util.TID(tid))
	}
	return tids, nil
}

// Comm reads the thread name (comm) of tid within pid's thread group.
// tracer.notifyThreadName forwards the result through the listener's
// optional OnThreadName callback.
func Comm(pid util.PID, tid util.TID) (string, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", pid, tid))
	if err != nil {
		return "", fmt.Errorf("read comm for tid %d: %w", tid, err)
	}
	return strings.TrimRight(string(buf), "\n"), nil
}

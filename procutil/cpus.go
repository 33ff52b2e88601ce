// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package procutil resolves the small amount of /proc and /sys state the
// tracer engine's open phase needs: the set of online cpus, the cpuset a
// target process is restricted to, and its live threads.
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/linuxtracer/proctracer/util"
)

// OnlineCPUs reads the online cpus from /sys/devices/system/cpu/online and
// reports them as a list of integers (spec.md §4.D step 1: "all-cpus").
func OnlineCPUs() ([]int, error) {
	buf, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, fmt.Errorf("read online cpus: %w", err)
	}
	return parseCPURange(string(buf))
}

// CPUSet resolves the cpus pid's cgroup restricts it to, by reading
// cpuset.cpus.effective from the cgroup v2 hierarchy the pid belongs to.
// If the cgroup cpuset cannot be resolved (cgroup v1 host, missing
// controller, permission error), it falls back to allCPUs, matching
// spec.md §4.D step 1 and the boundary behavior in spec.md §8
// ("Empty cpuset -> fall back to all-cpus and continue").
func CPUSet(pid util.PID, allCPUs []int) []int {
	path, err := cgroupPath(pid)
	if err != nil {
		return allCPUs
	}
	buf, err := os.ReadFile("/sys/fs/cgroup" + path + "/cpuset.cpus.effective")
	if err != nil {
		return allCPUs
	}
	cpus, err := parseCPURange(string(buf))
	if err != nil || len(cpus) == 0 {
		return allCPUs
	}
	return cpus
}

// cgroupPath reads the unified (cgroup v2) path for pid from
// /proc/<pid>/cgroup, whose single-hierarchy line has the form "0::/<path>".
func cgroupPath(pid util.PID) (string, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			return rest, nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry for pid %d", pid)
}

// parseCPURange parses a comma-separated list of single cpu ids and/or
// ranges ("0-3,7,9-11"), the format used by every cpu-list file under
// /sys and /proc. See the kernel's cpulist_parse().
func parseCPURange(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		bounds := strings.SplitN(part, "-", 2)
		first, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("parse cpu range %q: %w", s, err)
		}
		if len(bounds) == 1 {
			cpus = append(cpus, first)
			continue
		}
		last, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("parse cpu range %q: %w", s, err)
		}
		for n := first; n <= last; n++ {
			cpus = append(cpus, n)
		}
	}
	return cpus, nil
}

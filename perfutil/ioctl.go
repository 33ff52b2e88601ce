// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Enable arms fd so it starts producing records/counting.
func Enable(fd int) error {
	return ioctlNoArg(fd, unix.PERF_EVENT_IOC_ENABLE, "PERF_EVENT_IOC_ENABLE")
}

// Disable stops fd from producing further records.
func Disable(fd int) error {
	return ioctlNoArg(fd, unix.PERF_EVENT_IOC_DISABLE, "PERF_EVENT_IOC_DISABLE")
}

// Redirect makes fd deliver its records into targetFd's ring buffer instead
// of mmapping its own, implementing the "share one ring buffer per cpu"
// scheme in spec.md §4.D step 5.
func Redirect(fd, targetFd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.PERF_EVENT_IOC_SET_OUTPUT, uintptr(targetFd))
	if errno != 0 {
		return fmt.Errorf("PERF_EVENT_IOC_SET_OUTPUT: %w", errno)
	}
	return nil
}

func ioctlNoArg(fd int, req uintptr, name string) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return fmt.Errorf("%s: %w", name, errno)
	}
	return nil
}

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/linuxtracer/proctracer/perfutil"
)

// closeAll disables every opened fd, unmaps every ring buffer, then closes
// every fd. It is safe to call on a partially
// constructed Tracer, since New uses it as the rollback path for a failure
// that occurs after some fds have already been opened.
func (t *Tracer) closeAll() error {
	if t.realtimeSyncDone != nil {
		close(t.realtimeSyncDone)
		t.realtimeSyncDone = nil
	}

	for _, fd := range t.allFDs {
		if err := perfutil.Disable(fd); err != nil {
			log.WithError(err).Debugf("tracer: disable fd %d failed during close", fd)
		}
	}

	for _, r := range t.rings {
		if err := r.rb.Close(); err != nil {
			log.WithError(err).Warnf("tracer: failed to unmap ring buffer %s", r.rb.Name())
		}
	}

	var firstErr error
	for _, fd := range t.allFDs {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracer: close fd %d: %w", fd, err)
		}
	}
	return firstErr
}

// Package poll implements the socket waiter: the single place where the
// library blocks for real, waiting until a raw descriptor is ready or a
// timeout elapses.
package poll

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the descriptor did not become ready in time.
var ErrTimeout = errors.New("poll: wait timed out")

// Wait blocks until fd is ready in the requested direction(s) or timeout
// elapses. A negative timeout performs a single non-blocking readiness
// probe. POLLERR/POLLHUP count as ready: the caller's next protocol call
// discovers the failure.
func Wait(fd uintptr, read, write bool, timeout time.Duration) error {
	var events int16
	if read {
		events |= unix.POLLIN | unix.POLLPRI
	}
	if write {
		events |= unix.POLLOUT
	}
	if events == 0 {
		events = unix.POLLIN | unix.POLLOUT
	}

	deadline := time.Now().Add(timeout)
	for {
		ms := 0
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
			ms = int(remaining / time.Millisecond)
			if ms == 0 {
				ms = 1
			}
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			if timeout < 0 {
				return ErrTimeout
			}
			continue
		}
		return nil
	}
}

// Package fence implements the opaque sync-fence handle producers and
// consumers exchange alongside buffers (spec §3.1, §6.3). A fence is
// backed by an eventfd: the signaling side (whichever HAL finished
// rendering or presenting) writes to it, and Wait polls for readability
// with a timeout, mirroring OH_NativeFence_Wait's fd/timeoutMs contract.
package fence

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// InvalidFd is the sentinel fd value meaning "no fence" (spec §3.1's
// acquireFence/releaseFence default), matching the HAL's -1 convention.
const InvalidFd = -1

// Fence wraps an fd-based synchronization primitive. The zero value is
// not valid; use New or Wrap.
type Fence struct {
	fd     int
	closed bool
}

// New creates an unsignaled fence backed by a fresh eventfd.
func New() (*Fence, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("fence: eventfd: %w", err)
	}
	return &Fence{fd: fd}, nil
}

// Wrap adopts an existing fd as a fence (e.g. one received over IPC).
// A negative fd produces a Fence whose IsValid reports false.
func Wrap(fd int) *Fence {
	return &Fence{fd: fd}
}

// Fd returns the underlying file descriptor, or InvalidFd if none.
func (f *Fence) Fd() int {
	if f == nil {
		return InvalidFd
	}
	return f.fd
}

// IsValid reports whether the fence carries a real fd.
func (f *Fence) IsValid() bool {
	return f != nil && f.fd >= 0 && !f.closed
}

// Signal marks the fence as satisfied by writing to the backing eventfd.
// Only valid for fences created with New.
func (f *Fence) Signal() error {
	if !f.IsValid() {
		return fmt.Errorf("fence: signal on invalid fence")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(f.fd, buf[:])
	return err
}

// Close releases the fence's fd. Idempotent.
func (f *Fence) Close() error {
	if f == nil || f.closed || f.fd < 0 {
		return nil
	}
	f.closed = true
	return unix.Close(f.fd)
}

// Wait blocks until the fence is signaled or timeout elapses. A zero
// timeout polls the current state without blocking; a negative timeout
// blocks until the fence is signaled. A
// fence with no fd (InvalidFd) is treated as already satisfied, matching
// the HAL convention that "-1" means "no synchronization needed".
func (f *Fence) Wait(timeout time.Duration) bool {
	if !f.IsValid() {
		return true
	}

	timeoutMs := int(timeout / time.Millisecond)
	if timeout < 0 {
		timeoutMs = -1
	}

	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0
	}
}

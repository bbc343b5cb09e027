package cdev

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device wraps an open firewire-cdev file descriptor and issues the raw
// ioctl(2)/read(2) calls the rest of this library builds on. It carries no
// policy of its own — Node owns the cached ROM, generation tracking and
// dispatch; Device is deliberately as thin as the teacher's raw-syscall
// internal/uring/minimal.go, which the same "no abstraction beyond the
// syscall boundary" discipline is drawn from.
type Device struct {
	fd int
}

// Open opens path read-write, forcing O_RDONLY off as the original does
// (read-only is never sufficient: SEND_REQUEST/SEND_RESPONSE/ALLOCATE all
// require write access to the descriptor).
func Open(path string, flags int) (*Device, error) {
	fd, err := unix.Open(path, flags|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open(%s): %w", path, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Fd() int { return d.fd }

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Ioctl issues the given request with args pointing at a kernel-matching
// struct from this package. Errors are returned as syscall.Errno so callers
// can map them through the shared error taxonomy.
func (d *Device) Ioctl(req uintptr, args unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(args))
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadEvent reads exactly one event into buf and returns the number of bytes
// read. The event loop contract (§4.1) requires one event per syscall: the
// kernel's internal queue model loses events if userspace reads in chunks
// larger than necessary, so callers must never attempt to batch reads.
func (d *Device) ReadEvent(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write issues write(2), used by the EFW executor's hwdep counterpart and
// kept here for symmetry with Device's read path.
func (d *Device) Write(buf []byte) (int, error) {
	return unix.Write(d.fd, buf)
}

// Poll waits for the descriptor to become readable or to report an error
// condition, with the same semantics as the original's GSource
// check/dispatch pair: POLLIN means an event is ready, POLLERR means the
// node is gone. See SPEC_FULL.md §11 for why this uses unix.Poll directly
// rather than routing through an io_uring ring.
func (d *Device) Poll(timeoutMs int) (readable bool, hup bool, err error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return false, true, nil
	}
	return fds[0].Revents&unix.POLLIN != 0, false, nil
}

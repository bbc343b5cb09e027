package hwdep

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device wraps an open ALSA firewire hwdep file descriptor. Like
// internal/cdev.Device, it carries no EFW-specific policy: sequence number
// allocation, category/command encoding and response matching belong to the
// EFW executor in the root package, not to this transport shim.
type Device struct {
	fd int
}

// Open opens path (typically /dev/snd/hwdepN) read-write.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
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

// GetInfo issues SNDRV_FIREWIRE_IOCTL_GET_INFO and returns the decoded
// result.
func (d *Device) GetInfo() (*GetInfo, error) {
	var info GetInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), IocGetInfo, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return nil, errno
	}
	return &info, nil
}

// Write sends a request frame to the kernel, which forwards it to the
// device as an EFW request transaction.
func (d *Device) Write(frame []byte) (int, error) {
	return unix.Write(d.fd, frame)
}

// Read reads one coalesced batch of EFW response bytes. The caller must
// split buf[:n] into individual frames using each frame's own length field,
// since the kernel may deliver more than one response per read(2).
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Poll waits for the descriptor to become readable.
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

package fw1394fake

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/alsa-project/go-fw1394/internal/hwdep"
)

// FakeHwdep simulates a single /dev/snd/hwdepN descriptor carrying Echo
// Fireworks Transaction frames. The zero value is not usable; construct with
// NewFakeHwdep.
type FakeHwdep struct {
	mu sync.Mutex

	// TransactionHandler, when set, computes the response frame (as raw
	// wire bytes from fw1394.EncodeEFWFrame) for each request frame Write
	// delivers. When nil, Write records the request and no response is ever
	// queued, leaving the caller to time out — useful for testing the
	// timeout path deliberately.
	TransactionHandler func(requestFrame []byte) (responseFrame []byte)

	WrittenFrames [][]byte

	queue  [][]byte
	signal chan struct{}
	closed bool
}

// NewFakeHwdep creates a fake hwdep descriptor.
func NewFakeHwdep() *FakeHwdep {
	return &FakeHwdep{signal: make(chan struct{}, 1)}
}

func (f *FakeHwdep) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// InjectResponse queues a raw EFW response frame wrapped in a hwdep event
// envelope, as if the kernel delivered it unsolicited (e.g. to test matching
// against a sequence number the test picked directly, without going through
// TransactionHandler).
func (f *FakeHwdep) InjectResponse(frame []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, wrapEfwEvent(frame))
	f.mu.Unlock()
	f.wake()
}

func wrapEfwEvent(frame []byte) []byte {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(hwdep.EventTypeEfwResponse))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(frame)))
	return append(header, frame...)
}

func (f *FakeHwdep) Fd() int { return -1 }

func (f *FakeHwdep) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
	return nil
}

// Write delivers a request frame: if TransactionHandler is set, its response
// is queued for the next Read to deliver.
func (f *FakeHwdep) Write(frame []byte) (int, error) {
	f.mu.Lock()
	f.WrittenFrames = append(f.WrittenFrames, append([]byte(nil), frame...))
	handler := f.TransactionHandler
	f.mu.Unlock()

	if handler == nil {
		return len(frame), nil
	}
	resp := handler(frame)
	if resp == nil {
		return len(frame), nil
	}
	f.mu.Lock()
	f.queue = append(f.queue, wrapEfwEvent(resp))
	f.mu.Unlock()
	f.wake()
	return len(frame), nil
}

// Read pops the oldest queued hwdep event into buf.
func (f *FakeHwdep) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, fmt.Errorf("fw1394fake: Read called with no queued event")
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	n := copy(buf, ev)
	return n, nil
}

// Poll reports readable once an event is queued, or hup once the device is
// closed and the queue has drained, blocking up to timeoutMs otherwise.
func (f *FakeHwdep) Poll(timeoutMs int) (readable bool, hup bool, err error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		f.mu.Lock()
		n := len(f.queue)
		closed := f.closed
		f.mu.Unlock()
		if n > 0 {
			return true, false, nil
		}
		if closed {
			return false, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-f.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

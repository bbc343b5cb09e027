// Package fw1394fake provides in-process simulators of the firewire-cdev and
// ALSA hwdep kernel uAPIs, so a test can drive a Node or EFWUnit through the
// same Ioctl/ReadEvent/Write/Poll calls the real descriptors answer, without
// a real FireWire card. FakeCharDevice implements fw1394.CdevDevice;
// FakeHwdep implements fw1394.HwdepDevice.
package fw1394fake

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/alsa-project/go-fw1394/internal/cdev"
)

// SentResponse records one SEND_RESPONSE ioctl issued by a bound Responder,
// for test assertions.
type SentResponse struct {
	Handle uint32
	Rcode  cdev.Rcode
	Data   []byte
}

type reservation struct {
	offset uint64
	length uint32
}

// FakeCharDevice simulates a single /dev/fw* character device. The zero
// value is not usable; construct with NewFakeCharDevice.
type FakeCharDevice struct {
	mu sync.Mutex

	rom    []byte
	reset  cdev.EventBusReset
	cardID uint32

	cycleTimer cdev.GetCycleTimer2

	nextHandle   uint32
	reservations map[uint32]reservation

	// Memory backs the default quadlet/block read/write behavior used when
	// RequestHandler is nil: a sparse byte-addressed store keyed by offset.
	Memory map[uint64]byte

	// RequestHandler, when set, overrides the default Memory-backed
	// behavior for every outgoing SEND_REQUEST ioctl, returning the rcode
	// and response payload (and optional cycle timestamps) to deliver.
	// Returning cdev.RcodeInvalid drops the request on the floor: no
	// response event is ever queued, simulating a peer that never replies.
	RequestHandler func(send cdev.SendRequest, outgoing []byte) (rcode cdev.Rcode, payload []byte, reqTstamp, respTstamp uint32)

	SentResponses []SentResponse

	queue  [][]byte
	signal chan struct{}
	closed bool
}

// NewFakeCharDevice creates a fake character device reporting rom as its
// configuration ROM and cardID as its card index at GET_INFO time.
func NewFakeCharDevice(rom []byte, cardID uint32) *FakeCharDevice {
	return &FakeCharDevice{
		rom:          append([]byte(nil), rom...),
		cardID:       cardID,
		reservations: make(map[uint32]reservation),
		Memory:       make(map[uint64]byte),
		signal:       make(chan struct{}, 1),
	}
}

// SetBusReset seeds the node identities GET_INFO (and any later
// InjectBusReset) report.
func (f *FakeCharDevice) SetBusReset(ids cdev.EventBusReset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = ids
}

// SetCycleTimer seeds the value the next GET_CYCLE_TIMER2 ioctl reports.
func (f *FakeCharDevice) SetCycleTimer(tv time.Time, cycleTimer uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycleTimer.TvSec = tv.Unix()
	f.cycleTimer.TvNsec = int32(tv.Nanosecond())
	f.cycleTimer.CycleTimer = cycleTimer
}

func (f *FakeCharDevice) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *FakeCharDevice) push(buf []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, buf)
	f.mu.Unlock()
	f.wake()
}

// InjectBusReset queues a BUS_RESET event as if the kernel observed a reset
// with the given identities and generation.
func (f *FakeCharDevice) InjectBusReset(ids cdev.EventBusReset) {
	ids.Type = uint32(cdev.EventTypeBusReset)
	f.SetBusReset(ids)
	f.push(encodeStruct(&ids))
}

// InjectRequest queues an inbound REQUEST3 event against handle, the richest
// decodable variant, so a test can exercise a bound Responder without a real
// peer on the bus.
func (f *FakeCharDevice) InjectRequest(handle uint32, tcode cdev.Tcode, offset uint64, srcID, dstID, card, generation, tstamp uint32, payload []byte) {
	ev := cdev.EventRequest3{
		Type:       uint32(cdev.EventTypeRequest3),
		Tcode:      uint32(tcode),
		Offset:     offset,
		SrcNodeID:  srcID,
		DstNodeID:  dstID,
		CardID:     card,
		Generation: generation,
		Handle:     handle,
		Length:     uint32(len(payload)),
		Tstamp:     tstamp,
	}
	buf := encodeStruct(&ev)
	buf = append(buf, payload...)
	f.push(buf)
}

// Close marks the device disconnected: Poll starts reporting hup once the
// queue drains.
func (f *FakeCharDevice) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
	return nil
}

func (f *FakeCharDevice) Fd() int { return -1 }

// Poll reports readable once an event is queued, or hup once the device is
// closed and the queue has drained, blocking up to timeoutMs otherwise.
func (f *FakeCharDevice) Poll(timeoutMs int) (readable bool, hup bool, err error) {
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

// ReadEvent pops the oldest queued event into buf.
func (f *FakeCharDevice) ReadEvent(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, fmt.Errorf("fw1394fake: ReadEvent called with no queued event")
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	n := copy(buf, ev)
	return n, nil
}

// Write is a no-op on the firewire-cdev side; present only to satisfy
// fw1394.CdevDevice's method set, which mirrors the real descriptor's.
func (f *FakeCharDevice) Write(buf []byte) (int, error) { return len(buf), nil }

// Ioctl dispatches req to the matching handler, the same six ioctls Node,
// Requester and Responder issue against a real descriptor.
func (f *FakeCharDevice) Ioctl(req uintptr, args unsafe.Pointer) error {
	switch req {
	case cdev.IocGetInfo:
		return f.ioctlGetInfo((*cdev.GetInfo)(args))
	case cdev.IocSendRequest:
		return f.ioctlSendRequest((*cdev.SendRequest)(args))
	case cdev.IocAllocate:
		return f.ioctlAllocate((*cdev.Allocate)(args))
	case cdev.IocDeallocate:
		return f.ioctlDeallocate((*cdev.Deallocate)(args))
	case cdev.IocSendResponse:
		return f.ioctlSendResponse((*cdev.SendResponse)(args))
	case cdev.IocGetCycleTimer2:
		return f.ioctlGetCycleTimer2((*cdev.GetCycleTimer2)(args))
	default:
		return fmt.Errorf("fw1394fake: unhandled ioctl request %#x", req)
	}
}

func (f *FakeCharDevice) ioctlGetInfo(info *cdev.GetInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.rom)
	if uint32(n) > info.RomLength {
		n = int(info.RomLength)
	}
	if info.Rom != 0 && n > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(info.Rom))), n)
		copy(dst, f.rom[:n])
	}
	info.RomLength = uint32(len(f.rom))
	if info.BusReset != 0 {
		*(*cdev.EventBusReset)(unsafe.Pointer(uintptr(info.BusReset))) = f.reset
	}
	info.CardID = f.cardID
	return nil
}

func (f *FakeCharDevice) ioctlGetCycleTimer2(out *cdev.GetCycleTimer2) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clkID := out.ClkID
	*out = f.cycleTimer
	out.ClkID = clkID
	return nil
}

func (f *FakeCharDevice) ioctlAllocate(alloc *cdev.Allocate) error {
	f.mu.Lock()
	f.nextHandle++
	handle := f.nextHandle
	f.reservations[handle] = reservation{offset: alloc.Offset, length: alloc.Length}
	f.mu.Unlock()
	alloc.Handle = handle
	return nil
}

func (f *FakeCharDevice) ioctlDeallocate(dealloc *cdev.Deallocate) error {
	f.mu.Lock()
	delete(f.reservations, dealloc.Handle)
	f.mu.Unlock()
	return nil
}

func (f *FakeCharDevice) ioctlSendResponse(send *cdev.SendResponse) error {
	var data []byte
	if send.Length > 0 && send.Data != 0 {
		data = append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(uintptr(send.Data))), send.Length)...)
	}
	f.mu.Lock()
	f.SentResponses = append(f.SentResponses, SentResponse{
		Handle: send.Handle,
		Rcode:  cdev.Rcode(send.Rcode),
		Data:   data,
	})
	f.mu.Unlock()
	return nil
}

func (f *FakeCharDevice) ioctlSendRequest(send *cdev.SendRequest) error {
	var outgoing []byte
	if send.Length > 0 && send.Data != 0 {
		outgoing = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(send.Data))), send.Length)
	}

	var rcode cdev.Rcode
	var payload []byte
	var reqTs, respTs uint32 = cdev.UnknownField, cdev.UnknownField

	if f.RequestHandler != nil {
		rcode, payload, reqTs, respTs = f.RequestHandler(*send, outgoing)
		if rcode == cdev.RcodeInvalid {
			return nil
		}
	} else {
		rcode, payload = f.defaultMemoryTransaction(cdev.Tcode(send.Tcode), send.Offset, int(send.Length), outgoing)
	}

	resp := cdev.EventResponse2{
		Type:           uint32(cdev.EventTypeResponse2),
		Closure:        send.Closure,
		Rcode:          uint32(rcode),
		Length:         uint32(len(payload)),
		RequestTstamp:  reqTs,
		ResponseTstamp: respTs,
	}
	buf := encodeStruct(&resp)
	buf = append(buf, payload...)
	f.push(buf)
	return nil
}

// defaultMemoryTransaction implements plain quadlet/block read and write
// against Memory; lock tcodes have no generic semantics and report a type
// error unless RequestHandler is set to implement them.
func (f *FakeCharDevice) defaultMemoryTransaction(tcode cdev.Tcode, offset uint64, length int, outgoing []byte) (cdev.Rcode, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch tcode {
	case cdev.TcodeReadQuadletRequest, cdev.TcodeReadBlockRequest:
		out := make([]byte, length)
		for i := 0; i < length; i++ {
			out[i] = f.Memory[offset+uint64(i)]
		}
		return cdev.RcodeComplete, out

	case cdev.TcodeWriteQuadletRequest, cdev.TcodeWriteBlockRequest:
		for i, b := range outgoing {
			f.Memory[offset+uint64(i)] = b
		}
		return cdev.RcodeComplete, nil

	default:
		return cdev.RcodeTypeError, nil
	}
}

// encodeStruct serializes a fixed-size struct in the kernel's native byte
// order, matching internal/cdev's decode side.
func encodeStruct(v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("fw1394fake: encode %T: %v", v, err))
	}
	return buf.Bytes()
}

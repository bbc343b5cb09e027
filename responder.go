package fw1394

import (
	"sync"
	"unsafe"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/internal/constants"
)

// ResponderHandler is invoked synchronously for each inbound request
// subaction landing inside a Responder's reserved window. It returns the
// rcode to complete the subaction with and an optional response payload
// (for read/lock subactions); srcID, dstID, card, generation and tstamp
// carry constants.UnknownField (or constants.UnknownTimestamp for tstamp)
// when the event variant that delivered them doesn't carry that field.
type ResponderHandler func(tcode cdev.Tcode, offset uint64, srcID, dstID, card, generation, tstamp uint32, payload []byte) (rcode cdev.Rcode, response []byte)

// Responder reserves an address range on a Node and dispatches inbound
// request subactions landing in that range to a user handler.
type Responder struct {
	node *Node

	mu       sync.Mutex
	reserved bool
	offset   uint64
	width    uint32
	handle   uint32

	handler ResponderHandler
}

// NewResponder creates an unreserved Responder with the given handler.
func NewResponder(handler ResponderHandler) *Responder {
	return &Responder{handler: handler}
}

// ReserveWithin asks the kernel to allocate any width-sized window inside
// [regionStart, regionEnd) on node, storing the resulting offset and handle.
func (r *Responder) ReserveWithin(node *Node, regionStart, regionEnd uint64, width uint32) error {
	if err := node.requireOpen("ReserveWithin"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved {
		return NewError("ReserveWithin", ComponentResponder, ErrCodeReserved, "responder already reserved")
	}

	alloc := cdev.Allocate{
		Offset:    regionStart,
		Closure:   uint64(node.allocateClosure()),
		Length:    width,
		RegionEnd: regionEnd,
	}
	if err := node.dev.Ioctl(cdev.IocAllocate, unsafe.Pointer(&alloc)); err != nil {
		if errno, ok := asErrno(err); ok {
			return NewErrorWithErrno("ReserveWithin", ComponentResponder, mapErrnoToCode(ComponentResponder, errno), errno)
		}
		return WrapError("ReserveWithin", ComponentResponder, err)
	}

	r.node = node
	r.offset = alloc.Offset
	r.width = width
	r.handle = alloc.Handle
	r.reserved = true
	node.registerResponder(r.handle, r)
	return nil
}

// ReserveAt is ReserveWithin(addr, addr+width, width): a precise
// reservation at a known address (e.g. the FCP response address).
func (r *Responder) ReserveAt(node *Node, addr uint64, width uint32) error {
	return r.ReserveWithin(node, addr, addr+uint64(width), width)
}

// Release deallocates the reservation and forgets it. Safe to call on an
// unreserved Responder.
func (r *Responder) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reserved {
		return nil
	}
	dealloc := cdev.Deallocate{Handle: r.handle}
	// The original ignores the deallocate ioctl's error; a Responder whose
	// Node has already gone away has nothing useful to report here either.
	_ = r.node.dev.Ioctl(cdev.IocDeallocate, unsafe.Pointer(&dealloc))
	r.node.unregisterResponder(r.handle)
	r.reserved = false
	return nil
}

// Offset returns the reserved address, valid only once Reserved is true.
func (r *Responder) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Reserved reports whether this Responder currently holds a reservation.
func (r *Responder) Reserved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

// handleKernelRequest implements responderRegistration. It is called
// synchronously from the Node's single event-reading goroutine: the
// response buffer's fixed size and zeroing-before-dispatch invariant (§4.3)
// means no cross-request state can leak between calls.
func (r *Responder) handleKernelRequest(node *Node, ev *cdev.DecodedEvent) {
	tcode, offset, length, srcID, dstID, card, generation, tstamp, handle := decodeRequestFields(ev)

	respBuf := make([]byte, r.width)

	if uint32(length) > r.width {
		r.sendResponse(handle, cdev.RcodeConflictError, nil)
		return
	}

	rcode, response := r.handler(tcode, offset, srcID, dstID, card, generation, tstamp, ev.Payload)
	if len(response) > 0 && len(response) <= len(respBuf) {
		n := copy(respBuf, response)
		respBuf = respBuf[:n]
	} else {
		// No payload, or one larger than the reserved width: send none.
		respBuf = respBuf[:0]
	}
	r.sendResponse(handle, rcode, respBuf)
}

func (r *Responder) sendResponse(handle uint32, rcode cdev.Rcode, data []byte) {
	send := cdev.SendResponse{
		Rcode:  uint32(rcode),
		Length: uint32(len(data)),
		Handle: handle,
	}
	if len(data) > 0 {
		send.Data = uint64(uintptr(unsafe.Pointer(&data[0])))
	}
	if err := r.node.dev.Ioctl(cdev.IocSendResponse, unsafe.Pointer(&send)); err != nil {
		r.node.log.Warn("SEND_RESPONSE failed", "handle", handle, "error", err)
	}
}

func decodeRequestFields(ev *cdev.DecodedEvent) (tcode cdev.Tcode, offset uint64, length int, srcID, dstID, card, generation, tstamp uint32, handle uint32) {
	switch ev.Type {
	case cdev.EventTypeRequest:
		e := ev.Request
		return cdev.Tcode(e.Tcode), e.Offset, int(e.Length),
			constants.UnknownField, constants.UnknownField, constants.UnknownField, constants.UnknownField,
			constants.UnknownTimestamp, e.Handle
	case cdev.EventTypeRequest2:
		e := ev.Request2
		return cdev.Tcode(e.Tcode), e.Offset, int(e.Length),
			e.SrcNodeID, e.DstNodeID, e.CardID, e.Generation,
			constants.UnknownTimestamp, e.Handle
	case cdev.EventTypeRequest3:
		e := ev.Request3
		return cdev.Tcode(e.Tcode), e.Offset, int(e.Length),
			e.SrcNodeID, e.DstNodeID, e.CardID, e.Generation,
			e.Tstamp, e.Handle
	default:
		return 0, 0, 0, constants.UnknownField, constants.UnknownField, constants.UnknownField, constants.UnknownField, constants.UnknownTimestamp, 0
	}
}

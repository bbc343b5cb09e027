package fw1394

import (
	"bytes"
	"context"
	"time"
	"unsafe"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/internal/waitset"
)

// Generic tcode sentinels a caller may pass to Request/Transaction instead
// of picking the exact quadlet/block variant themselves; Requester resolves
// these to the real transport tcode from the payload length, per §4.2's
// "computes a transport quadlet encoding from length" rule. They are chosen
// outside the kernel's valid tcode range (which tops out at 0x17) so they
// can never be confused with a real value.
const (
	GenericRead  cdev.Tcode = 0x1000
	GenericWrite cdev.Tcode = 0x1001
)

// Requester issues outbound read/write/lock subactions against a Node and
// blocks the caller until the matching response arrives, the timeout
// expires, or the request is invalidated.
type Requester struct {
	node *Node
}

// NewRequester returns a Requester bound to node.
func NewRequester(node *Node) *Requester {
	return &Requester{node: node}
}

// TransactionResult is the outcome of a completed Requester transaction.
type TransactionResult struct {
	Rcode           uint32
	Data            []byte
	RequestTstamp   uint32
	ResponseTstamp  uint32
}

// PendingRequest is a submitted-but-not-yet-awaited request, returned by
// Request for callers that want to separate submission from waiting.
type PendingRequest struct {
	node    *Node
	entry   *waitset.Entry
	closure uint64
	tcode   cdev.Tcode
	result  TransactionResult
}

// resolveTcode maps a generic sentinel to the real quadlet/block tcode
// implied by length, and validates alignment for the non-generic case.
func resolveTcode(tcode cdev.Tcode, addr uint64, length int) (cdev.Tcode, error) {
	switch tcode {
	case GenericRead:
		if length == 4 {
			return cdev.TcodeReadQuadletRequest, nil
		}
		if length%4 != 0 {
			return 0, NewError("Request", ComponentRequester, ErrCodeInvalid, "block length must be quadlet-aligned")
		}
		return cdev.TcodeReadBlockRequest, nil
	case GenericWrite:
		if length == 4 {
			return cdev.TcodeWriteQuadletRequest, nil
		}
		if length%4 != 0 {
			return 0, NewError("Request", ComponentRequester, ErrCodeInvalid, "block length must be quadlet-aligned")
		}
		return cdev.TcodeWriteBlockRequest, nil
	default:
	}

	if tcode == cdev.TcodeReadQuadletRequest || tcode == cdev.TcodeWriteQuadletRequest {
		if addr%4 != 0 || length != 4 {
			return 0, NewError("Request", ComponentRequester, ErrCodeInvalid, "quadlet transaction requires 4-byte aligned addr and length")
		}
	}
	if cdev.IsLockTcode(tcode) {
		if length%2 != 0 {
			return 0, NewError("Request", ComponentRequester, ErrCodeInvalid, "lock payload must be an even number of bytes (two equal-size operands)")
		}
	}
	return tcode, nil
}

// Request issues a non-blocking submit: it computes the transport tcode,
// validates alignment, registers itself in the Node's outstanding set
// before issuing FW_CDEV_IOC_SEND_REQUEST (enforcing the submission-
// happens-before-completion ordering guarantee in §5), and returns a
// PendingRequest the caller can Wait on.
//
// buf supplies the outgoing payload for write/lock subactions; it is
// ignored (may be nil) for read subactions.
func (rq *Requester) Request(tcode cdev.Tcode, addr uint64, length int, buf []byte, generation uint32) (*PendingRequest, error) {
	if err := rq.node.requireOpen("Request"); err != nil {
		return nil, err
	}

	resolved, err := resolveTcode(tcode, addr, length)
	if err != nil {
		return nil, err
	}

	closure := rq.node.allocateClosure()
	pr := &PendingRequest{node: rq.node, closure: closure, tcode: resolved}
	pr.entry = waitset.NewEntry(pr.match, pr.deliver)

	// Registration happens before the ioctl: see §5's ordering guarantee.
	rq.node.registerOutstanding(pr.entry)

	send := cdev.SendRequest{
		Tcode:      uint32(resolved),
		Length:     uint32(length),
		Offset:     addr,
		Closure:    closure,
		Generation: generation,
	}
	if len(buf) > 0 {
		send.Data = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	if err := rq.node.dev.Ioctl(cdev.IocSendRequest, unsafe.Pointer(&send)); err != nil {
		rq.node.cancelOutstanding(pr.entry)
		if errno, ok := asErrno(err); ok {
			return nil, NewErrorWithErrno("Request", ComponentRequester, mapErrnoToCode(ComponentRequester, errno), errno)
		}
		return nil, WrapError("Request", ComponentRequester, err)
	}

	return pr, nil
}

func (pr *PendingRequest) match(frame []byte) bool {
	return len(frame) >= 8 && bytes.Equal(frame[:8], closureKey(pr.closure))
}

func (pr *PendingRequest) deliver(frame []byte) {
	if frame == nil {
		// Node disconnected: record the invalid-rcode sentinel; Wait sees
		// the Node's disconnected flag and reports ErrCodeDisconnected.
		pr.result = TransactionResult{Rcode: invalidRcodeSentinel}
		return
	}
	pr.result = decodeResponseFrame(frame[8:])
}

const invalidRcodeSentinel = 0xffffffff

func decodeResponseFrame(b []byte) TransactionResult {
	if len(b) < 16 {
		return TransactionResult{Rcode: invalidRcodeSentinel}
	}
	get := func(i int) uint32 {
		return uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3])
	}
	return TransactionResult{
		Rcode:          get(0),
		RequestTstamp:  get(8),
		ResponseTstamp: get(12),
		Data:           append([]byte(nil), b[16:]...),
	}
}

// Wait blocks until the request completes, ctx is cancelled, or deadline
// passes, then returns the result. On timeout it removes itself from the
// Node's outstanding set; if a response raced in first, the late arrival
// still wins (Cancel reports false and Wait returns whatever was
// delivered), matching the tie-break rule in §4.2: the waiter declares
// Cancelled only if it actually won the race to remove itself.
func (pr *PendingRequest) Wait(ctx context.Context, deadline time.Time) (TransactionResult, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-pr.entry.Done():
		if pr.node.disconnectedNow() {
			return pr.result, NewError("Transaction", ComponentRequester, ErrCodeDisconnected, "node disconnected")
		}
		if pr.result.Rcode == invalidRcodeSentinel {
			return pr.result, NewError("Transaction", ComponentRequester, ErrCodeInvalid, "malformed response frame")
		}
		if pr.result.Rcode != uint32(cdev.RcodeComplete) {
			return pr.result, RcodeToError("Transaction", pr.result.Rcode)
		}
		return pr.result, nil

	case <-timer.C:
		if !pr.node.cancelOutstanding(pr.entry) {
			// Response arrived in the same instant; honor it.
			<-pr.entry.Done()
			if pr.result.Rcode != uint32(cdev.RcodeComplete) {
				return pr.result, RcodeToError("Transaction", pr.result.Rcode)
			}
			return pr.result, nil
		}
		return TransactionResult{}, NewError("Transaction", ComponentRequester, ErrCodeCancelled, "transaction timed out")

	case <-ctx.Done():
		pr.node.cancelOutstanding(pr.entry)
		return TransactionResult{}, WrapError("Transaction", ComponentRequester, ctx.Err())
	}
}

func (n *Node) disconnectedNow() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disconnected
}

// Transaction is the synchronous form: submit then wait up to timeout,
// truncating the returned data to len(buf) as the original does. The
// deadline is Options.Clock.Now() plus timeout, but Wait measures it with a
// real timer, so a fake clock does not advance the wait.
func (rq *Requester) Transaction(ctx context.Context, tcode cdev.Tcode, addr uint64, length int, buf []byte, generation uint32, timeout time.Duration) (TransactionResult, error) {
	if timeout <= 0 {
		timeout = rq.node.cfg.RequestTimeout
	}
	start := rq.node.opts.Clock.Now()

	pr, err := rq.Request(tcode, addr, length, buf, generation)
	if err != nil {
		rq.node.metrics.RecordRequest(0, err)
		rq.node.opts.Observer.ObserveRequest(0, err)
		return TransactionResult{}, err
	}

	result, err := pr.Wait(ctx, start.Add(timeout))
	latency := uint64(rq.node.opts.Clock.Now().Sub(start).Nanoseconds())
	rq.node.metrics.RecordRequest(latency, err)
	rq.node.opts.Observer.ObserveRequest(latency, err)
	if err != nil {
		return result, err
	}

	maxLen := len(buf)
	if maxLen > 0 && len(result.Data) > maxLen {
		result.Data = result.Data[:maxLen]
	}
	return result, nil
}

package fw1394

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alsa-project/go-fw1394/internal/constants"
	"github.com/alsa-project/go-fw1394/internal/hwdep"
	"github.com/alsa-project/go-fw1394/internal/logging"
	"github.com/alsa-project/go-fw1394/internal/waitset"
)

const efwHeaderQuadlets = 6

// EFWFrame is one decoded Echo Fireworks Transaction frame (§3, §4.5):
// length (32-bit word count including the six-quadlet header), version,
// seqnum, category, command, status, and the trailing parameter quadlets —
// every field big-endian on the wire.
type EFWFrame struct {
	Length   uint32
	Version  uint32
	Seqnum   uint32
	Category uint32
	Command  uint32
	Status   uint32
	Params   []uint32
}

// EncodeEFWFrame serializes f to its big-endian wire representation,
// computing Length from len(f.Params).
func EncodeEFWFrame(f *EFWFrame) []byte {
	n := efwHeaderQuadlets + len(f.Params)
	buf := make([]byte, n*4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint32(buf[4:8], f.Version)
	binary.BigEndian.PutUint32(buf[8:12], f.Seqnum)
	binary.BigEndian.PutUint32(buf[12:16], f.Category)
	binary.BigEndian.PutUint32(buf[16:20], f.Command)
	binary.BigEndian.PutUint32(buf[20:24], f.Status)
	for i, p := range f.Params {
		binary.BigEndian.PutUint32(buf[24+i*4:28+i*4], p)
	}
	return buf
}

// DecodeEFWFrame decodes one frame from the head of buf and reports the
// number of bytes consumed, so a caller can loop over a buffer that
// coalesced several response frames back to back.
func DecodeEFWFrame(buf []byte) (*EFWFrame, int, error) {
	if len(buf) < efwHeaderQuadlets*4 {
		return nil, 0, fmt.Errorf("fw1394: efw frame shorter than header")
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < efwHeaderQuadlets || int(length)*4 > len(buf) {
		return nil, 0, fmt.Errorf("fw1394: efw frame length %d out of range", length)
	}
	f := &EFWFrame{
		Length:   length,
		Version:  binary.BigEndian.Uint32(buf[4:8]),
		Seqnum:   binary.BigEndian.Uint32(buf[8:12]),
		Category: binary.BigEndian.Uint32(buf[12:16]),
		Command:  binary.BigEndian.Uint32(buf[16:20]),
		Status:   binary.BigEndian.Uint32(buf[20:24]),
	}
	paramQuadlets := int(length) - efwHeaderQuadlets
	f.Params = make([]uint32, paramQuadlets)
	for i := range f.Params {
		off := 24 + i*4
		f.Params[i] = binary.BigEndian.Uint32(buf[off : off+4])
	}
	return f, int(length) * 4, nil
}

// HwdepDevice is the subset of the ALSA hwdep transport an EFWUnit needs:
// exactly what internal/hwdep.Device exposes. Exported as an interface, not
// a concrete type, for the same reason as CdevDevice: a test double
// (fw1394fake.FakeHwdep) can stand in for a real descriptor without this
// package depending on the test package.
type HwdepDevice interface {
	Write(frame []byte) (int, error)
	Read(buf []byte) (int, error)
	Poll(timeoutMs int) (readable, hup bool, err error)
	Close() error
	Fd() int
}

// EFWUnit drives Echo Fireworks Transactions over the ALSA hwdep channel of
// a Fireworks unit (C5): it frames a request, allocates a sequence number
// from a per-unit monotonic counter, writes it to the hwdep descriptor, and
// awaits the in-band response event matched by that sequence number. It is
// independent of Node — EFW rides the hwdep character device, not
// firewire-cdev — but mirrors Node's shape: one owned descriptor, one
// reader, a waitset.Set of pending transactions instead of Node's
// outstanding-request set.
type EFWUnit struct {
	cfg  Config
	opts *Options

	dev  HwdepDevice
	path string

	nextSeqnum atomic.Uint32
	waiters    *waitset.Set

	log     *logging.Logger
	metrics *Metrics

	disconnected atomic.Bool
}

// NewEFWUnit creates an unopened EFWUnit. Call Open before using it.
func NewEFWUnit(cfg Config, opts *Options) *EFWUnit {
	cfg = cfg.withDefaults()
	opts = opts.withDefaults()
	return &EFWUnit{
		cfg:     cfg,
		opts:    opts,
		waiters: waitset.New(),
		log:     opts.Logger,
		metrics: NewMetrics(),
	}
}

// Open opens path (typically /dev/snd/hwdepN) read-write.
func (u *EFWUnit) Open(path string) error {
	dev, err := hwdep.Open(path)
	if err != nil {
		return WrapError("Open", ComponentEFW, err)
	}
	if err := u.OpenDevice(dev); err != nil {
		dev.Close()
		return err
	}
	u.path = path
	return nil
}

// OpenDevice attaches an already-open HwdepDevice to an unopened EFWUnit.
// Exposed so tests can attach a fw1394fake.FakeHwdep instead of a real
// /dev/snd/hwdepN path.
func (u *EFWUnit) OpenDevice(dev HwdepDevice) error {
	if u.dev != nil {
		return NewError("Open", ComponentEFW, ErrCodeOpened, "efw unit already opened")
	}
	u.dev = dev
	u.log.Info("efw unit opened")
	return nil
}

// Close closes the underlying descriptor and releases every outstanding
// waiter with ErrCodeDisconnected.
func (u *EFWUnit) Close() error {
	if u.dev == nil {
		return nil
	}
	u.markDisconnected()
	return u.dev.Close()
}

func (u *EFWUnit) markDisconnected() {
	if u.disconnected.Swap(true) {
		return
	}
	u.log.Warn("efw unit disconnected")
	u.metrics.RecordDisconnect()
	u.opts.Observer.ObserveDisconnect()
	u.waiters.DrainDisconnected()
}

// allocateSeqnum hands out the next sequence number (§3/§4.5): stepped by
// two from a per-unit monotonic counter, wrapping to 0 once incrementing
// would exceed EFWMaxSeqnum.
func (u *EFWUnit) allocateSeqnum() uint32 {
	for {
		cur := u.nextSeqnum.Load()
		next := cur + 2
		if next > constants.EFWMaxSeqnum {
			next = 0
		}
		if u.nextSeqnum.CompareAndSwap(cur, next) {
			return cur
		}
	}
}

// Run is the event-loop entry point for the hwdep descriptor, the EFW
// analogue of Node.Run: one goroutine, one reader, dispatching decoded
// response frames to waiting Transact calls until ctx is cancelled or the
// descriptor reports a disconnect.
func (u *EFWUnit) Run(ctx context.Context) error {
	if u.dev == nil {
		return NewError("Run", ComponentEFW, ErrCodeNotOpened, "efw unit not opened")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		readable, hup, err := u.dev.Poll(100)
		if err != nil {
			return WrapError("Run", ComponentEFW, err)
		}
		if hup {
			u.markDisconnected()
			return nil
		}
		if !readable {
			continue
		}
		if err := u.ReadOneEvent(); err != nil {
			if IsDisconnected(err) {
				return nil
			}
			return err
		}
	}
}

// ReadOneEvent reads one hwdep read(2) batch and dispatches every EFW
// response frame it contains. Exposed so an embedding application can drive
// the unit from its own event loop instead of calling Run.
func (u *EFWUnit) ReadOneEvent() error {
	buf := make([]byte, hwdep.MaxReadBytes)
	n, err := u.dev.Read(buf)
	if err != nil {
		if errno, ok := asErrno(err); ok && mapErrnoToCode(ComponentEFW, errno) == ErrCodeDisconnected {
			u.markDisconnected()
			return NewErrorWithErrno("ReadOneEvent", ComponentEFW, ErrCodeDisconnected, errno)
		}
		return WrapError("ReadOneEvent", ComponentEFW, err)
	}
	return u.dispatchBatch(buf[:n])
}

// dispatchBatch walks a single read(2) result, which the kernel may have
// coalesced from several hwdep events (each carrying one or more EFW
// frames), decoding and dispatching one frame at a time and advancing by
// its own quadlet count (§4.5's "Multi-frame response handling").
func (u *EFWUnit) dispatchBatch(buf []byte) error {
	for len(buf) > 0 {
		typ, bodyLen, headerLen, err := hwdep.DecodeEventHeader(buf)
		if err != nil {
			return WrapError("ReadOneEvent", ComponentEFW, err)
		}
		body := buf[headerLen : headerLen+bodyLen]
		buf = buf[headerLen+bodyLen:]

		if typ != hwdep.EventTypeEfwResponse {
			u.log.Debug("ignoring non-EFW hwdep event", "type", typ)
			continue
		}

		for off := 0; off < len(body); {
			frame, consumed, err := DecodeEFWFrame(body[off:])
			if err != nil {
				u.log.Warn("dropping malformed EFW response frame", "error", err)
				break
			}
			u.dispatchFrame(frame)
			off += consumed
		}
	}
	return nil
}

func (u *EFWUnit) dispatchFrame(f *EFWFrame) {
	matched := u.waiters.Dispatch(efwFrameKey(f))
	if !matched {
		u.log.Debug("dropping unmatched EFW response", "seqnum", f.Seqnum)
	}
}

// efwFrameKey packages a decoded frame as the byte-encoded result handed to
// a waitset.Entry's Deliver callback. Encoding round-trips through
// DecodeEFWFrame so matching and delivery share one code path.
func efwFrameKey(f *EFWFrame) []byte {
	return EncodeEFWFrame(f)
}

// TransactResult is the decoded outcome of a successful EFW Transact call.
type TransactResult struct {
	Version uint32
	Params  []uint32
}

// Transact writes a request frame (category, command, args) to the hwdep
// descriptor and waits up to timeout for the matching response (§4.5).
// On success it verifies: version >= EFWMinVersion; the returned category
// and command equal the request's; status == OK; and the returned
// parameter count doesn't exceed maxParams. Any mismatch surfaces as the
// specific error instead of the decoded result.
func (u *EFWUnit) Transact(ctx context.Context, category, command uint32, args []uint32, maxParams int, timeout time.Duration) (*TransactResult, error) {
	if u.dev == nil {
		return nil, NewError("Transact", ComponentEFW, ErrCodeNotOpened, "efw unit not opened")
	}
	if timeout <= 0 {
		timeout = u.cfg.EFWTimeout
	}
	start := u.opts.Clock.Now()

	seqnum := u.allocateSeqnum()
	wantSeqnum := seqnum + 1

	req := &EFWFrame{
		Version:  constants.EFWMinVersion,
		Seqnum:   seqnum,
		Category: category,
		Command:  command,
		Status:   0,
		Params:   args,
	}

	var resp *EFWFrame
	entry := waitset.NewEntry(
		func(frame []byte) bool {
			f, _, err := DecodeEFWFrame(frame)
			return err == nil && f.Seqnum == wantSeqnum
		},
		func(frame []byte) {
			f, _, _ := DecodeEFWFrame(frame)
			resp = f
		},
	)
	u.waiters.Add(entry)

	if _, err := u.dev.Write(EncodeEFWFrame(req)); err != nil {
		u.waiters.Cancel(entry)
		err = WrapError("Transact", ComponentEFW, err)
		u.recordResult(start, err)
		return nil, err
	}

	timer := time.NewTimer(time.Until(start.Add(timeout)))
	defer timer.Stop()

	select {
	case <-entry.Done():
	case <-timer.C:
		u.waiters.Cancel(entry)
		err := NewError("Transact", ComponentEFW, ErrCodeTimeout, "EFW response timed out")
		u.recordResult(start, err)
		return nil, err
	case <-ctx.Done():
		u.waiters.Cancel(entry)
		err := WrapError("Transact", ComponentEFW, ctx.Err())
		u.recordResult(start, err)
		return nil, err
	}

	if resp == nil {
		err := NewError("Transact", ComponentEFW, ErrCodeDisconnected, "efw unit disconnected")
		u.recordResult(start, err)
		return nil, err
	}
	if resp.Version < constants.EFWMinVersion {
		err := NewError("Transact", ComponentEFW, ErrCodeEFWBad, "unsupported EFW protocol version")
		u.recordResult(start, err)
		return nil, err
	}
	if resp.Category != category || resp.Command != command {
		err := NewError("Transact", ComponentEFW, ErrCodeEFWBadCommand, "EFW response category/command mismatch")
		u.recordResult(start, err)
		return nil, err
	}
	if resp.Status != 0 {
		err := EFWStatusToError("Transact", resp.Status)
		u.recordResult(start, err)
		return nil, err
	}
	if len(resp.Params) > maxParams {
		err := NewError("Transact", ComponentEFW, ErrCodeLargeResp, "EFW response exceeds caller's parameter buffer")
		u.recordResult(start, err)
		return nil, err
	}

	u.recordResult(start, nil)
	return &TransactResult{Version: resp.Version, Params: resp.Params}, nil
}

func (u *EFWUnit) recordResult(start time.Time, err error) {
	latency := uint64(u.opts.Clock.Now().Sub(start).Nanoseconds())
	u.metrics.RecordEFW(latency, err)
	u.opts.Observer.ObserveEFW(latency, err)
}

// Metrics returns this unit's metrics instance.
func (u *EFWUnit) Metrics() *Metrics { return u.metrics }

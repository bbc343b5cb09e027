package fw1394

import (
	"context"
	"time"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/internal/constants"
	"github.com/alsa-project/go-fw1394/internal/logging"
	"github.com/alsa-project/go-fw1394/internal/waitset"
)

// FCPExecutor drives AV/C transactions over the Function Control Protocol
// (§4.4): it sends a command as a block write to FCPRequestAddr via a
// Requester, and matches the asynchronous response — not a transport-level
// reply, but an independent inbound request subaction at FCPResponseAddr —
// through a bound Responder, keyed by bytes [1] and [2] of the payload
// (the AV/C subunit type/id and opcode).
//
// Per-command state follows the Idle -> Sent -> Awaiting -> (Matched |
// Interim -> Awaiting | Timeout) machine from SPEC_FULL.md §4.4: Idle seeds
// the match keys from cmd before the write is issued (Sent); Awaiting is
// modeled by a waitset.Entry added to waiters, the same explicit-waiter-list
// pattern the Requester uses for its own outstanding set (§9 "Response
// matching via payload-byte equality ... model waiters as explicit entries
// in a list"); an INTERIM byte re-enters Awaiting without resending the
// command and without extending the deadline.
type FCPExecutor struct {
	node      *Node
	responder *Responder
	waiters   *waitset.Set
	log       *logging.Logger
}

// NewFCPExecutor creates an FCPExecutor for node. Call Bind before issuing
// any AVCTransaction.
func NewFCPExecutor(node *Node) *FCPExecutor {
	e := &FCPExecutor{node: node, waiters: waitset.New(), log: node.log}
	e.responder = NewResponder(e.handleResponse)
	return e
}

// Bind registers a Responder at FCPResponseAddr with width FCPFrameMaxBytes
// to catch asynchronous AV/C responses.
func (e *FCPExecutor) Bind() error {
	return e.responder.ReserveAt(e.node, constants.FCPResponseAddr, constants.FCPFrameMaxBytes)
}

// Unbind releases the Responder reservation.
func (e *FCPExecutor) Unbind() error {
	return e.responder.Release()
}

// handleResponse is the Responder handler bound at FCPResponseAddr: every
// inbound frame there is dispatched to the first pending waiter whose match
// keys agree, matching the original's tolerance for byte[1]/byte[2]
// collisions across concurrent in-flight commands (§9). The subaction
// itself always completes successfully regardless of whether any waiter
// matched — an unclaimed AV/C response is not an addressing error.
func (e *FCPExecutor) handleResponse(tcode cdev.Tcode, offset uint64, srcID, dstID, card, generation, tstamp uint32, payload []byte) (cdev.Rcode, []byte) {
	frame := append([]byte(nil), payload...)
	if !e.waiters.Dispatch(frame) {
		e.log.Debug("dropping unmatched FCP response", "subunit_opcode", fcpKeyString(frame))
	}
	return cdev.RcodeComplete, nil
}

func fcpKeyString(frame []byte) string {
	if len(frame) < 3 {
		return "short"
	}
	return string([]byte{frame[1], frame[2]})
}

// Command sends cmd as a block write to FCPRequestAddr without waiting for
// a response.
func (e *FCPExecutor) Command(ctx context.Context, cmd []byte, generation uint32) error {
	if len(cmd) == 0 || len(cmd) > constants.FCPFrameMaxBytes {
		return NewError("Command", ComponentFCP, ErrCodeInvalid, "command must be 1..512 bytes")
	}
	rq := NewRequester(e.node)
	_, err := rq.Transaction(ctx, GenericWrite, constants.FCPRequestAddr, len(cmd), cmd, generation, e.node.cfg.FCPTimeout)
	return err
}

// AVCTransaction sends cmd and waits for the matching AV/C response,
// re-entering Awaiting on every INTERIM continuation without extending the
// deadline (§4.4: "The INTERIM re-wait does NOT extend the deadline").
// cmd must be at least 3 bytes so bytes [1] and [2] (subunit, opcode) exist
// to match against.
func (e *FCPExecutor) AVCTransaction(ctx context.Context, cmd []byte, generation uint32, timeout time.Duration) ([]byte, error) {
	if len(cmd) < 3 {
		return nil, NewError("AVCTransaction", ComponentFCP, ErrCodeInvalid, "command too short to carry subunit/opcode")
	}
	if timeout <= 0 {
		timeout = e.node.cfg.FCPTimeout
	}
	start := e.node.opts.Clock.Now()
	deadline := start.Add(timeout)
	key1, key2 := cmd[1], cmd[2]

	rq := NewRequester(e.node)
	if _, err := rq.Transaction(ctx, GenericWrite, constants.FCPRequestAddr, len(cmd), cmd, generation, time.Until(deadline)); err != nil {
		e.recordResult(start, 0, err)
		return nil, err
	}

	var interims uint64
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			err := NewError("AVCTransaction", ComponentFCP, ErrCodeTimeout, "FCP response timed out")
			e.recordResult(start, interims, err)
			return nil, err
		}

		var resp []byte
		entry := waitset.NewEntry(
			func(frame []byte) bool { return len(frame) >= 3 && frame[1] == key1 && frame[2] == key2 },
			func(frame []byte) { resp = frame },
		)
		e.waiters.Add(entry)

		timer := time.NewTimer(remaining)
		select {
		case <-entry.Done():
			timer.Stop()
		case <-timer.C:
			e.waiters.Cancel(entry)
			err := NewError("AVCTransaction", ComponentFCP, ErrCodeTimeout, "FCP response timed out")
			e.recordResult(start, interims, err)
			return nil, err
		case <-ctx.Done():
			timer.Stop()
			e.waiters.Cancel(entry)
			err := WrapError("AVCTransaction", ComponentFCP, ctx.Err())
			e.recordResult(start, interims, err)
			return nil, err
		}

		if resp == nil {
			err := NewError("AVCTransaction", ComponentFCP, ErrCodeDisconnected, "node disconnected")
			e.recordResult(start, interims, err)
			return nil, err
		}
		if len(resp) > constants.FCPFrameMaxBytes {
			err := NewError("AVCTransaction", ComponentFCP, ErrCodeLargeResp, "FCP response exceeds 512 bytes")
			e.recordResult(start, interims, err)
			return nil, err
		}
		if resp[0] == constants.FCPInterimByte {
			interims++
			resp[0] = 0x00
			continue
		}

		e.recordResult(start, interims, nil)
		return resp, nil
	}
}

func (e *FCPExecutor) recordResult(start time.Time, interims uint64, err error) {
	latency := uint64(e.node.opts.Clock.Now().Sub(start).Nanoseconds())
	e.node.metrics.RecordFCP(latency, interims, err)
	e.node.opts.Observer.ObserveFCP(latency, interims, err)
}

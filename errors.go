package fw1394

import (
	"errors"
	"fmt"
	"syscall"
)

// Component identifies which part of the library raised an Error.
type Component string

const (
	ComponentNode      Component = "node"
	ComponentRequester Component = "requester"
	ComponentResponder Component = "responder"
	ComponentFCP       Component = "fcp"
	ComponentEFW       Component = "efw"
)

// ErrorCode is the high-level error category carried by Error. It is a
// superset of every error kind the spec's taxonomy names, spanning
// transport rcodes, Node lifecycle errors, Responder reservation errors,
// FCP errors and the EFW status taxonomy.
type ErrorCode string

const (
	// Transport (request layer), one per IEEE 1394 rcode.
	ErrCodeConflictError ErrorCode = "conflict error"
	ErrCodeDataError     ErrorCode = "data error"
	ErrCodeTypeError     ErrorCode = "type error"
	ErrCodeAddressError  ErrorCode = "address error"
	ErrCodeSendError     ErrorCode = "send error"
	ErrCodeCancelled     ErrorCode = "cancelled"
	ErrCodeBusy          ErrorCode = "busy"
	ErrCodeGeneration    ErrorCode = "stale generation"
	ErrCodeNoAck         ErrorCode = "no ack"
	ErrCodeInvalid       ErrorCode = "invalid rcode"

	// Node lifecycle.
	ErrCodeDisconnected ErrorCode = "disconnected"
	ErrCodeOpened       ErrorCode = "already opened"
	ErrCodeNotOpened    ErrorCode = "not opened"
	ErrCodeIOError      ErrorCode = "I/O error"

	// Responder.
	ErrCodeReserved      ErrorCode = "already reserved"
	ErrCodeAddrSpaceUsed ErrorCode = "address space in use"

	// FCP.
	ErrCodeTimeout   ErrorCode = "timeout"
	ErrCodeLargeResp ErrorCode = "response too large"
	// ErrCodeAborted is reserved for a bus reset arriving mid-AV/C-transaction.
	// The original FCP executor defines this error kind but never constructs
	// it; this codebase preserves the code-point for the same reason without
	// ever emitting it, per the Open Questions decision in SPEC_FULL.md §9.
	ErrCodeAborted ErrorCode = "aborted"

	// EFW: the device-defined status taxonomy (§4.5), preserved verbatim,
	// plus the two library-local codes that extend it.
	ErrCodeEFWBad          ErrorCode = "efw: bad"
	ErrCodeEFWBadCommand   ErrorCode = "efw: bad command"
	ErrCodeEFWCommErr      ErrorCode = "efw: comm error"
	ErrCodeEFWBadQuadCount ErrorCode = "efw: bad quadlet count"
	ErrCodeEFWUnsupported  ErrorCode = "efw: unsupported"
	ErrCodeEFW1394Timeout  ErrorCode = "efw: 1394 timeout"
	ErrCodeEFWDspTimeout   ErrorCode = "efw: dsp timeout"
	ErrCodeEFWBadRate      ErrorCode = "efw: bad rate"
	ErrCodeEFWBadClock     ErrorCode = "efw: bad clock"
	ErrCodeEFWBadChannel   ErrorCode = "efw: bad channel"
	ErrCodeEFWBadPan       ErrorCode = "efw: bad pan"
	ErrCodeEFWFlashBusy    ErrorCode = "efw: flash busy"
	ErrCodeEFWBadMirror    ErrorCode = "efw: bad mirror"
	ErrCodeEFWBadLed       ErrorCode = "efw: bad led"
	ErrCodeEFWBadParameter ErrorCode = "efw: bad parameter"
)

// Error is a structured error carrying the operation, the originating
// component, a high-level ErrorCode, the wrapped errno (if any), and a
// human-readable message.
type Error struct {
	Op        string
	Component Component
	Code      ErrorCode
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return fmt.Sprintf("fw1394: %s: %s", e.Component, msg)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("fw1394: %s: op=%s: %s (errno=%d)", e.Component, e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("fw1394: %s: op=%s: %s", e.Component, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error with no wrapped cause.
func NewError(op string, component Component, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error from a kernel errno.
func NewErrorWithErrno(op string, component Component, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Component: component, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps inner with op/component context, mapping a bare
// syscall.Errno through mapErrnoToCode when inner isn't already a
// structured *Error.
func WrapError(op string, component Component, inner error) *Error {
	if inner == nil {
		return nil
	}
	if fe, ok := inner.(*Error); ok {
		return &Error{Op: op, Component: component, Code: fe.Code, Errno: fe.Errno, Msg: fe.Msg, Inner: fe.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Component: component, Code: mapErrnoToCode(component, errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Component: component, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a kernel errno to an ErrorCode, scoped by which
// component observed it: the same ENODEV means Disconnected everywhere,
// but EBUSY means AddrSpaceUsed for a Responder reservation and Busy for a
// Requester transaction.
func mapErrnoToCode(component Component, errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENODEV:
		return ErrCodeDisconnected
	case syscall.EBUSY:
		if component == ComponentResponder {
			return ErrCodeAddrSpaceUsed
		}
		return ErrCodeBusy
	case syscall.EINVAL:
		return ErrCodeInvalid
	case syscall.ETIMEDOUT:
		if component == ComponentFCP || component == ComponentEFW {
			return ErrCodeTimeout
		}
		return ErrCodeCancelled
	default:
		return ErrCodeIOError
	}
}

// RcodeToError maps an IEEE 1394 rcode, as observed by the Requester, to an
// ErrorCode. RcodeComplete has no error and is not represented here; callers
// check for success before calling this.
func RcodeToError(op string, rcode uint32) *Error {
	code, ok := rcodeErrorCodes[rcode]
	if !ok {
		code = ErrCodeInvalid
	}
	return NewError(op, ComponentRequester, code, string(code))
}

var rcodeErrorCodes = map[uint32]ErrorCode{
	0x4:  ErrCodeConflictError,
	0x5:  ErrCodeDataError,
	0x6:  ErrCodeTypeError,
	0x7:  ErrCodeAddressError,
	0x10: ErrCodeSendError,
	0x11: ErrCodeCancelled,
	0x12: ErrCodeBusy,
	0x13: ErrCodeGeneration,
	0x14: ErrCodeNoAck,
}

// efwStatusErrorCodes maps the device-defined enum efw_status (§4.5) to an
// ErrorCode, preserved verbatim in value and ordering from the spec.
var efwStatusErrorCodes = map[uint32]ErrorCode{
	1:  ErrCodeEFWBad,
	2:  ErrCodeEFWBadCommand,
	3:  ErrCodeEFWCommErr,
	4:  ErrCodeEFWBadQuadCount,
	5:  ErrCodeEFWUnsupported,
	6:  ErrCodeEFW1394Timeout,
	7:  ErrCodeEFWDspTimeout,
	8:  ErrCodeEFWBadRate,
	9:  ErrCodeEFWBadClock,
	10: ErrCodeEFWBadChannel,
	11: ErrCodeEFWBadPan,
	12: ErrCodeEFWFlashBusy,
	13: ErrCodeEFWBadMirror,
	14: ErrCodeEFWBadLed,
	15: ErrCodeEFWBadParameter,
}

// EFWStatusToError maps a non-OK EFW response status to an ErrorCode. Status
// 0 (OK) is not represented; callers check for success before calling this.
func EFWStatusToError(op string, status uint32) *Error {
	code, ok := efwStatusErrorCodes[status]
	if !ok {
		code = ErrCodeEFWBad
	}
	return NewError(op, ComponentEFW, code, string(code))
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsDisconnected reports whether err indicates the Node's underlying
// descriptor has been disconnected by the kernel.
func IsDisconnected(err error) bool {
	return IsCode(err, ErrCodeDisconnected)
}

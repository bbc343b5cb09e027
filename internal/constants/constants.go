package constants

import "time"

// Default configuration constants.
const (
	// DefaultFCPTimeout is the AV/C request+wait deadline used when a caller
	// doesn't specify one. SPEC_FULL.md §9 resolves the source's two
	// conflicting hardcoded values (5ms in one path, 200ms in another) in
	// favor of 200ms.
	DefaultFCPTimeout = 200 * time.Millisecond

	// DefaultRequestTimeout is the plain Requester.Transaction deadline used
	// when a caller doesn't specify one.
	DefaultRequestTimeout = 200 * time.Millisecond

	// DefaultEFWTimeout is the EFW Transact deadline used when a caller
	// doesn't specify one.
	DefaultEFWTimeout = 200 * time.Millisecond

	// DefaultEventBufferBytes is the Node's per-read event buffer size: one
	// page, matching the original's sysconf(_SC_PAGESIZE) allocation.
	DefaultEventBufferBytes = 4096

	// FCPRequestAddr is the fixed 48-bit offset FCP commands are
	// block-written to.
	FCPRequestAddr uint64 = 0xfffff0000b00

	// FCPResponseAddr is the fixed 48-bit offset the FCP executor reserves a
	// Responder on to receive AV/C responses.
	FCPResponseAddr uint64 = 0xfffff0000d00

	// FCPFrameMaxBytes bounds an FCP command or response frame.
	FCPFrameMaxBytes = 0x200

	// FCPInterimByte is the AV/C INTERIM continuation marker observed in
	// byte [0] of a response frame.
	FCPInterimByte = 0x0f

	// FCPPendingByte is a byte [0] pending marker that no code uses: FCP
	// waiters receive the delivered frame directly and keep no pre-seeded
	// response buffer.
	FCPPendingByte = 0xff

	// EFWMaxSeqnum is the maximum sequence number the EFW executor will
	// allocate before wrapping back to 0.
	EFWMaxSeqnum = 0xfffe

	// EFWMinVersion is the lowest EFW protocol version this library accepts
	// in a response frame.
	EFWMinVersion = 1

	// EFWResponseEventType is the hwdep event type tag identifying an EFW
	// response frame ('Natu' in ASCII, per the original).
	EFWResponseEventType uint32 = 0x4e617475

	// MaxConfigROMBytes is the largest configuration ROM the kernel will
	// ever report, per ISO/IEC 13213's 256-quadlet bound.
	MaxConfigROMBytes = 256 * 4

	// UnknownField is the sentinel value the kernel's older event variants
	// leave callers to substitute for fields that variant doesn't carry.
	UnknownField uint32 = 0xffffffff

	// UnknownTimestamp is the sentinel a RESPONSE (v1) event's cycle
	// timestamp is set to when the kernel didn't report one (only RESPONSE2
	// carries real timestamps). Preserved verbatim from the source's
	// UINT_MAX rather than modeled as an optional type, per SPEC_FULL.md §9.
	UnknownTimestamp uint32 = 0xffffffff
)

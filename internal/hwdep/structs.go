// Package hwdep mirrors the ALSA firewire hwdep uAPI
// (sound/firewire/fw-transaction.h's snd_firewire_event_* and
// include/uapi/sound/firewire.h's SNDRV_FIREWIRE_IOCTL_GET_INFO), which the
// EFW executor (C5) rides on top of to exchange Echo Fireworks Transaction
// frames with the kernel. Struct layouts carry the same compile-time size
// assertion discipline as internal/cdev/structs.go.
package hwdep

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// nativeOrder is the byte order the kernel lays the event header out in:
// host-native, matching internal/cdev's identical nativeOrder rationale.
// Only the EFW frame payload carried inside the event is big-endian on the
// wire (§3); the ALSA hwdep event envelope itself is not.
var nativeOrder = binary.LittleEndian

// EventType tags the union returned by a hwdep read(2). Only Lock/Dice/Efw
// are relevant to this library; the rest of the kernel's taxonomy
// (Digi00x/Motu/Tascam message events) is out of scope per the spec's
// Non-goals on model-specific notification decoding.
type EventType uint32

const (
	EventTypeLock EventType = 0
	EventTypeDice EventType = 1
	// EventTypeEfwResponse is the hwdep event type tag identifying an EFW
	// response frame, 'Natu' in ASCII (§6), matching constants.EFWResponseEventType.
	EventTypeEfwResponse EventType = 0x4e617475
)

// Ioctl request codes for /dev/snd/hwdepN, matching
// include/uapi/sound/firewire.h's _IOR encoding.
const (
	IocGetInfo = 0x802048f8 // _IOR('H', 0xf8, struct snd_firewire_get_info)
)

// GetInfo mirrors struct snd_firewire_get_info.
type GetInfo struct {
	Type       uint32
	Card       uint32
	GUID       [8]byte
	DeviceName [16]byte
}

var _ [32]byte = [unsafe.Sizeof(GetInfo{})]byte{}

// EventCommon is the header shared by every hwdep event variant.
type EventCommon struct {
	Type   uint32
	Length uint32
}

var _ [8]byte = [unsafe.Sizeof(EventCommon{})]byte{}

// EventEfwResponse mirrors struct snd_efw_transaction wrapped in
// snd_firewire_event_efw_response: a type/length header followed by the EFW
// response frame itself, which the caller decodes with the root package's
// DecodeEFWFrame. The kernel may coalesce multiple EFW response frames into a single
// read(2); callers must loop on Length rather than assume one frame per
// read, per SPEC_FULL.md §4.5's note on multi-frame responses.
type EventEfwResponse struct {
	Type   uint32
	Length uint32
	// Frames follows inline; decoded separately from the read buffer tail.
}

// MaxReadBytes bounds a single hwdep read(2): the kernel never coalesces
// more than a handful of maximum-size EFW frames into one read.
const MaxReadBytes = 4096

// DecodeEventHeader parses the type/length envelope common to every hwdep
// event variant from the head of buf, returning the event type, the body
// length in bytes, and the number of bytes the header itself occupied.
// Callers loop on the returned length to step to the next coalesced event,
// per SPEC_FULL.md §4.5's note that a single read(2) can deliver several
// events back to back.
func DecodeEventHeader(buf []byte) (eventType EventType, bodyLen int, headerLen int, err error) {
	if len(buf) < 8 {
		return 0, 0, 0, fmt.Errorf("hwdep: event header shorter than 8 bytes")
	}
	eventType = EventType(nativeOrder.Uint32(buf[0:4]))
	bodyLen = int(nativeOrder.Uint32(buf[4:8]))
	if bodyLen < 0 || 8+bodyLen > len(buf) {
		return 0, 0, 0, fmt.Errorf("hwdep: event body length %d out of range", bodyLen)
	}
	return eventType, bodyLen, 8, nil
}

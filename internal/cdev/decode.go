package cdev

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// nativeOrder is the byte order the kernel lays these structs out in:
// host-native, not the big-endian wire order of the bus payloads they
// carry. Every Linux architecture firewire-cdev actually ships on
// (x86, x86_64, arm, arm64) is little-endian, so this is hardcoded rather
// than detected at runtime, matching the original's reliance on the
// compiler's native struct layout.
var nativeOrder = binary.LittleEndian

// DecodedEvent is the result of decoding one read(2) buffer: the common
// header's Type tags which of the typed fields below is populated, plus the
// raw trailing payload bytes (response data or inbound request payload)
// that follow the fixed-size struct.
type DecodedEvent struct {
	Type EventType

	BusReset *EventBusReset

	Response  *EventResponse
	Response2 *EventResponse2

	Request  *EventRequest
	Request2 *EventRequest2
	Request3 *EventRequest3

	// Payload is the variable-length trailer: response data for
	// RESPONSE/RESPONSE2, or the inbound request payload for
	// REQUEST/REQUEST2/REQUEST3. Empty for BUS_RESET.
	Payload []byte
}

// DecodeEvent parses one event out of buf, as produced by a single
// Device.ReadEvent call.
func DecodeEvent(buf []byte) (*DecodedEvent, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("cdev: event buffer too short: %d bytes", len(buf))
	}
	typ := EventType(nativeOrder.Uint32(buf[8:12]))

	r := bytes.NewReader(buf)
	ev := &DecodedEvent{Type: typ}

	switch typ {
	case EventTypeBusReset:
		var e EventBusReset
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode bus reset event: %w", err)
		}
		ev.BusReset = &e

	case EventTypeResponse:
		var e EventResponse
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode response event: %w", err)
		}
		ev.Response = &e
		ev.Payload = trailingPayload(r, int(e.Length))

	case EventTypeResponse2:
		var e EventResponse2
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode response2 event: %w", err)
		}
		ev.Response2 = &e
		ev.Payload = trailingPayload(r, int(e.Length))

	case EventTypeRequest:
		var e EventRequest
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode request event: %w", err)
		}
		ev.Request = &e
		ev.Payload = trailingPayload(r, int(e.Length))

	case EventTypeRequest2:
		var e EventRequest2
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode request2 event: %w", err)
		}
		ev.Request2 = &e
		ev.Payload = trailingPayload(r, int(e.Length))

	case EventTypeRequest3:
		var e EventRequest3
		if err := binary.Read(r, nativeOrder, &e); err != nil {
			return nil, fmt.Errorf("cdev: decode request3 event: %w", err)
		}
		ev.Request3 = &e
		ev.Payload = trailingPayload(r, int(e.Length))

	default:
		return nil, fmt.Errorf("cdev: unrecognised event type %d", typ)
	}

	return ev, nil
}

func trailingPayload(r *bytes.Reader, length int) []byte {
	if length <= 0 {
		return nil
	}
	remaining := r.Len()
	if length > remaining {
		length = remaining
	}
	buf := make([]byte, length)
	_, _ = r.Read(buf)
	return buf
}

package fw1394

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/internal/constants"
)

func TestResponderReserveAtAndDispatch(t *testing.T) {
	n, dev := openTestNode(t)

	var gotOffset uint64
	var gotPayload []byte
	r := NewResponder(func(tcode cdev.Tcode, offset uint64, srcID, dstID, card, generation, tstamp uint32, payload []byte) (cdev.Rcode, []byte) {
		gotOffset = offset
		gotPayload = append([]byte(nil), payload...)
		return cdev.RcodeComplete, []byte{0x42}
	})
	require.NoError(t, r.ReserveAt(n, 0xfffff0000b00, 16))
	assert.True(t, r.Reserved())
	assert.EqualValues(t, 0xfffff0000b00, r.Offset())

	dev.InjectRequest(1, cdev.TcodeWriteBlockRequest, 0xfffff0000b00, 2, 1, 0, 1, constants.UnknownTimestamp, []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, n.ReadOneEvent())

	assert.EqualValues(t, 0xfffff0000b00, gotOffset)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, gotPayload)

	require.Len(t, dev.SentResponses, 1)
	assert.EqualValues(t, cdev.RcodeComplete, dev.SentResponses[0].Rcode)
	assert.Equal(t, []byte{0x42}, dev.SentResponses[0].Data)
}

func TestResponderOversizedRequestIsConflictError(t *testing.T) {
	n, dev := openTestNode(t)
	r := NewResponder(func(cdev.Tcode, uint64, uint32, uint32, uint32, uint32, uint32, []byte) (cdev.Rcode, []byte) {
		t.Fatal("handler should not be invoked for an oversized request")
		return cdev.RcodeComplete, nil
	})
	require.NoError(t, r.ReserveAt(n, 0xfffff0000b00, 4))

	dev.InjectRequest(1, cdev.TcodeWriteBlockRequest, 0xfffff0000b00, 2, 1, 0, 1, constants.UnknownTimestamp, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	require.NoError(t, n.ReadOneEvent())

	require.Len(t, dev.SentResponses, 1)
	assert.EqualValues(t, cdev.RcodeConflictError, dev.SentResponses[0].Rcode)
}

func TestResponderReleaseUnregisters(t *testing.T) {
	n, _ := openTestNode(t)
	r := NewResponder(func(cdev.Tcode, uint64, uint32, uint32, uint32, uint32, uint32, []byte) (cdev.Rcode, []byte) {
		return cdev.RcodeComplete, nil
	})
	require.NoError(t, r.ReserveAt(n, 0xfffff0000b00, 16))
	handle := r.handle
	require.NotNil(t, n.responderFor(handle))
	require.NoError(t, r.Release())
	assert.False(t, r.Reserved())
	assert.Nil(t, n.responderFor(handle))
}

func TestResponderDoubleReserveFails(t *testing.T) {
	n, _ := openTestNode(t)
	r := NewResponder(func(cdev.Tcode, uint64, uint32, uint32, uint32, uint32, uint32, []byte) (cdev.Rcode, []byte) {
		return cdev.RcodeComplete, nil
	})
	require.NoError(t, r.ReserveAt(n, 0xfffff0000b00, 16))
	err := r.ReserveAt(n, 0xfffff0000d00, 16)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeReserved))
}

package fw1394

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsa-project/go-fw1394/internal/cdev"
)

func TestRequesterQuadletWriteThenRead(t *testing.T) {
	n, _ := openTestNode(t)
	runNodeInBackground(t, n)
	rq := NewRequester(n)
	ctx := context.Background()

	_, err := rq.Transaction(ctx, GenericWrite, 0x2000, 4, []byte{0xde, 0xad, 0xbe, 0xef}, 1, time.Second)
	require.NoError(t, err)

	result, err := rq.Transaction(ctx, GenericRead, 0x2000, 4, make([]byte, 4), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, result.Data)
	assert.EqualValues(t, cdev.RcodeComplete, result.Rcode)
}

func TestRequesterResolvesGenericTcodeByLength(t *testing.T) {
	n, _ := openTestNode(t)
	runNodeInBackground(t, n)
	rq := NewRequester(n)

	_, err := rq.Transaction(context.Background(), GenericWrite, 0x3000, 8, make([]byte, 8), 1, time.Second)
	require.NoError(t, err)
}

func TestRequesterBlockLengthMustBeQuadletAligned(t *testing.T) {
	n, _ := openTestNode(t)
	runNodeInBackground(t, n)
	rq := NewRequester(n)

	_, err := rq.Transaction(context.Background(), GenericWrite, 0x3000, 6, make([]byte, 6), 1, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestRequesterSurfacesRcodeAsError(t *testing.T) {
	n, dev := openTestNode(t)
	dev.RequestHandler = func(send cdev.SendRequest, outgoing []byte) (cdev.Rcode, []byte, uint32, uint32) {
		return cdev.RcodeAddressError, nil, cdev.UnknownField, cdev.UnknownField
	}
	runNodeInBackground(t, n)
	rq := NewRequester(n)

	_, err := rq.Transaction(context.Background(), GenericRead, 0x4000, 4, make([]byte, 4), 1, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAddressError))
}

func TestRequesterTimeoutWithNoResponse(t *testing.T) {
	n, dev := openTestNode(t)
	dev.RequestHandler = func(send cdev.SendRequest, outgoing []byte) (cdev.Rcode, []byte, uint32, uint32) {
		return cdev.RcodeInvalid, nil, cdev.UnknownField, cdev.UnknownField
	}
	runNodeInBackground(t, n)
	rq := NewRequester(n)

	_, err := rq.Transaction(context.Background(), GenericRead, 0x5000, 4, make([]byte, 4), 1, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCancelled))
	assert.Equal(t, 0, n.OutstandingCount())
}

package fw1394

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/internal/constants"
)

func TestFCPCommandSendsBlockWrite(t *testing.T) {
	n, _ := openTestNode(t)
	runNodeInBackground(t, n)
	e := NewFCPExecutor(n)

	err := e.Command(context.Background(), []byte{0x00, 0x09, 0xb8, 0xff}, 1)
	require.NoError(t, err)
}

func TestFCPCommandRejectsOversizedFrame(t *testing.T) {
	n, _ := openTestNode(t)
	e := NewFCPExecutor(n)
	err := e.Command(context.Background(), make([]byte, constants.FCPFrameMaxBytes+1), 1)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestFCPAVCTransactionWithInterim(t *testing.T) {
	n, dev := openTestNode(t)
	runNodeInBackground(t, n)
	e := NewFCPExecutor(n)
	require.NoError(t, e.Bind())
	handle := e.responder.handle

	cmd := []byte{0x00, 0x09, 0xb8, 0xff}
	type result struct {
		resp []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := e.AVCTransaction(context.Background(), cmd, 1, time.Second)
		resultCh <- result{resp, err}
	}()

	// Give the command write time to land and the waiter time to register
	// before delivering the asynchronous AV/C response.
	time.Sleep(50 * time.Millisecond)

	interim := append([]byte{constants.FCPInterimByte}, cmd[1:]...)
	dev.InjectRequest(handle, cdev.TcodeWriteBlockRequest, constants.FCPResponseAddr, 1, 2, 0, 1, constants.UnknownTimestamp, interim)
	time.Sleep(20 * time.Millisecond)

	final := append([]byte{0x09}, cmd[1:]...)
	dev.InjectRequest(handle, cdev.TcodeWriteBlockRequest, constants.FCPResponseAddr, 1, 2, 0, 1, constants.UnknownTimestamp, final)

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Equal(t, final, r.resp)
	case <-time.After(2 * time.Second):
		t.Fatal("AVCTransaction did not complete")
	}

	snap := n.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.FCPInterims)
}

func TestFCPAVCTransactionTimesOutWithoutResponse(t *testing.T) {
	n, _ := openTestNode(t)
	runNodeInBackground(t, n)
	e := NewFCPExecutor(n)
	require.NoError(t, e.Bind())

	cmd := []byte{0x00, 0x09, 0xb8, 0xff}
	_, err := e.AVCTransaction(context.Background(), cmd, 1, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout))
}

func TestFCPAVCTransactionRejectsShortCommand(t *testing.T) {
	n, _ := openTestNode(t)
	e := NewFCPExecutor(n)
	_, err := e.AVCTransaction(context.Background(), []byte{0x00, 0x01}, 1, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

package fw1394

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsa-project/go-fw1394/internal/constants"
	"github.com/alsa-project/go-fw1394/fw1394fake"
)

func runEFWInBackground(t *testing.T, u *EFWUnit) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = u.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func openTestEFWUnit(t *testing.T) (*EFWUnit, *fw1394fake.FakeHwdep) {
	t.Helper()
	hw := fw1394fake.NewFakeHwdep()
	u := NewEFWUnit(DefaultConfig(), DefaultOptions())
	require.NoError(t, u.OpenDevice(hw))
	return u, hw
}

// echoResponder builds a TransactionHandler that answers every request with
// a response frame echoing the request's category/command, with a status and
// params the test controls, correctly
// stepping the sequence number the way a real Fireworks unit does.
func echoResponder(status uint32, params []uint32) func([]byte) []byte {
	return func(reqFrame []byte) []byte {
		req, _, err := DecodeEFWFrame(reqFrame)
		if err != nil {
			return nil
		}
		resp := &EFWFrame{
			Version:  constants.EFWMinVersion,
			Seqnum:   req.Seqnum + 1,
			Category: req.Category,
			Command:  req.Command,
			Status:   status,
			Params:   params,
		}
		return EncodeEFWFrame(resp)
	}
}

func TestEFWTransactSuccess(t *testing.T) {
	u, hw := openTestEFWUnit(t)
	hw.TransactionHandler = echoResponder(0, []uint32{0xdeadbeef, 0x1})
	runEFWInBackground(t, u)

	result, err := u.Transact(context.Background(), 1, 2, nil, 4, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, constants.EFWMinVersion, result.Version)
	assert.Equal(t, []uint32{0xdeadbeef, 0x1}, result.Params)
}

func TestEFWTransactCategoryCommandMismatch(t *testing.T) {
	u, hw := openTestEFWUnit(t)
	hw.TransactionHandler = func(reqFrame []byte) []byte {
		req, _, _ := DecodeEFWFrame(reqFrame)
		resp := &EFWFrame{
			Version:  constants.EFWMinVersion,
			Seqnum:   req.Seqnum + 1,
			Category: req.Category + 1,
			Command:  req.Command,
			Status:   0,
		}
		return EncodeEFWFrame(resp)
	}
	runEFWInBackground(t, u)

	_, err := u.Transact(context.Background(), 1, 2, nil, 4, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeEFWBadCommand))
}

func TestEFWTransactNonZeroStatusMapsToError(t *testing.T) {
	u, hw := openTestEFWUnit(t)
	hw.TransactionHandler = echoResponder(9, nil) // bad clock
	runEFWInBackground(t, u)

	_, err := u.Transact(context.Background(), 1, 2, nil, 4, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeEFWBadClock))
}

func TestEFWTransactOversizedResponse(t *testing.T) {
	u, hw := openTestEFWUnit(t)
	hw.TransactionHandler = echoResponder(0, []uint32{1, 2, 3})
	runEFWInBackground(t, u)

	_, err := u.Transact(context.Background(), 1, 2, nil, 1, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeLargeResp))
}

func TestEFWTransactTimesOutWithoutResponse(t *testing.T) {
	u, _ := openTestEFWUnit(t)
	runEFWInBackground(t, u)

	_, err := u.Transact(context.Background(), 1, 2, nil, 4, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout))
}

func TestEFWAllocateSeqnumStepsByTwoAndWraps(t *testing.T) {
	u, _ := openTestEFWUnit(t)
	first := u.allocateSeqnum()
	second := u.allocateSeqnum()
	assert.Equal(t, first+2, second)

	u.nextSeqnum.Store(constants.EFWMaxSeqnum)
	wrapped := u.allocateSeqnum()
	assert.EqualValues(t, constants.EFWMaxSeqnum, wrapped)
	assert.EqualValues(t, 0, u.nextSeqnum.Load())
}

func TestEFWCloseDrainsOutstanding(t *testing.T) {
	u, hw := openTestEFWUnit(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := u.Transact(context.Background(), 1, 2, nil, 4, time.Second)
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, u.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsDisconnected(err))
	case <-time.After(time.Second):
		t.Fatal("Transact did not observe the disconnect")
	}
	_ = hw
}

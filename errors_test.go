package fw1394

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorFormatsOpAndMessage(t *testing.T) {
	err := NewError("Open", ComponentNode, ErrCodeInvalid, "bad path")
	assert.Equal(t, "Open", err.Op)
	assert.Equal(t, ErrCodeInvalid, err.Code)
	assert.Equal(t, "fw1394: node: op=Open: bad path", err.Error())
}

func TestNewErrorWithErrnoCarriesErrno(t *testing.T) {
	err := NewErrorWithErrno("Open", ComponentNode, ErrCodeDisconnected, syscall.ENODEV)
	assert.Equal(t, syscall.ENODEV, err.Errno)
	assert.Contains(t, err.Error(), "errno=")
}

func TestWrapErrorMapsBareErrno(t *testing.T) {
	err := WrapError("ReadOneEvent", ComponentNode, syscall.ENODEV)
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeDisconnected, err.Code)
	assert.True(t, errors.Is(err, syscall.ENODEV))
}

func TestWrapErrorPreservesStructuredInner(t *testing.T) {
	inner := NewError("Transaction", ComponentRequester, ErrCodeBusy, "retry")
	err := WrapError("Request", ComponentRequester, inner)
	assert.Equal(t, ErrCodeBusy, err.Code)
}

func TestWrapErrorNilIsNil(t *testing.T) {
	assert.Nil(t, WrapError("Open", ComponentNode, nil))
}

func TestMapErrnoToCodeIsComponentScoped(t *testing.T) {
	assert.Equal(t, ErrCodeAddrSpaceUsed, mapErrnoToCode(ComponentResponder, syscall.EBUSY))
	assert.Equal(t, ErrCodeBusy, mapErrnoToCode(ComponentRequester, syscall.EBUSY))
	assert.Equal(t, ErrCodeTimeout, mapErrnoToCode(ComponentFCP, syscall.ETIMEDOUT))
	assert.Equal(t, ErrCodeCancelled, mapErrnoToCode(ComponentRequester, syscall.ETIMEDOUT))
	assert.Equal(t, ErrCodeDisconnected, mapErrnoToCode(ComponentNode, syscall.ENODEV))
	assert.Equal(t, ErrCodeIOError, mapErrnoToCode(ComponentNode, syscall.EIO))
}

func TestRcodeToErrorMapsKnownAndUnknownCodes(t *testing.T) {
	assert.Equal(t, ErrCodeAddressError, RcodeToError("Transaction", 0x7).Code)
	assert.Equal(t, ErrCodeInvalid, RcodeToError("Transaction", 0xff).Code)
}

func TestEFWStatusToErrorMapsKnownAndUnknownStatus(t *testing.T) {
	assert.Equal(t, ErrCodeEFWBadClock, EFWStatusToError("Transact", 9).Code)
	assert.Equal(t, ErrCodeEFWBad, EFWStatusToError("Transact", 99).Code)
}

func TestIsCode(t *testing.T) {
	err := NewError("Transaction", ComponentRequester, ErrCodeTimeout, "timed out")
	assert.True(t, IsCode(err, ErrCodeTimeout))
	assert.False(t, IsCode(err, ErrCodeBusy))
	assert.False(t, IsCode(nil, ErrCodeTimeout))
}

func TestIsDisconnected(t *testing.T) {
	err := NewError("ReadOneEvent", ComponentNode, ErrCodeDisconnected, "gone")
	assert.True(t, IsDisconnected(err))
	assert.False(t, IsDisconnected(errors.New("plain error")))
}

func TestErrorIsMatchesOnCodeOnly(t *testing.T) {
	a := NewError("A", ComponentNode, ErrCodeDisconnected, "first")
	b := NewError("B", ComponentEFW, ErrCodeDisconnected, "second")
	assert.True(t, errors.Is(a, b))
}

package fw1394

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsa-project/go-fw1394/internal/cdev"
	"github.com/alsa-project/go-fw1394/fw1394fake"
)

func testROM() []byte {
	return []byte{0x04, 0x01, 0x02, 0x03, 0xde, 0xad, 0xbe, 0xef}
}

// runNodeInBackground drives n's event loop on a goroutine for the
// remainder of the test, the same way an embedding application would call
// Run instead of ReadOneEvent directly.
func runNodeInBackground(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func openTestNode(t *testing.T) (*Node, *fw1394fake.FakeCharDevice) {
	t.Helper()
	dev := fw1394fake.NewFakeCharDevice(testROM(), 0)
	dev.SetBusReset(cdev.EventBusReset{
		NodeID: 1, LocalNodeID: 1, BmNodeID: 1, IrmNodeID: 1, RootNodeID: 1, Generation: 1,
	})
	n := NewNode(DefaultConfig(), DefaultOptions())
	require.NoError(t, n.OpenDevice(dev))
	return n, dev
}

func TestNodeOpenDeviceCachesROMAndGeneration(t *testing.T) {
	n, _ := openTestNode(t)
	assert.Equal(t, testROM(), n.ConfigROM())
	assert.EqualValues(t, 1, n.Generation().Generation)
	assert.EqualValues(t, 1, n.NodeIDs().NodeID)
	assert.EqualValues(t, 0, n.CardID())
}

func TestNodeOpenDeviceTwiceFails(t *testing.T) {
	n, dev := openTestNode(t)
	err := n.OpenDevice(dev)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeOpened))
}

func TestNodeReadOneEventAppliesBusReset(t *testing.T) {
	n, dev := openTestNode(t)
	dev.InjectBusReset(cdev.EventBusReset{
		NodeID: 3, LocalNodeID: 3, BmNodeID: 2, IrmNodeID: 2, RootNodeID: 3, Generation: 2,
	})
	require.NoError(t, n.ReadOneEvent())
	assert.EqualValues(t, 2, n.Generation().Generation)
	assert.EqualValues(t, 3, n.NodeIDs().NodeID)
}

func TestNodeCloseDrainsOutstanding(t *testing.T) {
	n, _ := openTestNode(t)
	rq := NewRequester(n)
	pr, err := rq.Request(GenericRead, 0x1000, 4, nil, 1)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pr.Wait(ctx, time.Now().Add(time.Second))
	require.Error(t, err)
	assert.True(t, IsDisconnected(err))
}

func TestNodeReadCycleTime(t *testing.T) {
	n, dev := openTestNode(t)
	now := time.Unix(1_700_000_000, 123)
	dev.SetCycleTimer(now, 5<<25|100<<12|7)

	ct, err := n.ReadCycleTime(0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, ct.Sec)
	assert.EqualValues(t, 100, ct.Cycle)
	assert.EqualValues(t, 7, ct.Offset)
}

func TestOutstandingCountTracksPendingRequests(t *testing.T) {
	n, _ := openTestNode(t)
	assert.Equal(t, 0, n.OutstandingCount())

	rq := NewRequester(n)
	pr, err := rq.Request(GenericRead, 0x1000, 4, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n.OutstandingCount())

	require.NoError(t, n.ReadOneEvent())
	_, err = pr.Wait(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n.OutstandingCount())
}

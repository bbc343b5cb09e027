package waitset

import (
	"testing"
	"time"
)

func TestDispatchDeliversToMatchingEntry(t *testing.T) {
	s := New()

	var delivered []byte
	e := NewEntry(
		func(frame []byte) bool { return len(frame) > 0 && frame[0] == 0x7 },
		func(frame []byte) { delivered = frame },
	)
	s.Add(e)

	if s.Dispatch([]byte{0x1}) {
		t.Fatal("Dispatch matched a frame it should not have")
	}
	if delivered != nil {
		t.Fatal("non-matching frame was delivered")
	}

	if !s.Dispatch([]byte{0x7, 0xaa}) {
		t.Fatal("Dispatch did not match the expected frame")
	}
	if len(delivered) != 2 || delivered[1] != 0xaa {
		t.Fatalf("unexpected delivered payload: %v", delivered)
	}

	select {
	case <-e.Done():
	default:
		t.Fatal("entry Done() channel was not closed after delivery")
	}

	if s.Len() != 0 {
		t.Fatalf("expected set to be empty after dispatch, got len %d", s.Len())
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	s := New()

	var firstDelivered, secondDelivered bool
	first := NewEntry(
		func(frame []byte) bool { return true },
		func(frame []byte) { firstDelivered = true },
	)
	second := NewEntry(
		func(frame []byte) bool { return true },
		func(frame []byte) { secondDelivered = true },
	)
	s.Add(first)
	s.Add(second)

	if !s.Dispatch([]byte{0x0}) {
		t.Fatal("expected a match")
	}
	if !firstDelivered {
		t.Fatal("expected the first-registered entry to receive the collision")
	}
	if secondDelivered {
		t.Fatal("second entry should not have been delivered to")
	}
	if s.Len() != 1 {
		t.Fatalf("expected one entry left pending, got %d", s.Len())
	}
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	s := New()
	e := NewEntry(func([]byte) bool { return true }, func([]byte) {})
	s.Add(e)

	if !s.Cancel(e) {
		t.Fatal("expected Cancel to find the entry")
	}
	if s.Cancel(e) {
		t.Fatal("expected second Cancel to report not found")
	}
	if s.Dispatch([]byte{0x0}) {
		t.Fatal("cancelled entry should not be matched")
	}
}

func TestDrainDisconnectedUnblocksEveryWaiter(t *testing.T) {
	s := New()

	const n = 4
	entries := make([]*Entry, n)
	for i := range entries {
		entries[i] = NewEntry(func([]byte) bool { return false }, func([]byte) {})
		s.Add(entries[i])
	}

	s.DrainDisconnected()

	for i, e := range entries {
		select {
		case <-e.Done():
		case <-time.After(time.Second):
			t.Fatalf("entry %d was not released by DrainDisconnected", i)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("expected set empty after drain, got %d", s.Len())
	}
}

// Package clock supplies the mockable time source used everywhere a
// deadline is computed: the Requester, the FCP executor and the EFW
// executor all compute "now + timeout" rather than calling time.Now()
// directly. The waits themselves run on real timers (time.Until /
// time.NewTimer), so advancing a fake clock does not end a wait.
//
// This wraps github.com/jacobsa/timeutil rather than hand-rolling a Clock
// interface: jacobsa/timeutil is already a dependency of jacobsa-fuse, a
// kernel-uAPI request/response library with the identical
// mock-time-for-blocking-dispatch problem this library has (see
// SPEC_FULL.md §11).
package clock

import (
	"time"

	"github.com/jacobsa/timeutil"
)

// Clock is the subset of timeutil.Clock this library needs.
type Clock = timeutil.Clock

// Real returns the production clock, backed by time.Now().
func Real() Clock {
	return timeutil.RealClock()
}

// NewFake returns a manually-advanced clock for tests, matching the
// teacher's preference for hand-built fakes over mocking frameworks
// (testing.go's MockBackend) applied to time instead of I/O.
func NewFake() *timeutil.SimulatedClock {
	return timeutil.NewSimulatedClock(time.Unix(0, 0))
}

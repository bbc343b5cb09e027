package fw1394

import (
	"time"

	"github.com/alsa-project/go-fw1394/internal/clock"
	"github.com/alsa-project/go-fw1394/internal/constants"
	"github.com/alsa-project/go-fw1394/internal/logging"
)

// Config carries the tunable knobs every component in this library reads at
// construction time. Mirrors the teacher's DeviceParams/Options split:
// Config is the domain-shaped half (timeouts, buffer sizes), Options is the
// injected-collaborator half (logger, observer, clock).
type Config struct {
	// RequestTimeout is the default deadline for Requester.Transaction when
	// the caller passes zero.
	RequestTimeout time.Duration
	// FCPTimeout is the default deadline for FCPExecutor.AVCTransaction when
	// the caller passes zero. The INTERIM re-wait rule in §4.4 means this
	// deadline is NOT extended by an INTERIM reply.
	FCPTimeout time.Duration
	// EFWTimeout is the default deadline for EFWUnit.Transact when the
	// caller passes zero.
	EFWTimeout time.Duration
	// EventBufferBytes sizes the Node's per-read event buffer. The original
	// hardcodes one page (sysconf(_SC_PAGESIZE)); surfaced here as a tunable
	// with that value as the default.
	EventBufferBytes int
}

// DefaultConfig returns the defaults this spec's Open Questions resolved.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   constants.DefaultRequestTimeout,
		FCPTimeout:       constants.DefaultFCPTimeout,
		EFWTimeout:       constants.DefaultEFWTimeout,
		EventBufferBytes: constants.DefaultEventBufferBytes,
	}
}

// Options carries the injected collaborators a Node and the components
// layered on it use: the logger, the metrics Observer, and the Clock used
// everywhere a deadline is computed. Mirrors the teacher's Options struct in
// backend.go, minus its Context field — this library takes a
// context.Context as a call parameter on each blocking operation instead of
// storing one, matching the rest of the pack's (jacobsa-fuse's) convention
// of a context-per-call rather than a context-on-the-struct.
type Options struct {
	Logger   *logging.Logger
	Observer Observer
	Clock    clock.Clock
}

// DefaultOptions returns an Options with the package's default logger, a
// no-op Observer, and the real wall clock.
func DefaultOptions() *Options {
	return &Options{
		Logger:   logging.Default(),
		Observer: NoOpObserver{},
		Clock:    clock.Real(),
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return DefaultOptions()
	}
	merged := *o
	if merged.Logger == nil {
		merged.Logger = logging.Default()
	}
	if merged.Observer == nil {
		merged.Observer = NoOpObserver{}
	}
	if merged.Clock == nil {
		merged.Clock = clock.Real()
	}
	return &merged
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.FCPTimeout <= 0 {
		c.FCPTimeout = d.FCPTimeout
	}
	if c.EFWTimeout <= 0 {
		c.EFWTimeout = d.EFWTimeout
	}
	if c.EventBufferBytes <= 0 {
		c.EventBufferBytes = d.EventBufferBytes
	}
	return c
}

package fw1394

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alsa-project/go-fw1394/internal/clock"
	"github.com/alsa-project/go-fw1394/internal/constants"
	"github.com/alsa-project/go-fw1394/internal/logging"
)

func TestDefaultConfigMatchesConstants(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, constants.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, constants.DefaultFCPTimeout, cfg.FCPTimeout)
	assert.Equal(t, constants.DefaultEFWTimeout, cfg.EFWTimeout)
	assert.Equal(t, constants.DefaultEventBufferBytes, cfg.EventBufferBytes)
}

func TestConfigWithDefaultsFillsOnlyZeroFields(t *testing.T) {
	cfg := Config{RequestTimeout: 5 * time.Second}
	filled := cfg.withDefaults()

	assert.Equal(t, 5*time.Second, filled.RequestTimeout)
	assert.Equal(t, constants.DefaultFCPTimeout, filled.FCPTimeout)
	assert.Equal(t, constants.DefaultEFWTimeout, filled.EFWTimeout)
	assert.Equal(t, constants.DefaultEventBufferBytes, filled.EventBufferBytes)
}

func TestDefaultOptionsPopulatesAllCollaborators(t *testing.T) {
	opts := DefaultOptions()
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Observer)
	assert.NotNil(t, opts.Clock)
}

func TestOptionsWithDefaultsHandlesNilReceiver(t *testing.T) {
	var opts *Options
	filled := opts.withDefaults()
	assert.NotNil(t, filled.Logger)
	assert.NotNil(t, filled.Observer)
	assert.NotNil(t, filled.Clock)
}

func TestOptionsWithDefaultsPreservesInjectedCollaborators(t *testing.T) {
	m := NewMetrics()
	custom := &Options{
		Logger:   logging.Default(),
		Observer: NewMetricsObserver(m),
		Clock:    clock.Real(),
	}
	filled := custom.withDefaults()
	assert.Same(t, custom.Observer, filled.Observer)
}

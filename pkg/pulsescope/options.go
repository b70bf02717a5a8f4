package pulsescope

import (
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
)

const (
	defaultMaxStoredSweeps  = 8
	defaultMaxFrameFailures = 100
	// defaultReadTimeout bounds frame reads when the caller gives none, so a
	// stop request is noticed within one read.
	defaultReadTimeout = time.Second
)

type Options struct {
	// MaxStoredSweeps bounds how many raw sweeps accumulate replies carry.
	MaxStoredSweeps int
	// MaxFrameFailures is the number of consecutive failed frame reads after
	// which the current sweep is abandoned. Zero selects the default,
	// negative means never give up.
	MaxFrameFailures int
}

type ControllerOption func(c *Controller) error

func WithInfluxDB(writeAPI api.WriteAPI) ControllerOption {
	return func(c *Controller) error {
		c.writeAPI = writeAPI
		return nil
	}
}

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}

// WithStateListener registers fn for every state change. fn runs on the
// goroutine that caused the change with the controller locked, so it must
// not call back into the controller.
func WithStateListener(fn func(StateChange)) ControllerOption {
	return func(c *Controller) error {
		c.listeners = append(c.listeners, fn)
		return nil
	}
}

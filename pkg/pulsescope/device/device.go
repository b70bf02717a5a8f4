package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by ReadFrame when no complete frame arrived in time.
	ErrTimeout = errors.New("device: frame read timed out")
	// ErrSessionLost means the underlying handle is gone. It is terminal for
	// the current configuration; the pipeline must be initialized again.
	ErrSessionLost = errors.New("device: session lost")
	// ErrNotConfigured is returned when Start or ReadFrame is called before Configure.
	ErrNotConfigured = errors.New("device: not configured")
)

// Params describes one gated acquisition setup.
type Params struct {
	// Name identifies the physical device, e.g. "Dev3" or "/dev/ttyUSB0".
	Name string
	// SampleRate in samples per second.
	SampleRate float64
	// FrameSize is the number of samples captured per gate.
	FrameSize int
	// FrameNum is the number of gates per sweep.
	FrameNum int
	// Channels selects the input channel(s), backend specific.
	Channels string
	// VoltageRange is the (min, max) ADC input range in volts.
	VoltageRange [2]float64
	// Timeout bounds a single ReadFrame call.
	Timeout time.Duration
}

// Validate rejects parameters no backend can satisfy.
func (p Params) Validate() error {
	switch {
	case p.SampleRate <= 0:
		return &ConfigError{Field: "sample_rate", Reason: fmt.Sprintf("must be positive, got %g", p.SampleRate)}
	case p.FrameSize < 1:
		return &ConfigError{Field: "frame_size", Reason: fmt.Sprintf("must be at least 1, got %d", p.FrameSize)}
	case p.FrameNum < 1:
		return &ConfigError{Field: "frame_num", Reason: fmt.Sprintf("must be at least 1, got %d", p.FrameNum)}
	case p.VoltageRange[0] > p.VoltageRange[1]:
		return &ConfigError{Field: "voltage_range", Reason: fmt.Sprintf("min %g > max %g", p.VoltageRange[0], p.VoltageRange[1])}
	case p.Timeout < 0:
		return &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// VMax is the largest absolute voltage of the configured range.
func (p Params) VMax() float64 {
	lo, hi := p.VoltageRange[0], p.VoltageRange[1]
	if lo < 0 {
		lo = -lo
	}
	if hi < 0 {
		hi = -hi
	}
	if lo > hi {
		return lo
	}
	return hi
}

// Session is exclusive access to one sampling source. Only the acquisition
// worker calls it.
type Session interface {
	// Configure applies p and returns the parameters the hardware actually
	// achieved. It must not be called while sampling.
	Configure(p Params) (Params, error)
	// Start arms the source. Calling it twice without Stop is undefined.
	Start() error
	// ReadFrame blocks until buf is completely filled with one gate, the
	// timeout expires or ctx is done. On error buf content is undefined.
	ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error
	// Stop disarms the source.
	Stop() error
	// Close releases the handle. It is called exactly once.
	Close() error
}

// ConfigError reports rejected parameters.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("device: invalid %s: %s", e.Field, e.Reason)
}

// HardwareError wraps a transient device fault.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err invalidates the whole session.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionLost)
}

// Int16Scale returns the volts-per-count factor for a signed 16 bit converter
// spanning +-vmax.
func Int16Scale(vmax float64) float64 {
	return vmax / 32768
}

// ScaleInt16 converts raw converter counts to volts into dst.
func ScaleInt16(dst []float64, raw []int16, scale float64) {
	for i := range dst {
		dst[i] = float64(raw[i]) * scale
	}
}

// Deadline returns the earlier of now+timeout and ctx's deadline. A zero
// timeout means no per-read limit.
func Deadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	d, ok := ctx.Deadline()
	if timeout > 0 {
		t := time.Now().Add(timeout)
		if !ok || t.Before(d) {
			return t, true
		}
	}
	return d, ok
}

package rtlsdr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	gsdr "github.com/jpoirier/gortlsdr"
	"github.com/norasector/pulsescope/pkg/pulsescope/device"
)

const (
	maxSampleRate = 2.4e6
	// synchronous reads must be a multiple of this many bytes
	readChunk = 512
)

// RTLSDRDevice uses an RTL-SDR dongle as a gated power detector: every
// sample of a frame is the IQ magnitude at the tuned center frequency.
type RTLSDRDevice struct {
	deviceIdx  int
	centerFreq int
	device     *gsdr.Context

	mu     sync.Mutex
	params device.Params
	iq     []uint8
	armed  bool
}

func NewRTLSDRDevice(deviceIdx, centerFreq int) (*RTLSDRDevice, error) {
	dev, err := gsdr.Open(deviceIdx)
	if err != nil {
		return nil, err
	}
	return &RTLSDRDevice{deviceIdx: deviceIdx, centerFreq: centerFreq, device: dev}, nil
}

func (r *RTLSDRDevice) Configure(p device.Params) (device.Params, error) {
	if err := p.Validate(); err != nil {
		return device.Params{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return device.Params{}, &device.ConfigError{Field: "state", Reason: "cannot configure while armed"}
	}
	if p.SampleRate > maxSampleRate {
		p.SampleRate = maxSampleRate
	}

	if err := r.device.SetCenterFreq(r.centerFreq); err != nil {
		return device.Params{}, &device.HardwareError{Op: "set center freq", Err: err}
	}
	if err := r.device.SetSampleRate(int(p.SampleRate)); err != nil {
		return device.Params{}, &device.ConfigError{Field: "sample_rate", Reason: err.Error()}
	}
	// the tuner rounds to what its PLL can reach
	p.SampleRate = float64(r.device.GetSampleRate())

	n := 2 * p.FrameSize
	if rem := n % readChunk; rem != 0 {
		n += readChunk - rem
	}
	r.iq = make([]uint8, n)
	r.params = p
	return p, nil
}

func (r *RTLSDRDevice) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.iq == nil {
		return device.ErrNotConfigured
	}
	if err := r.device.ResetBuffer(); err != nil {
		return &device.HardwareError{Op: "reset buffer", Err: err}
	}
	r.armed = true
	return nil
}

// ReadFrame performs one synchronous USB transfer. The transfer itself cannot
// be interrupted, so the timeout is only checked after it returns.
func (r *RTLSDRDevice) ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return &device.HardwareError{Op: "read", Err: errors.New("dongle not armed")}
	}
	if 2*len(buf) > len(r.iq) {
		return &device.HardwareError{Op: "read", Err: fmt.Errorf("buffer holds %d samples, frame is %d", len(buf), r.params.FrameSize)}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	n, err := r.device.ReadSync(r.iq, len(r.iq))
	if err != nil {
		return &device.HardwareError{Op: "read sync", Err: err}
	}
	if timeout > 0 && time.Since(start) > timeout {
		return device.ErrTimeout
	}
	if n < 2*len(buf) {
		return &device.HardwareError{Op: "read sync", Err: fmt.Errorf("short transfer: %d of %d bytes", n, 2*len(buf))}
	}

	for i := range buf {
		re := (float64(r.iq[2*i]) - 127.5) / 127.5
		im := (float64(r.iq[2*i+1]) - 127.5) / 127.5
		buf[i] = math.Hypot(re, im)
	}
	return nil
}

func (r *RTLSDRDevice) Stop() error {
	r.mu.Lock()
	r.armed = false
	r.mu.Unlock()
	return nil
}

func (r *RTLSDRDevice) Close() error {
	r.Stop()
	return r.device.Close()
}

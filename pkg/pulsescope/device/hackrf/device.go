package hackrf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"github.com/samuel/go-hackrf/hackrf"
)

const (
	maxSampleRate = 20e6
	lnaGain       = 32
	transferDepth = 64
)

// HackRFDevice turns the HackRF receive stream into gated magnitude frames.
// hackrf.Init must have been called by the program before NewHackRFDevice.
type HackRFDevice struct {
	device     *hackrf.Device
	centerFreq int

	mu       sync.Mutex
	params   device.Params
	armed    bool
	transfer chan []byte
	pending  []byte
}

func NewHackRFDevice(centerFreq int) (*HackRFDevice, error) {
	dev, err := hackrf.Open()
	if err != nil {
		return nil, err
	}

	return &HackRFDevice{
		device:     dev,
		centerFreq: centerFreq,
	}, nil
}

func (h *HackRFDevice) Configure(p device.Params) (device.Params, error) {
	if err := p.Validate(); err != nil {
		return device.Params{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.armed {
		return device.Params{}, &device.ConfigError{Field: "state", Reason: "cannot configure while armed"}
	}
	if p.SampleRate > maxSampleRate {
		p.SampleRate = maxSampleRate
	}
	rate := int(p.SampleRate)

	if err := h.device.SetFreq(uint64(h.centerFreq)); err != nil {
		return device.Params{}, &device.HardwareError{Op: "set freq", Err: err}
	}
	if err := h.device.SetSampleRateManual(rate*2, 2); err != nil {
		return device.Params{}, &device.ConfigError{Field: "sample_rate", Reason: err.Error()}
	}
	if err := h.device.SetLNAGain(lnaGain); err != nil {
		return device.Params{}, &device.HardwareError{Op: "set lna gain", Err: err}
	}
	if err := h.device.SetBasebandFilterBandwidth(rate); err != nil {
		return device.Params{}, &device.HardwareError{Op: "set baseband filter", Err: err}
	}
	p.SampleRate = float64(rate)
	h.params = p
	return p, nil
}

func (h *HackRFDevice) callback(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case h.transfer <- cp:
	default:
		// the reader fell behind; drop the transfer rather than stall the USB thread
	}
	return nil
}

func (h *HackRFDevice) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.params.FrameSize == 0 {
		return device.ErrNotConfigured
	}
	h.transfer = make(chan []byte, transferDepth)
	h.pending = nil
	if err := h.device.StartRX(h.callback); err != nil {
		return &device.HardwareError{Op: "start rx", Err: err}
	}
	h.armed = true
	return nil
}

func (h *HackRFDevice) ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.armed {
		return &device.HardwareError{Op: "read", Err: errors.New("receiver not armed")}
	}
	if len(buf) != h.params.FrameSize {
		return &device.HardwareError{Op: "read", Err: fmt.Errorf("buffer holds %d samples, frame is %d", len(buf), h.params.FrameSize)}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	need := 2 * len(buf)
	for len(h.pending) < need {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return device.ErrTimeout
		case chunk := <-h.transfer:
			h.pending = append(h.pending, chunk...)
		}
	}

	for i := range buf {
		re := float64(int8(h.pending[2*i])) / 128
		im := float64(int8(h.pending[2*i+1])) / 128
		buf[i] = math.Hypot(re, im)
	}
	h.pending = h.pending[need:]
	return nil
}

func (h *HackRFDevice) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.armed {
		return nil
	}
	h.armed = false
	return h.device.StopRX()
}

func (h *HackRFDevice) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}
	return h.device.Close()
}

package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
)

// FileDevice plays back a capture of signed 16 bit little-endian samples,
// one gate after another, as if it came from a digitizer card. The file is
// rewound when it runs out.
type FileDevice struct {
	readFile    *os.File
	timeBetween time.Duration

	mu     sync.Mutex
	params device.Params
	raw    []int16
	scale  float64
	armed  bool
	tick   *time.Ticker
}

func NewFileDevice(file string, timeBetween time.Duration) (*FileDevice, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}

	return &FileDevice{
		readFile:    f,
		timeBetween: timeBetween,
	}, nil
}

func (f *FileDevice) Configure(p device.Params) (device.Params, error) {
	if err := p.Validate(); err != nil {
		return device.Params{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		return device.Params{}, &device.ConfigError{Field: "state", Reason: "cannot configure while armed"}
	}
	f.params = p
	f.raw = make([]int16, p.FrameSize)
	f.scale = device.Int16Scale(p.VMax())
	return p, nil
}

func (f *FileDevice) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raw == nil {
		return device.ErrNotConfigured
	}
	if f.timeBetween > 0 {
		f.tick = time.NewTicker(f.timeBetween)
	}
	f.armed = true
	return nil
}

func (f *FileDevice) ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return &device.HardwareError{Op: "read", Err: errors.New("playback not started")}
	}
	if len(buf) != len(f.raw) {
		return &device.HardwareError{Op: "read", Err: fmt.Errorf("buffer holds %d samples, frame is %d", len(buf), len(f.raw))}
	}

	if f.tick != nil {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return device.ErrTimeout
		case <-f.tick.C:
		}
	}

	err := binary.Read(f.readFile, binary.LittleEndian, f.raw)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if _, err := f.readFile.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: rewinding playback: %v", device.ErrSessionLost, err)
		}
		err = binary.Read(f.readFile, binary.LittleEndian, f.raw)
	}
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %v", device.ErrSessionLost, err)
		}
		return &device.HardwareError{Op: "read", Err: err}
	}

	device.ScaleInt16(buf, f.raw, f.scale)
	return nil
}

func (f *FileDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick != nil {
		f.tick.Stop()
		f.tick = nil
	}
	f.armed = false
	return nil
}

func (f *FileDevice) Close() error {
	f.Stop()
	return f.readFile.Close()
}

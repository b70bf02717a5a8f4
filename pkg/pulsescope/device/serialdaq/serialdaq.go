// Package serialdaq drives a gated digitizer that streams signed 16 bit
// little-endian samples over a serial line. The device is controlled with
// newline terminated ASCII commands:
//
//	CONF <sample_rate> <frame_size> <vmax>
//	ARM
//	DISARM
package serialdaq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"go.bug.st/serial"
)

const defaultBaudRate = 921600

// Port is the subset of serial.Port the digitizer needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type SerialDAQ struct {
	port Port

	mu      sync.Mutex
	params  device.Params
	raw     []byte
	samples []int16
	scale   float64
	armed   bool
}

// Open connects to the digitizer at path. A zero baud rate selects the default.
func Open(path string, baudRate int) (*SerialDAQ, error) {
	if baudRate == 0 {
		baudRate = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return New(port), nil
}

func New(port Port) *SerialDAQ {
	return &SerialDAQ{port: port}
}

func (d *SerialDAQ) command(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(d.port, format+"\n", args...); err != nil {
		return d.classify("write", err)
	}
	return nil
}

func (d *SerialDAQ) Configure(p device.Params) (device.Params, error) {
	if err := p.Validate(); err != nil {
		return device.Params{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.armed {
		return device.Params{}, &device.ConfigError{Field: "state", Reason: "cannot configure while armed"}
	}
	if err := d.command("CONF %d %d %g", int(p.SampleRate), p.FrameSize, p.VMax()); err != nil {
		return device.Params{}, err
	}
	// The firmware only runs at whole sample rates.
	p.SampleRate = float64(int(p.SampleRate))
	d.params = p
	d.raw = make([]byte, 2*p.FrameSize)
	d.samples = make([]int16, p.FrameSize)
	d.scale = device.Int16Scale(p.VMax())
	return p, nil
}

func (d *SerialDAQ) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.raw == nil {
		return device.ErrNotConfigured
	}
	if err := d.port.ResetInputBuffer(); err != nil {
		return d.classify("reset input", err)
	}
	if err := d.command("ARM"); err != nil {
		return err
	}
	d.armed = true
	return nil
}

func (d *SerialDAQ) ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return &device.HardwareError{Op: "read", Err: errors.New("digitizer not armed")}
	}
	if len(buf) != len(d.samples) {
		return &device.HardwareError{Op: "read", Err: fmt.Errorf("buffer holds %d samples, frame is %d", len(buf), len(d.samples))}
	}

	deadline, hasDeadline := device.Deadline(ctx, timeout)
	filled := 0
	for filled < len(d.raw) {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := 100 * time.Millisecond
		if hasDeadline {
			left := time.Until(deadline)
			if left <= 0 {
				if filled > 0 {
					// drop the partial gate so the next read starts aligned
					d.port.ResetInputBuffer()
				}
				return device.ErrTimeout
			}
			if left < wait {
				wait = left
			}
		}
		if err := d.port.SetReadTimeout(wait); err != nil {
			return d.classify("set timeout", err)
		}
		n, err := d.port.Read(d.raw[filled:])
		if err != nil {
			return d.classify("read", err)
		}
		filled += n
	}

	for i := range d.samples {
		d.samples[i] = int16(binary.LittleEndian.Uint16(d.raw[2*i:]))
	}
	device.ScaleInt16(buf, d.samples, d.scale)
	return nil
}

func (d *SerialDAQ) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return nil
	}
	d.armed = false
	return d.command("DISARM")
}

func (d *SerialDAQ) Close() error {
	d.Stop()
	return d.port.Close()
}

// classify maps port errors onto the session error taxonomy.
func (d *SerialDAQ) classify(op string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && (portErr.Code() == serial.PortClosed || portErr.Code() == serial.PortNotFound) {
		return fmt.Errorf("%w: %s: %v", device.ErrSessionLost, op, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", device.ErrSessionLost, op, err)
	}
	return &device.HardwareError{Op: op, Err: err}
}

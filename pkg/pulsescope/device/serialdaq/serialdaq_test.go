package serialdaq

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort answers reads from a queue of chunks and records writes.
type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	chunks  [][]byte
	resets  int
	closed  bool
	readErr error
}

func (p *fakePort) queue(samples ...int16) {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, samples)
	p.mu.Lock()
	p.chunks = append(p.chunks, b.Bytes())
	p.mu.Unlock()
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.chunks) == 0 {
		// a serial read timeout returns no data and no error
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(buf, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if len(p.chunks[0]) == 0 {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.chunks = nil
	return nil
}

func (p *fakePort) commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func testParams() device.Params {
	return device.Params{
		Name:         "/dev/ttyUSB0",
		SampleRate:   250000.7,
		FrameSize:    4,
		FrameNum:     2,
		VoltageRange: [2]float64{-10, 10},
	}
}

func TestConfigureAndRead(t *testing.T) {
	port := &fakePort{}
	daq := New(port)

	p, err := daq.Configure(testParams())
	require.NoError(t, err)
	assert.Equal(t, 250000.0, p.SampleRate)
	require.NoError(t, daq.Start())

	// a gate split over two reads
	port.queue(16384, -16384)
	port.queue(0, 3276)

	buf := make([]float64, 4)
	require.NoError(t, daq.ReadFrame(context.Background(), buf, time.Second))
	assert.Equal(t, 5.0, buf[0])
	assert.Equal(t, -5.0, buf[1])
	assert.Equal(t, 0.0, buf[2])
	assert.InDelta(t, 1.0, buf[3], 1e-3)

	require.NoError(t, daq.Close())
	assert.Equal(t, "CONF 250000 4 10\nARM\nDISARM\n", port.commands())
	assert.True(t, port.closed)
}

func TestPartialGateTimesOut(t *testing.T) {
	port := &fakePort{}
	daq := New(port)
	_, err := daq.Configure(testParams())
	require.NoError(t, err)
	require.NoError(t, daq.Start())
	resets := port.resets

	port.queue(1, 2)
	err = daq.ReadFrame(context.Background(), make([]float64, 4), 20*time.Millisecond)
	require.ErrorIs(t, err, device.ErrTimeout)
	assert.Equal(t, resets+1, port.resets)
}

func TestReadErrors(t *testing.T) {
	port := &fakePort{}
	daq := New(port)
	_, err := daq.Configure(testParams())
	require.NoError(t, err)

	var hwErr *device.HardwareError
	require.ErrorAs(t, daq.ReadFrame(context.Background(), make([]float64, 4), time.Second), &hwErr)
	require.NoError(t, daq.Start())
	require.ErrorAs(t, daq.ReadFrame(context.Background(), make([]float64, 3), time.Second), &hwErr)

	port.readErr = &serial.PortError{}
	require.ErrorAs(t, daq.ReadFrame(context.Background(), make([]float64, 4), time.Second), &hwErr)

	port.readErr = io.EOF
	require.ErrorIs(t, daq.ReadFrame(context.Background(), make([]float64, 4), time.Second), device.ErrSessionLost)
}

func TestStartRequiresConfigure(t *testing.T) {
	daq := New(&fakePort{})
	require.ErrorIs(t, daq.Start(), device.ErrNotConfigured)
}

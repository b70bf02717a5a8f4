// Package sim provides an in-memory sampling session. Frames are either fed
// explicitly (tests) or produced by a generator (demo runs without hardware).
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
)

const feedDepth = 1024

// Generator returns the samples of frame number n of the current run.
type Generator func(n int, frameSize int) []float64

type Session struct {
	feed      chan []float64
	errs      chan error
	generator Generator
	interval  time.Duration
	maxRate   float64

	mu         sync.Mutex
	params     device.Params
	configured bool
	armed      bool
	generated  int
	configErr  error

	starts  atomic.Int32
	stops   atomic.Int32
	closes  atomic.Int32
	reads   atomic.Int64
	configs atomic.Int32
}

type Option func(s *Session)

// WithGenerator produces one frame per interval instead of waiting for Feed.
func WithGenerator(gen Generator, interval time.Duration) Option {
	return func(s *Session) {
		s.generator = gen
		s.interval = interval
	}
}

// WithMaxSampleRate clamps configured sample rates, like real converters do.
func WithMaxSampleRate(rate float64) Option {
	return func(s *Session) {
		s.maxRate = rate
	}
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		feed: make(chan []float64, feedDepth),
		errs: make(chan error, feedDepth),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed queues one frame for a later ReadFrame.
func (s *Session) Feed(frame []float64) {
	cp := make([]float64, len(frame))
	copy(cp, frame)
	s.feed <- cp
}

// FeedConstant queues n frames of size samples all equal to v.
func (s *Session) FeedConstant(n, size int, v float64) {
	for i := 0; i < n; i++ {
		frame := make([]float64, size)
		for j := range frame {
			frame[j] = v
		}
		s.feed <- frame
	}
}

// Fail makes the next ReadFrame return err instead of a frame.
func (s *Session) Fail(err error) {
	s.errs <- err
}

// RejectConfig makes the next Configure fail with err.
func (s *Session) RejectConfig(err error) {
	s.mu.Lock()
	s.configErr = err
	s.mu.Unlock()
}

func (s *Session) Configure(p device.Params) (device.Params, error) {
	s.configs.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return device.Params{}, &device.ConfigError{Field: "state", Reason: "cannot configure while armed"}
	}
	if err := s.configErr; err != nil {
		s.configErr = nil
		return device.Params{}, err
	}
	if err := p.Validate(); err != nil {
		return device.Params{}, err
	}
	if s.maxRate > 0 && p.SampleRate > s.maxRate {
		p.SampleRate = s.maxRate
	}
	s.params = p
	s.configured = true
	return p, nil
}

func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return device.ErrNotConfigured
	}
	s.armed = true
	s.generated = 0
	s.starts.Add(1)
	return nil
}

func (s *Session) ReadFrame(ctx context.Context, buf []float64, timeout time.Duration) error {
	s.reads.Add(1)
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if !armed {
		return &device.HardwareError{Op: "read", Err: fmt.Errorf("source not armed")}
	}

	select {
	case err := <-s.errs:
		return err
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	if s.generator != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return device.ErrTimeout
		case <-time.After(s.interval):
		}
		s.mu.Lock()
		n := s.generated
		s.generated++
		s.mu.Unlock()
		frame := s.generator(n, len(buf))
		copy(buf, frame)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return device.ErrTimeout
	case frame := <-s.feed:
		if len(frame) != len(buf) {
			return &device.HardwareError{Op: "read", Err: fmt.Errorf("fed frame has %d samples, want %d", len(frame), len(buf))}
		}
		copy(buf, frame)
		return nil
	}
}

func (s *Session) Stop() error {
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
	s.stops.Add(1)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.armed = false
	s.configured = false
	s.mu.Unlock()
	s.closes.Add(1)
	return nil
}

// Params returns the last accepted configuration.
func (s *Session) Params() device.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Session) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Session) Starts() int     { return int(s.starts.Load()) }
func (s *Session) Stops() int      { return int(s.stops.Load()) }
func (s *Session) Closes() int     { return int(s.closes.Load()) }
func (s *Session) Reads() int64    { return s.reads.Load() }
func (s *Session) Configures() int { return int(s.configs.Load()) }

// Pending is the number of fed frames not yet read.
func (s *Session) Pending() int {
	return len(s.feed)
}

// GatedPulse returns a generator shaped like a gated fluorescence trace: a
// flat baseline, an exponential decay starting at onset and gaussian noise.
func GatedPulse(baseline, amplitude float64, onset int, decay, noise float64) Generator {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return func(n int, frameSize int) []float64 {
		mu.Lock()
		defer mu.Unlock()
		out := make([]float64, frameSize)
		for i := range out {
			v := baseline
			if i >= onset {
				v += amplitude * math.Exp(-float64(i-onset)/decay)
			}
			out[i] = v + rng.NormFloat64()*noise
		}
		return out
	}
}

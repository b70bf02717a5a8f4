package pulsescope

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"github.com/rs/zerolog"
)

type commandKind int

const (
	cmdInit commandKind = iota
	cmdConfig
	cmdStart
	cmdStop
	cmdDeactivate
)

func (k commandKind) trigger() Trigger {
	switch k {
	case cmdInit:
		return TriggerInit
	case cmdConfig:
		return TriggerConfig
	case cmdStart:
		return TriggerStart
	case cmdStop:
		return TriggerStop
	default:
		return TriggerDeactivate
	}
}

type command struct {
	kind   commandKind
	params device.Params
}

type commandResult struct {
	state  State
	params device.Params
	epoch  uint64
	err    error
	// ok is set on every result the worker produced
	ok bool
}

type fault struct {
	epoch uint64
	err   error
}

// acquisitionWorker owns the session. It waits for commands while idle or
// configured and runs sweeps while sampling, polling the control word before
// every frame read.
type acquisitionWorker struct {
	session  device.Session
	control  *controlSignal
	commands <-chan command
	results  chan<- commandResult
	batches  chan<- *Batch
	faults   chan<- fault
	logger   zerolog.Logger
	writeAPI api.WriteAPI

	maxFailures int

	state      State
	params     device.Params
	epoch      uint64
	sweepIndex int
	resetSeen  uint64
	closed     bool
}

func (w *acquisitionWorker) Run(ctx context.Context) error {
	defer close(w.faults)
	defer close(w.batches)

	for {
		select {
		case <-ctx.Done():
			w.teardown()
			return ctx.Err()
		case cmd := <-w.commands:
			res := w.handle(cmd)

			select {
			case <-ctx.Done():
				w.teardown()
				return ctx.Err()
			case w.results <- res:
			}

			if cmd.kind == cmdDeactivate {
				return nil
			}
			if w.state == StateSampling {
				w.sample(ctx)
			}
		}
	}
}

func (w *acquisitionWorker) result(err error) commandResult {
	return commandResult{state: w.state, params: w.params, epoch: w.epoch, err: err, ok: true}
}

func (w *acquisitionWorker) handle(cmd command) commandResult {
	trig := cmd.kind.trigger()
	next, err := checkTransition(trig, w.state)
	if err != nil {
		return w.result(err)
	}

	switch cmd.kind {
	case cmdInit, cmdConfig:
		effective, err := w.session.Configure(cmd.params)
		if err != nil {
			var cfgErr *device.ConfigError
			if cmd.kind == cmdConfig && errors.As(err, &cfgErr) {
				// rejected parameters leave the previous configuration in place
				w.logger.Warn().Err(err).Msg("reconfiguration rejected")
				return w.result(err)
			}
			w.logger.Error().Err(err).Str("command", trig.String()).Msg("configuration failed")
			w.state = StateIdle
			return w.result(err)
		}
		if cmd.kind == cmdInit {
			w.epoch++
		}
		// a new frame shape is a new run
		w.sweepIndex = 0
		w.params = effective
		w.logger.Info().
			Float64("sample_rate", effective.SampleRate).
			Int("frame_size", effective.FrameSize).
			Int("frame_num", effective.FrameNum).
			Str("channels", effective.Channels).
			Dur("timeout", effective.Timeout).
			Msg("session configured")

	case cmdStart:
		if err := w.session.Start(); err != nil {
			w.logger.Error().Err(err).Msg("failed to arm session")
			if device.IsTerminal(err) {
				w.state = StateIdle
			}
			return w.result(err)
		}

	case cmdStop:
		if err := w.session.Stop(); err != nil {
			w.logger.Warn().Err(err).Msg("error disarming session")
		}
		w.sweepIndex = 0

	case cmdDeactivate:
		if w.state == StateSampling {
			if err := w.session.Stop(); err != nil {
				w.logger.Warn().Err(err).Msg("error disarming session")
			}
		}
		w.state = StateIdle
		w.logger.Debug().Msg("acquisition idle, closing session")
		w.closed = true
		return w.result(w.session.Close())
	}

	w.state = next
	return w.result(nil)
}

// teardown closes the session when the worker exits without a deactivate.
func (w *acquisitionWorker) teardown() {
	if w.closed {
		return
	}
	if w.state == StateSampling {
		w.session.Stop()
	}
	w.state = StateIdle
	w.closed = true
	if err := w.session.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("error closing session")
	}
}

func (w *acquisitionWorker) checkReset() {
	if gen := w.control.resetGeneration(); gen != w.resetSeen {
		w.resetSeen = gen
		w.logger.Info().Int("sweep", w.sweepIndex).Msg("reset sweep count")
		w.sweepIndex = 0
	}
}

func (w *acquisitionWorker) sample(ctx context.Context) {
	for {
		batch, err := w.sweep(ctx)
		if err != nil {
			w.logger.Error().Err(err).Int("sweep", w.sweepIndex).Msg("session lost during sampling")
			w.session.Stop()
			w.state = StateIdle
			select {
			case w.faults <- fault{epoch: w.epoch, err: err}:
			default:
			}
			return
		}
		if batch == nil {
			if ctx.Err() != nil || w.control.load() != ControlRun {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case w.batches <- batch:
		}
	}
}

// sweep reads one full batch. It returns a nil batch when the sweep was
// aborted by the control word or abandoned after too many failed reads, and
// an error only for terminal faults.
func (w *acquisitionWorker) sweep(ctx context.Context) (*Batch, error) {
	start := time.Now()
	frames := make([]Frame, 0, w.params.FrameNum)
	consecutive, failures := 0, 0

	for len(frames) < w.params.FrameNum {
		if ctx.Err() != nil {
			return nil, nil
		}
		if ctl := w.control.load(); ctl != ControlRun {
			w.logger.Debug().
				Str("control", ctl.String()).
				Int("frame", len(frames)).
				Int("sweep", w.sweepIndex+1).
				Msg("sweep aborted")
			go w.writeAPI.WritePoint(influxdb2.NewPoint("pulsescope.sweep_aborted",
				map[string]string{"control": ctl.String()},
				map[string]interface{}{"frames_read": len(frames)},
				time.Now()))
			return nil, nil
		}
		w.checkReset()

		buf := make(Frame, w.params.FrameSize)
		if err := w.session.ReadFrame(ctx, buf, w.params.Timeout); err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			if device.IsTerminal(err) {
				return nil, err
			}
			consecutive++
			failures++
			w.logger.Warn().Err(err).Int("frame", len(frames)).Int("consecutive", consecutive).Msg("frame read failed")
			if w.maxFailures > 0 && consecutive >= w.maxFailures {
				w.logger.Error().Int("failures", consecutive).Msg("abandoning sweep")
				return nil, nil
			}
			continue
		}
		consecutive = 0
		frames = append(frames, buf)
	}

	w.checkReset()
	w.sweepIndex++

	duration := time.Since(start)
	w.logger.Debug().Int("sweep", w.sweepIndex).Dur("duration", duration).Msg("sweep complete")
	go w.writeAPI.WritePoint(influxdb2.NewPoint("pulsescope.sweep",
		map[string]string{},
		map[string]interface{}{
			"sweep":       w.sweepIndex,
			"frames":      len(frames),
			"failures":    failures,
			"duration_us": duration.Microseconds(),
		}, time.Now()))

	return &Batch{Frames: frames, Sweep: w.sweepIndex, Time: time.Now(), gen: w.resetSeen}, nil
}

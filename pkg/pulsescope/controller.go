package pulsescope

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"github.com/norasector/pulsescope/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Controller owns the lifecycle state machine and is the only entry point for
// consumers. Run must be running for any operation to make progress.
type Controller struct {
	session   device.Session
	opts      Options
	logger    zerolog.Logger
	writeAPI  api.WriteAPI
	listeners []func(StateChange)

	control controlSignal
	query   queryFlag
	started atomic.Bool

	commands chan command
	results  chan commandResult
	batches  chan *Batch
	faults   chan fault
	replies  chan reply
	wake     chan struct{}
	// stopped closes when the workers exit, before Run takes mu to publish
	// the final state. done closes when Run returns.
	stopped chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	state    State
	params   device.Params
	epoch    uint64
	closed   bool
	querySeq uint64
	orphan   *reply
	runID    uuid.UUID
}

func NewController(session device.Session, options Options, opts ...ControllerOption) (*Controller, error) {
	if session == nil {
		return nil, fmt.Errorf("must specify a device session")
	}
	if options.MaxStoredSweeps == 0 {
		options.MaxStoredSweeps = defaultMaxStoredSweeps
	}
	if options.MaxFrameFailures == 0 {
		options.MaxFrameFailures = defaultMaxFrameFailures
	}

	c := &Controller{
		session:  session,
		opts:     options,
		logger:   log.Logger,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		commands: make(chan command),
		results:  make(chan commandResult),
		batches:  make(chan *Batch, 1),
		faults:   make(chan fault, 1),
		replies:  make(chan reply, 1),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Run starts both workers and blocks until the pipeline is deactivated or
// ctx is cancelled. The session is closed in either case.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}
	defer close(c.done)

	maxFailures := c.opts.MaxFrameFailures
	if maxFailures < 0 {
		maxFailures = 0
	}

	acq := &acquisitionWorker{
		session:     c.session,
		control:     &c.control,
		commands:    c.commands,
		results:     c.results,
		batches:     c.batches,
		faults:      c.faults,
		logger:      c.logger.With().Str("worker", "acquisition").Logger(),
		writeAPI:    c.writeAPI,
		maxFailures: maxFailures,
	}
	agg := &aggregationWorker{
		batches:  c.batches,
		query:    &c.query,
		wake:     c.wake,
		replies:  c.replies,
		control:  &c.control,
		acc:      NewAccumulator(c.opts.MaxStoredSweeps),
		logger:   c.logger.With().Str("worker", "aggregation").Logger(),
		writeAPI: c.writeAPI,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return acq.Run(ctx)
	})
	eg.Go(func() error {
		return agg.Run(ctx)
	})
	eg.Go(c.watchFaults)

	err := eg.Wait()
	close(c.stopped)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.setState(StateIdle, err)
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) watchFaults() error {
	for f := range c.faults {
		c.mu.Lock()
		c.applyFault(f)
		c.mu.Unlock()
	}
	return nil
}

// applyFault must be called with c.mu held.
func (c *Controller) applyFault(f fault) {
	if f.epoch != c.epoch || c.state == StateIdle {
		return
	}
	c.control.set(ControlStop)
	c.logger.Error().Err(f.err).Str("run_id", c.runID.String()).Msg("acquisition fault, pipeline idle")
	c.setState(StateIdle, &FaultError{Err: f.err})
}

func (c *Controller) drainFaults() {
	for {
		select {
		case f, ok := <-c.faults:
			if !ok {
				return
			}
			c.applyFault(f)
		default:
			return
		}
	}
}

// setState must be called with c.mu held.
func (c *Controller) setState(to State, cause error) {
	from := c.state
	if from == to && cause == nil {
		return
	}
	c.state = to
	c.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		AnErr("cause", cause).
		Msg("state change")
	for _, fn := range c.listeners {
		fn(StateChange{From: from, To: to, Err: cause})
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params returns the effective acquisition parameters.
func (c *Controller) Params() device.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// guard must be called with c.mu held.
func (c *Controller) guard(trig Trigger) error {
	if c.closed {
		return ErrClosed
	}
	c.drainFaults()
	_, err := checkTransition(trig, c.state)
	return err
}

// send delivers one command and waits for the worker's answer, adopting the
// state the worker reports.
func (c *Controller) send(ctx context.Context, cmd command) (commandResult, error) {
	select {
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-c.stopped:
		return commandResult{}, ErrClosed
	case c.commands <- cmd:
	}

	var res commandResult
	select {
	case res = <-c.results:
	case <-c.stopped:
		return commandResult{}, ErrClosed
	}

	c.epoch = res.epoch
	c.params = res.params
	c.drainFaults()
	c.setState(res.state, nil)
	return res, res.err
}

// Initialize configures the session and moves Idle -> Configured. On failure
// the pipeline stays Idle.
func (c *Controller) Initialize(ctx context.Context, params device.Params) (device.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerInit); err != nil {
		return device.Params{}, err
	}
	if err := params.Validate(); err != nil {
		return device.Params{}, err
	}
	if params.Timeout == 0 {
		params.Timeout = defaultReadTimeout
	}

	c.control.set(ControlStop)
	res, err := c.send(ctx, command{kind: cmdInit, params: params})
	if err != nil {
		return device.Params{}, err
	}
	c.runID = uuid.New()
	c.logger.Info().Str("run_id", c.runID.String()).Msg("pipeline initialized")
	return res.params, nil
}

// Reconfigure sets bin width (s), record length (s) and gate count and
// returns the values the device actually achieved. Only legal while
// Configured; rejected parameters leave the previous setup in place.
func (c *Controller) Reconfigure(ctx context.Context, binWidth, recordLength float64, gates int) (float64, float64, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerConfig); err != nil {
		return 0, 0, 0, err
	}

	params := c.params
	if binWidth <= 0 || math.IsNaN(binWidth) || math.IsInf(binWidth, 0) {
		return 0, 0, 0, &device.ConfigError{Field: "bin_width", Reason: fmt.Sprintf("must be positive, got %g", binWidth)}
	}
	if recordLength <= 0 || math.IsNaN(recordLength) || math.IsInf(recordLength, 0) {
		return 0, 0, 0, &device.ConfigError{Field: "record_length", Reason: fmt.Sprintf("must be positive, got %g", recordLength)}
	}
	params.SampleRate = util.SampleRateForBinWidth(binWidth)
	params.FrameSize = util.FrameSize(recordLength, binWidth)
	params.FrameNum = gates
	if err := params.Validate(); err != nil {
		return 0, 0, 0, err
	}

	res, err := c.send(ctx, command{kind: cmdConfig, params: params})
	if err != nil {
		return 0, 0, 0, err
	}
	bw := util.BinWidth(res.params.SampleRate)
	return bw, util.RecordLength(res.params.FrameSize, bw), res.params.FrameNum, nil
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerStart); err != nil {
		return err
	}
	c.control.set(ControlRun)
	if _, err := c.send(ctx, command{kind: cmdStart}); err != nil {
		c.control.set(ControlStop)
		return err
	}
	return nil
}

func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerStop); err != nil {
		return err
	}
	c.control.set(ControlStop)
	_, err := c.send(ctx, command{kind: cmdStop})
	return err
}

// Start arms the device and begins a new sampling run.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx)
}

// Stop aborts the sweep in progress without delivering it and ends the run.
// The next Start counts sweeps from 1 again.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx)
}

// Pause is Stop.
func (c *Controller) Pause(ctx context.Context) error {
	return c.stop(ctx)
}

// Resume is Start; it begins a fresh run.
func (c *Controller) Resume(ctx context.Context) error {
	return c.start(ctx)
}

// ResetSweepCount restarts sweep numbering and discards the running average.
// Queries answered after it returns no longer see the old accumulation, and
// the acquisition worker picks it up before its next frame read.
func (c *Controller) ResetSweepCount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerReset); err != nil {
		return err
	}
	c.control.requestReset()
	c.logger.Debug().Msg("sweep count reset requested")
	return nil
}

// GetData asks the aggregation worker for a snapshot. With accumulate set it
// returns the running average, otherwise the most recent sweep, which also
// clears the accumulation. A zero timeout waits until ctx is done. ErrTimeout
// leaves everything as it was.
func (c *Controller) GetData(ctx context.Context, accumulate bool, timeout time.Duration) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(TriggerQuery); err != nil {
		return Snapshot{}, err
	}

	kind := QueryLast
	if accumulate {
		kind = QueryAccumulate
	}

	c.collectStale()
	if kind == QueryLast && c.orphan != nil {
		r := c.orphan
		c.orphan = nil
		c.logger.Debug().Int("sweep", r.snap.Sweep).Msg("delivering late last-sweep reply")
		return r.snap, r.err
	}

	start := time.Now()
	c.querySeq++
	seq := c.querySeq
	c.query.store(seq, kind)
	select {
	case c.wake <- struct{}{}:
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case r := <-c.replies:
			if r.seq != seq {
				c.keepStale(r)
				continue
			}
			c.writeQueryPoint(kind, start, false)
			return r.snap, r.err
		case <-c.stopped:
			return Snapshot{}, ErrClosed
		case <-timer:
			c.query.store(seq, QueryNone)
			c.writeQueryPoint(kind, start, true)
			c.logger.Warn().Str("kind", kind.String()).Dur("timeout", timeout).Msg("snapshot request timed out")
			return Snapshot{}, ErrTimeout
		case <-ctx.Done():
			c.query.store(seq, QueryNone)
			return Snapshot{}, ctx.Err()
		}
	}
}

// collectStale picks up replies to requests that timed out earlier.
func (c *Controller) collectStale() {
	for {
		select {
		case r := <-c.replies:
			c.keepStale(r)
		default:
			return
		}
	}
}

// keepStale holds on to late destructive replies so their data is still
// delivered exactly once; late accumulate replies carry nothing that a fresh
// request would not.
func (c *Controller) keepStale(r reply) {
	if r.snap.Kind == QueryLast && r.err == nil {
		c.orphan = &r
	}
}

func (c *Controller) writeQueryPoint(kind QueryKind, start time.Time, timedOut bool) {
	go c.writeAPI.WritePoint(influxdb2.NewPoint("pulsescope.query",
		map[string]string{"kind": kind.String()},
		map[string]interface{}{
			"latency_us": time.Since(start).Microseconds(),
			"timeout":    timedOut,
		}, time.Now()))
}

// Deactivate stops sampling, waits for the acquisition worker to go idle,
// closes the session and waits for both workers to drain and exit. The
// pipeline cannot be used afterwards.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	if err := c.guard(TriggerDeactivate); err != nil {
		c.mu.Unlock()
		return err
	}
	c.control.set(ControlExit)
	res, err := c.send(ctx, command{kind: cmdDeactivate})
	if !res.ok {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info().Str("run_id", c.runID.String()).Msg("pipeline deactivated")
	return err
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// RunID identifies the current initialization in logs and stored snapshots.
func (c *Controller) RunID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

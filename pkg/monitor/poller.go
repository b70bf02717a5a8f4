package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/norasector/pulsescope/pkg/pulsescope/config"
	"github.com/norasector/pulsescope/pkg/util"
	"github.com/norasector/pulsescope/pkg/viz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is what the poller pulls snapshots from.
type Source interface {
	GetData(ctx context.Context, accumulate bool, timeout time.Duration) (pulsescope.Snapshot, error)
}

type Options struct {
	RefreshInterval time.Duration
	QueryTimeout    time.Duration
	// MaxRetries bounds how often a timed out query is repeated within one tick.
	MaxRetries int
	// Destructive uses last-sweep queries, which restart the accumulation on
	// every tick, instead of reading the running average.
	Destructive bool
	Derivation  Derivation
	Outputs     []pulsescope.SnapshotOutput
}

// OptionsFromConfig builds poller options from the poll section of the
// config file. Outputs are left for the caller.
func OptionsFromConfig(cfg config.Poll) (Options, error) {
	mode, err := ParseDisplayMode(cfg.DisplayMode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		RefreshInterval: cfg.RefreshInterval,
		QueryTimeout:    cfg.QueryTimeout,
		MaxRetries:      cfg.MaxRetries,
		Destructive:     cfg.Destructive,
		Derivation: Derivation{
			Mode:        mode,
			Integrate:   cfg.Integrate,
			IgnoreFirst: cfg.IgnoreFirst,
			IgnoreLast:  cfg.IgnoreLast,
		},
	}, nil
}

type PollerOption func(p *Poller)

func WithLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) PollerOption {
	return func(p *Poller) {
		p.writeAPI = writeAPI
	}
}

// Poller periodically pulls a snapshot, turns it into display points and
// appends them to a ViewWindow. Elapsed time stops while paused.
type Poller struct {
	source   Source
	window   *viz.ViewWindow
	opts     Options
	logger   zerolog.Logger
	writeAPI api.WriteAPI

	mu         sync.Mutex
	paused     bool
	started    time.Time
	pausePoint float64
	lastSweep  int
	now        func() time.Time
}

func NewPoller(source Source, window *viz.ViewWindow, opts Options, popts ...PollerOption) *Poller {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 100 * time.Millisecond
	}
	p := &Poller{
		source:   source,
		window:   window,
		opts:     opts,
		logger:   log.Logger,
		writeAPI: &util.MockWriteAPI{},
		now:      time.Now,
	}
	for _, opt := range popts {
		opt(p)
	}
	p.started = p.now()
	return p
}

// Elapsed returns the display clock in seconds.
func (p *Poller) Elapsed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed()
}

func (p *Poller) elapsed() float64 {
	if p.paused {
		return p.pausePoint
	}
	return p.pausePoint + p.now().Sub(p.started).Seconds()
}

// Pause freezes the display clock; ticks are skipped until Resume.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.pausePoint = p.elapsed() + p.opts.RefreshInterval.Seconds()
	p.paused = true
}

func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.started = p.now()
	p.paused = false
}

func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// fetch asks the source for a snapshot, repeating timed out queries.
func (p *Poller) fetch(ctx context.Context) (pulsescope.Snapshot, error) {
	var snap pulsescope.Snapshot
	op := func() error {
		var err error
		snap, err = p.source.GetData(ctx, !p.opts.Destructive, p.opts.QueryTimeout)
		if errors.Is(err, pulsescope.ErrTimeout) {
			p.logger.Debug().Err(err).Msg("snapshot query timed out, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	retries := p.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.RefreshInterval/4), uint64(retries)),
		ctx)
	err := backoff.Retry(op, b)
	return snap, err
}

// Tick runs one poll: fetch, derive, append and fan out. It returns the
// number of points appended.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	if p.Paused() {
		return 0, nil
	}

	var (
		snap pulsescope.Snapshot
		err  error
	)
	latency := util.TimeOperationMicroseconds(func() {
		snap, err = p.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, pulsescope.ErrNoData) {
			return 0, nil
		}
		return 0, err
	}
	if snap.Count == 0 {
		return 0, nil
	}

	elapsed := p.Elapsed()
	pts := p.opts.Derivation.Points(&snap, elapsed, p.opts.RefreshInterval)
	p.window.Append(elapsed, pts...)

	skippedOutputs := 0
	for _, output := range p.opts.Outputs {
		select {
		case output.Receive() <- &snap:
		default:
			skippedOutputs++
		}
	}

	p.mu.Lock()
	newSweeps := snap.Sweep - p.lastSweep
	p.lastSweep = snap.Sweep
	p.mu.Unlock()

	go p.writeAPI.WritePoint(influxdb2.NewPoint("pulsescope.poll",
		map[string]string{"mode": p.opts.Derivation.Mode.String()},
		map[string]interface{}{
			"latency_us":      latency,
			"points":          len(pts),
			"sweep":           snap.Sweep,
			"count":           snap.Count,
			"new_sweeps":      newSweeps,
			"skipped_outputs": skippedOutputs,
		}, time.Now()))

	return len(pts), nil
}

// Run polls until ctx is done or the source is closed. Queries rejected
// because the pipeline is not configured are skipped.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := p.Tick(ctx)
			switch {
			case err == nil:
			case errors.Is(err, pulsescope.ErrClosed):
				p.logger.Info().Msg("pipeline closed, poller exiting")
				return nil
			case errors.Is(err, pulsescope.ErrInvalidTransition):
				p.logger.Debug().Err(err).Msg("pipeline not ready")
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				p.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

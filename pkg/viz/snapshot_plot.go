package viz

import (
	"context"
	"sync"

	"github.com/norasector/pulsescope/pkg/pulsescope"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// SnapshotPlotter draws the newest raw frame and the averaged row of the
// latest snapshot against sample index. It doubles as a snapshot output so
// the poller can feed it.
type SnapshotPlotter struct {
	name        string
	recvChan    chan *pulsescope.Snapshot
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions

	mu   sync.Mutex
	last *pulsescope.Snapshot
}

func NewSnapshotPlotter(name string) *SnapshotPlotter {
	return &SnapshotPlotter{
		name:     name,
		recvChan: make(chan *pulsescope.Snapshot, 1),
		plotFunc: plotutil.AddLines,
	}
}

func (sp *SnapshotPlotter) Name() string {
	return sp.name
}

func (sp *SnapshotPlotter) SetPlotType(tp PlotType) {
	switch tp {
	case PlotTypeScatter:
		sp.plotFunc = plotutil.AddScatters
	default:
		sp.plotFunc = plotutil.AddLines
	}
}

func (sp *SnapshotPlotter) AddPlotOption(opt PlotOptions) {
	sp.plotOptions = append(sp.plotOptions, opt)
}

func (sp *SnapshotPlotter) Receive() chan<- *pulsescope.Snapshot {
	return sp.recvChan
}

func (sp *SnapshotPlotter) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-sp.recvChan:
			sp.mu.Lock()
			sp.last = snap
			sp.mu.Unlock()
		}
	}
}

func rowXYs(row []float64) plotter.XYs {
	ret := make(plotter.XYs, len(row))
	for i, v := range row {
		ret[i] = plotter.XY{X: float64(i), Y: v}
	}
	return ret
}

func (sp *SnapshotPlotter) GetImage() *ImageContainer {
	sp.mu.Lock()
	snap := sp.last
	sp.mu.Unlock()
	if snap == nil || len(snap.Average) == 0 {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = sp.name
	p.Y.Label.Text = "Signal (V)"
	p.X.Label.Text = "Sample"

	for _, opt := range sp.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())
	args := []interface{}{"average", rowXYs(snap.Average)}
	if frame := snap.LastFrame(); frame != nil {
		args = append(args, "last frame", rowXYs(frame))
	}
	if err := sp.plotFunc(p, args...); err != nil {
		return nil
	}
	return renderPNG(sp.name, p)
}

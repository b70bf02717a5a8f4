package viz

import (
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// WindowPlotter renders the visible part of a ViewWindow against elapsed
// time. In mean mode it draws one flat line at the mean of the visible
// points, otherwise it connects the points.
type WindowPlotter struct {
	name        string
	window      *ViewWindow
	mean        bool
	plotOptions []PlotOptions
}

func NewWindowPlotter(name string, window *ViewWindow, mean bool) *WindowPlotter {
	return &WindowPlotter{name: name, window: window, mean: mean}
}

func (wp *WindowPlotter) Name() string {
	return wp.name
}

func (wp *WindowPlotter) AddPlotOption(opt PlotOptions) {
	wp.plotOptions = append(wp.plotOptions, opt)
}

// XYs returns what GetImage would draw.
func (wp *WindowPlotter) XYs() plotter.XYs {
	pts := wp.window.Visible()
	if len(pts) == 0 {
		return nil
	}
	if wp.mean {
		avg, _ := wp.window.VisibleMean()
		t0, t1 := wp.window.Bounds()
		return plotter.XYs{{X: t0, Y: avg}, {X: t1, Y: avg}}
	}
	ret := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		ret[i] = plotter.XY{X: pt.T, Y: pt.V}
	}
	return ret
}

func (wp *WindowPlotter) GetImage() *ImageContainer {
	xys := wp.XYs()
	if len(xys) == 0 {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = wp.name
	p.Y.Label.Text = "Signal (V)"
	p.X.Label.Text = "Elapsed (s)"
	t0, t1 := wp.window.Bounds()
	p.X.Min = t0
	p.X.Max = t1

	for _, opt := range wp.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())
	if err := plotutil.AddLinePoints(p, "v(t)", xys); err != nil {
		return nil
	}
	return renderPNG(wp.name, p)
}

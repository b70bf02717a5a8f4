package viz

import (
	"bytes"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

type PlotOptions func(p *plot.Plot)

// WithYRange fixes the value axis instead of autoscaling it.
func WithYRange(lo, hi float64) PlotOptions {
	return func(p *plot.Plot) {
		p.Y.Min = lo
		p.Y.Max = hi
	}
}

func plotWithDefaults() *plot.Plot {

	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.Y.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Legend.TextStyle.Color = color.White
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White

	return p
}

func renderPNG(name string, p *plot.Plot) *ImageContainer {
	var imageData bytes.Buffer
	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil
	}
	if _, err := w.WriteTo(&imageData); err != nil {
		return nil
	}
	return &ImageContainer{name: name, data: imageData.Bytes()}
}

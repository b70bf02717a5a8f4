package viz

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG")

func TestWindowPlotter(t *testing.T) {
	w := NewViewWindow(10*time.Second, 0)
	lines := NewWindowPlotter("trace", w, false)
	mean := NewWindowPlotter("mean", w, true)

	assert.Nil(t, lines.GetImage())

	fill(w, 0, 4)
	assert.Len(t, lines.XYs(), 5)

	xys := mean.XYs()
	require.Len(t, xys, 2)
	assert.Equal(t, 2.0, xys[0].Y)
	assert.Equal(t, -6.0, xys[0].X)
	assert.Equal(t, 4.0, xys[1].X)

	lines.AddPlotOption(WithYRange(-1, 5))
	img := lines.GetImage()
	require.NotNil(t, img)
	assert.True(t, bytes.HasPrefix(img.Data(), pngMagic))
}

func TestSnapshotPlotter(t *testing.T) {
	sp := NewSnapshotPlotter("sweep")
	assert.Nil(t, sp.GetImage())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- sp.Start(ctx) }()

	sp.Receive() <- &pulsescope.Snapshot{
		Rows:    [][]float64{{1, 2, 3}, {2, 2, 2}},
		Average: []float64{2, 2, 2},
		Count:   1,
	}
	require.Eventually(t, func() bool { return sp.GetImage() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, bytes.HasPrefix(sp.GetImage().Data(), pngMagic))

	sp.SetPlotType(PlotTypeScatter)
	assert.NotNil(t, sp.GetImage())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

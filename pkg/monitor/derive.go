package monitor

import (
	"fmt"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/norasector/pulsescope/pkg/viz"
	"gonum.org/v1/gonum/floats"
)

type DisplayMode int

const (
	// DisplayAverage shows the averaged row of each snapshot.
	DisplayAverage DisplayMode = iota
	// DisplayLast shows the newest raw frame.
	DisplayLast
)

func (m DisplayMode) String() string {
	switch m {
	case DisplayLast:
		return "last"
	default:
		return "average"
	}
}

func ParseDisplayMode(s string) (DisplayMode, error) {
	switch s {
	case "", "average":
		return DisplayAverage, nil
	case "last":
		return DisplayLast, nil
	}
	return DisplayAverage, fmt.Errorf("unknown display mode %q", s)
}

// Derivation turns snapshots into display points.
type Derivation struct {
	Mode DisplayMode
	// Integrate replaces the row with the sum of its samples.
	Integrate bool
	// IgnoreFirst and IgnoreLast drop samples from both ends of every row.
	IgnoreFirst int
	IgnoreLast  int
}

// Crop applies the ignore settings to row. It returns nil when nothing is left.
func (d Derivation) Crop(row []float64) []float64 {
	lo, hi := d.IgnoreFirst, len(row)-d.IgnoreLast
	if lo < 0 {
		lo = 0
	}
	if hi > len(row) {
		hi = len(row)
	}
	if lo >= hi {
		return nil
	}
	return row[lo:hi]
}

// Values returns the values to display for snap, before timestamps are
// assigned.
func (d Derivation) Values(snap *pulsescope.Snapshot) []float64 {
	var row []float64
	switch d.Mode {
	case DisplayLast:
		row = snap.LastFrame()
	default:
		row = snap.Average
	}
	row = d.Crop(row)
	if len(row) == 0 {
		return nil
	}
	if d.Integrate {
		return []float64{floats.Sum(row)}
	}
	out := make([]float64, len(row))
	copy(out, row)
	return out
}

// Points spreads the values of snap over the refresh interval ending at
// elapsed (seconds). A single value lands exactly on elapsed.
func (d Derivation) Points(snap *pulsescope.Snapshot, elapsed float64, refresh time.Duration) []viz.Point {
	values := d.Values(snap)
	switch len(values) {
	case 0:
		return nil
	case 1:
		return []viz.Point{{T: elapsed, V: values[0]}}
	}

	n := len(values)
	dt := refresh.Seconds() / float64(n-1)
	pts := make([]viz.Point, n)
	for i, v := range values {
		pts[i] = viz.Point{T: elapsed - float64(n-1-i)*dt, V: v}
	}
	return pts
}

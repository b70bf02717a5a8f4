package pulsescope

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Accumulator keeps the running mean of per-sweep means. After n folds the
// average equals the arithmetic mean of the first n sweep means; sweeps are
// not weighted by their sample count. Apart from a bounded window of recent
// raw sweeps its state does not grow with the number of sweeps.
type Accumulator struct {
	maxStored int

	average    []float64
	count      int
	rows, cols int
	sweep      int
	mismatches int

	last     *Batch
	lastMean []float64
	stored   []*Batch
}

// NewAccumulator keeps the raw frames of at most maxStored recent sweeps for
// accumulate replies. Values below 1 keep only the latest sweep.
func NewAccumulator(maxStored int) *Accumulator {
	if maxStored < 1 {
		maxStored = 1
	}
	return &Accumulator{maxStored: maxStored}
}

// BatchMean returns the element-wise mean of the frames in b.
func BatchMean(b *Batch) []float64 {
	rows, cols := b.Shape()
	if rows == 0 {
		return nil
	}
	mean := make([]float64, cols)
	for _, f := range b.Frames {
		floats.Add(mean, f)
	}
	floats.Scale(1/float64(rows), mean)
	return mean
}

// Add folds b into the running average. A sweep index that does not increase
// marks the start of a new run and discards the previous accumulation. A
// batch whose shape differs from the accumulated one is dropped and
// ErrShapeMismatch is returned.
func (a *Accumulator) Add(b *Batch) error {
	rows, cols := b.Shape()
	if rows == 0 || cols == 0 {
		return fmt.Errorf("%w: empty batch for sweep %d", ErrShapeMismatch, b.Sweep)
	}
	for _, f := range b.Frames {
		if len(f) != cols {
			a.mismatches++
			return fmt.Errorf("%w: ragged batch for sweep %d", ErrShapeMismatch, b.Sweep)
		}
	}

	if b.Sweep <= a.sweep {
		a.Restart()
	}
	a.sweep = b.Sweep

	if a.count > 0 && (rows != a.rows || cols != a.cols) {
		a.mismatches++
		return fmt.Errorf("%w: sweep %d is %dx%d, accumulated %dx%d", ErrShapeMismatch, b.Sweep, rows, cols, a.rows, a.cols)
	}

	mean := BatchMean(b)
	a.count++
	if a.count == 1 {
		a.average = make([]float64, cols)
		copy(a.average, mean)
		a.rows, a.cols = rows, cols
	} else {
		// avg += (mean - avg) / n
		diff := make([]float64, cols)
		floats.SubTo(diff, mean, a.average)
		floats.AddScaled(a.average, 1/float64(a.count), diff)
	}

	a.last = b
	a.lastMean = mean
	a.stored = append(a.stored, b)
	if len(a.stored) > a.maxStored {
		a.stored = a.stored[len(a.stored)-a.maxStored:]
	}
	return nil
}

// Accumulated returns the stored sweeps stacked with the running average as
// the last row. It does not change the accumulator.
func (a *Accumulator) Accumulated() Snapshot {
	snap := Snapshot{
		Kind:            QueryAccumulate,
		Sweep:           a.sweep,
		Count:           a.count,
		ShapeMismatches: a.mismatches,
	}
	if a.count == 0 {
		return snap
	}
	for _, b := range a.stored {
		for _, f := range b.Frames {
			snap.Rows = append(snap.Rows, copyRow(f))
		}
	}
	snap.Average = copyRow(a.average)
	snap.Rows = append(snap.Rows, snap.Average)
	snap.Time = a.last.Time
	return snap
}

// TakeLast returns the newest sweep with its own mean as the last row and
// then clears the accumulation.
func (a *Accumulator) TakeLast() (Snapshot, error) {
	if a.last == nil {
		return Snapshot{Kind: QueryLast, Sweep: a.sweep}, ErrNoData
	}
	snap := Snapshot{
		Kind:            QueryLast,
		Sweep:           a.last.Sweep,
		Count:           1,
		ShapeMismatches: a.mismatches,
		Time:            a.last.Time,
	}
	for _, f := range a.last.Frames {
		snap.Rows = append(snap.Rows, copyRow(f))
	}
	snap.Average = copyRow(a.lastMean)
	snap.Rows = append(snap.Rows, snap.Average)
	a.Reset()
	return snap, nil
}

// Reset drops the accumulated average and stored sweeps. The sweep index of
// the newest batch is kept so the next batch of the same run is not taken for
// a new run.
func (a *Accumulator) Reset() {
	a.average = nil
	a.count = 0
	a.rows, a.cols = 0, 0
	a.last = nil
	a.lastMean = nil
	a.stored = nil
}

// Restart drops everything, including the sweep index and the mismatch
// count, as if no batch had been folded.
func (a *Accumulator) Restart() {
	a.Reset()
	a.sweep = 0
	a.mismatches = 0
}

func (a *Accumulator) Count() int           { return a.count }
func (a *Accumulator) Sweep() int           { return a.sweep }
func (a *Accumulator) ShapeMismatches() int { return a.mismatches }

// Average returns a copy of the running average.
func (a *Accumulator) Average() []float64 {
	return copyRow(a.average)
}

func copyRow(r []float64) []float64 {
	if r == nil {
		return nil
	}
	out := make([]float64, len(r))
	copy(out, r)
	return out
}

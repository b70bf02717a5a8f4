package pulsescope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constBatch(sweep, rows, cols int, v float64) *Batch {
	b := &Batch{Sweep: sweep, Time: time.Now()}
	for i := 0; i < rows; i++ {
		f := make(Frame, cols)
		for j := range f {
			f[j] = v
		}
		b.Frames = append(b.Frames, f)
	}
	return b
}

func TestBatchMean(t *testing.T) {
	b := &Batch{Frames: []Frame{{1, 2, 3}, {3, 4, 5}}}
	assert.Equal(t, []float64{2, 3, 4}, BatchMean(b))
	assert.Nil(t, BatchMean(&Batch{}))
}

func TestAccumulatorMeanOfMeans(t *testing.T) {
	tests := []struct {
		name  string
		means []float64
		want  float64
	}{
		{"single", []float64{4}, 4},
		{"three", []float64{1, 2, 3}, 2},
		{"uneven", []float64{0.5, 10, -3, 7.25}, (0.5 + 10 - 3 + 7.25) / 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(4)
			for i, m := range tt.means {
				require.NoError(t, acc.Add(constBatch(i+1, 3, 5, m)))
			}
			avg := acc.Average()
			require.Len(t, avg, 5)
			for _, v := range avg {
				assert.InDelta(t, tt.want, v, 1e-12)
			}
			assert.Equal(t, len(tt.means), acc.Count())
			assert.Equal(t, len(tt.means), acc.Sweep())
		})
	}
}

func TestAccumulatorSweepMeansAreNotWeighted(t *testing.T) {
	acc := NewAccumulator(1)
	// frames within a sweep average first, so the 1,3 sweep counts as 2
	b := &Batch{Sweep: 1, Frames: []Frame{{1, 1}, {3, 3}}}
	require.NoError(t, acc.Add(b))
	require.NoError(t, acc.Add(constBatch(2, 2, 2, 4)))
	assert.Equal(t, []float64{3, 3}, acc.Average())
}

func TestAccumulatorShapeMismatch(t *testing.T) {
	acc := NewAccumulator(2)
	require.NoError(t, acc.Add(constBatch(1, 3, 4, 1)))

	err := acc.Add(constBatch(2, 3, 5, 9))
	require.ErrorIs(t, err, ErrShapeMismatch)
	err = acc.Add(constBatch(3, 2, 4, 9))
	require.ErrorIs(t, err, ErrShapeMismatch)

	assert.Equal(t, 1, acc.Count())
	assert.Equal(t, 2, acc.ShapeMismatches())
	assert.Equal(t, []float64{1, 1, 1, 1}, acc.Average())

	ragged := &Batch{Sweep: 4, Frames: []Frame{{1, 2}, {1}}}
	require.ErrorIs(t, acc.Add(ragged), ErrShapeMismatch)
	require.ErrorIs(t, acc.Add(&Batch{Sweep: 5}), ErrShapeMismatch)
	assert.Equal(t, 1, acc.Count())
}

func TestAccumulatorNewRunResets(t *testing.T) {
	acc := NewAccumulator(8)
	for i := 1; i <= 3; i++ {
		require.NoError(t, acc.Add(constBatch(i, 3, 10, float64(i))))
	}
	require.ErrorIs(t, acc.Add(constBatch(4, 1, 10, 0)), ErrShapeMismatch)

	require.NoError(t, acc.Add(constBatch(1, 3, 10, 5)))
	assert.Equal(t, 1, acc.Count())
	assert.Equal(t, 1, acc.Sweep())
	assert.Equal(t, 0, acc.ShapeMismatches())
	assert.InDelta(t, 5.0, acc.Average()[0], 1e-12)
}

func TestAccumulatorRestart(t *testing.T) {
	acc := NewAccumulator(8)
	require.NoError(t, acc.Add(constBatch(1, 3, 10, 1)))
	require.NoError(t, acc.Add(constBatch(2, 3, 10, 3)))
	require.ErrorIs(t, acc.Add(constBatch(3, 3, 4, 0)), ErrShapeMismatch)

	acc.Restart()
	snap := acc.Accumulated()
	assert.Equal(t, 0, snap.Sweep)
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, 0, snap.ShapeMismatches)
	assert.Nil(t, snap.Rows)

	// any positive sweep index continues after a restart
	require.NoError(t, acc.Add(constBatch(1, 3, 4, 2)))
	assert.Equal(t, []float64{2, 2, 2, 2}, acc.Average())
}

func TestAccumulatedIsIdempotent(t *testing.T) {
	acc := NewAccumulator(8)
	require.NoError(t, acc.Add(constBatch(1, 2, 3, 1)))
	require.NoError(t, acc.Add(constBatch(2, 2, 3, 2)))

	first := acc.Accumulated()
	second := acc.Accumulated()
	assert.Equal(t, first.Average, second.Average)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, 2, acc.Count())

	// two stored sweeps of two frames plus the average row
	require.Len(t, first.Rows, 5)
	assert.Equal(t, first.Average, first.Rows[4])
	assert.Equal(t, []float64{2, 2, 2}, first.LastFrame())
	assert.Len(t, first.Raw(), 4)
	assert.Equal(t, QueryAccumulate, first.Kind)

	// the snapshot does not alias accumulator state
	first.Average[0] = 100
	assert.InDelta(t, 1.5, acc.Average()[0], 1e-12)
}

func TestAccumulatedEmpty(t *testing.T) {
	snap := NewAccumulator(1).Accumulated()
	assert.Equal(t, 0, snap.Count)
	assert.Nil(t, snap.Rows)
	assert.Nil(t, snap.LastFrame())
}

func TestTakeLastIsDestructive(t *testing.T) {
	acc := NewAccumulator(8)
	_, err := acc.TakeLast()
	require.ErrorIs(t, err, ErrNoData)

	require.NoError(t, acc.Add(constBatch(1, 3, 4, 1)))
	require.NoError(t, acc.Add(constBatch(2, 3, 4, 7)))

	snap, err := acc.TakeLast()
	require.NoError(t, err)
	assert.Equal(t, QueryLast, snap.Kind)
	assert.Equal(t, 2, snap.Sweep)
	require.Len(t, snap.Rows, 4)
	assert.Equal(t, []float64{7, 7, 7, 7}, snap.Average)

	after := acc.Accumulated()
	assert.Equal(t, 0, after.Count)
	assert.Equal(t, 2, after.Sweep)

	// the next sweep of the same run starts a fresh average
	require.NoError(t, acc.Add(constBatch(3, 3, 4, 3)))
	assert.Equal(t, 1, acc.Count())
	assert.Equal(t, []float64{3, 3, 3, 3}, acc.Average())
}

func TestAccumulatorStoredBound(t *testing.T) {
	acc := NewAccumulator(2)
	for i := 1; i <= 5; i++ {
		require.NoError(t, acc.Add(constBatch(i, 1, 2, float64(i))))
	}
	snap := acc.Accumulated()
	require.Len(t, snap.Rows, 3)
	assert.Equal(t, []float64{4, 4}, snap.Rows[0])
	assert.Equal(t, []float64{5, 5}, snap.Rows[1])
	assert.InDelta(t, 3.0, snap.Average[0], 1e-12)
}

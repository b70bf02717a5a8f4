package pulsescope

import "time"

// Frame is one gate worth of samples. It is not modified after capture.
type Frame []float64

// Batch is one complete sweep: FrameNum frames of equal length.
type Batch struct {
	Frames []Frame
	Sweep  int
	Time   time.Time

	// gen is the sweep-count reset generation the batch was captured under.
	gen uint64
}

// Shape returns (frames, samples per frame).
func (b *Batch) Shape() (int, int) {
	if len(b.Frames) == 0 {
		return 0, 0
	}
	return len(b.Frames), len(b.Frames[0])
}

// Snapshot is the reply to a data query.
type Snapshot struct {
	Kind QueryKind
	// Rows holds the raw frames followed by one extra row: the running
	// average for QueryAccumulate, the sweep's own mean for QueryLast.
	Rows [][]float64
	// Average duplicates the last row of Rows.
	Average []float64
	// Sweep is the sweep index of the newest folded batch.
	Sweep int
	// Count is the number of sweep-means in Average.
	Count int
	// ShapeMismatches counts batches dropped since the run began.
	ShapeMismatches int
	Time            time.Time
}

// Raw returns Rows without the trailing average row.
func (s *Snapshot) Raw() [][]float64 {
	if len(s.Rows) == 0 {
		return nil
	}
	return s.Rows[:len(s.Rows)-1]
}

// LastFrame returns the newest raw frame, or nil.
func (s *Snapshot) LastFrame() []float64 {
	raw := s.Raw()
	if len(raw) == 0 {
		return nil
	}
	return raw[len(raw)-1]
}

// StateChange is delivered to state listeners. Err is set when the change was
// forced by a fault.
type StateChange struct {
	From State
	To   State
	Err  error
}

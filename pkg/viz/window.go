package viz

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"gonum.org/v1/gonum/stat"
)

// DefaultRetention is how far back a ViewWindow keeps points.
const DefaultRetention = 1000 * time.Second

// Point is one displayed value at an elapsed time in seconds.
type Point struct {
	T float64
	V float64
}

// ViewWindow is a time ordered FIFO of display points bounded by a retention
// horizon, with a scrollback offset for rendering older slices of it.
type ViewWindow struct {
	mu         sync.RWMutex
	points     *deque.Deque[Point]
	retention  float64
	window     float64
	offset     float64
	followTail bool
}

// NewViewWindow shows window worth of the last retention worth of points.
func NewViewWindow(window, retention time.Duration) *ViewWindow {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &ViewWindow{
		points:     deque.New[Point](),
		retention:  retention.Seconds(),
		window:     window.Seconds(),
		followTail: true,
	}
}

// Append adds points, which must not be older than the newest point already
// held, then evicts everything older than the retention horizon measured
// from now.
func (w *ViewWindow) Append(now float64, pts ...Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range pts {
		if w.points.Len() > 0 && p.T < w.points.Back().T {
			continue
		}
		w.points.PushBack(p)
	}
	for w.points.Len() > 0 && now-w.points.Front().T > w.retention {
		w.points.PopFront()
	}

	if w.followTail {
		w.offset = w.maxOffset()
	} else if limit := w.maxOffset(); w.offset > limit {
		w.offset = limit
	}
}

func (w *ViewWindow) maxOffset() float64 {
	if w.points.Len() == 0 {
		return 0
	}
	span := w.points.Back().T - w.points.Front().T - w.window
	if span < 0 {
		return 0
	}
	return span
}

// MaxOffset is the largest scrollback offset, in seconds from the oldest
// retained point.
func (w *ViewWindow) MaxOffset() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxOffset()
}

// Scroll moves the window start to offset seconds after the oldest point.
// Reaching the maximum pins the window to the newest data again.
func (w *ViewWindow) Scroll(offset float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	limit := w.maxOffset()
	if offset < 0 {
		offset = 0
	}
	if offset >= limit {
		offset = limit
		w.followTail = true
	} else {
		w.followTail = false
	}
	w.offset = offset
}

// FollowTail reports whether the window tracks the newest data.
func (w *ViewWindow) FollowTail() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.followTail
}

// Offset returns the current scrollback offset.
func (w *ViewWindow) Offset() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.offset
}

// Len returns the number of retained points.
func (w *ViewWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.points.Len()
}

// Bounds returns the [t0, t1] interval currently displayed.
func (w *ViewWindow) Bounds() (float64, float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bounds()
}

func (w *ViewWindow) bounds() (float64, float64) {
	if w.points.Len() == 0 {
		return 0, w.window
	}
	if w.followTail {
		last := w.points.Back().T
		return last - w.window, last
	}
	t0 := w.points.Front().T + w.offset
	return t0, t0 + w.window
}

// Visible returns a copy of the points inside the displayed interval.
func (w *ViewWindow) Visible() []Point {
	w.mu.RLock()
	defer w.mu.RUnlock()

	t0, t1 := w.bounds()
	var out []Point
	for i := 0; i < w.points.Len(); i++ {
		p := w.points.At(i)
		if p.T < t0 {
			continue
		}
		if p.T > t1 {
			break
		}
		out = append(out, p)
	}
	return out
}

// VisibleMean is the mean value of the displayed points.
func (w *ViewWindow) VisibleMean() (float64, bool) {
	pts := w.Visible()
	if len(pts) == 0 {
		return 0, false
	}
	vs := make([]float64, len(pts))
	for i, p := range pts {
		vs[i] = p.V
	}
	return stat.Mean(vs, nil), true
}

package viz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(w *ViewWindow, from, to int) {
	for i := from; i <= to; i++ {
		w.Append(float64(i), Point{T: float64(i), V: float64(i)})
	}
}

func TestViewWindowRetention(t *testing.T) {
	w := NewViewWindow(10*time.Second, 100*time.Second)
	fill(w, 0, 150)

	assert.Equal(t, 101, w.Len())
	vis := w.Visible()
	require.NotEmpty(t, vis)
	assert.Equal(t, 140.0, vis[0].T)
	assert.Equal(t, 150.0, vis[len(vis)-1].T)
}

func TestViewWindowDefaultRetention(t *testing.T) {
	w := NewViewWindow(time.Second, 0)
	w.Append(0, Point{T: 0, V: 1})
	w.Append(1000, Point{T: 1000, V: 2})
	assert.Equal(t, 2, w.Len())
	w.Append(1000.5, Point{T: 1000.5, V: 3})
	assert.Equal(t, 2, w.Len())
}

func TestViewWindowDropsOutOfOrder(t *testing.T) {
	w := NewViewWindow(10*time.Second, 0)
	w.Append(5, Point{T: 5, V: 1})
	w.Append(5, Point{T: 4, V: 2}, Point{T: 6, V: 3})
	assert.Equal(t, 2, w.Len())
}

func TestViewWindowScroll(t *testing.T) {
	w := NewViewWindow(10*time.Second, 0)
	fill(w, 0, 50)

	assert.True(t, w.FollowTail())
	assert.Equal(t, 40.0, w.MaxOffset())
	assert.Equal(t, 40.0, w.Offset())

	w.Scroll(5)
	assert.False(t, w.FollowTail())
	t0, t1 := w.Bounds()
	assert.Equal(t, 5.0, t0)
	assert.Equal(t, 15.0, t1)
	vis := w.Visible()
	assert.Equal(t, 5.0, vis[0].T)
	assert.Equal(t, 15.0, vis[len(vis)-1].T)

	// new data does not move a scrolled window
	fill(w, 51, 60)
	t0, _ = w.Bounds()
	assert.Equal(t, 5.0, t0)
	assert.Equal(t, 50.0, w.MaxOffset())

	w.Scroll(-3)
	assert.Equal(t, 0.0, w.Offset())
	assert.False(t, w.FollowTail())

	w.Scroll(w.MaxOffset())
	assert.True(t, w.FollowTail())
	fill(w, 61, 61)
	t0, t1 = w.Bounds()
	assert.Equal(t, 51.0, t0)
	assert.Equal(t, 61.0, t1)
}

func TestViewWindowScrollPastEnd(t *testing.T) {
	w := NewViewWindow(10*time.Second, 0)
	fill(w, 0, 20)
	w.Scroll(1000)
	assert.True(t, w.FollowTail())
	assert.Equal(t, 10.0, w.Offset())
}

func TestViewWindowShortBuffer(t *testing.T) {
	w := NewViewWindow(10*time.Second, 0)
	assert.Equal(t, 0.0, w.MaxOffset())
	assert.Empty(t, w.Visible())
	_, ok := w.VisibleMean()
	assert.False(t, ok)

	fill(w, 0, 3)
	assert.Equal(t, 0.0, w.MaxOffset())
	assert.Len(t, w.Visible(), 4)
	mean, ok := w.VisibleMean()
	require.True(t, ok)
	assert.Equal(t, 1.5, mean)
}

func TestViewWindowEvictionClampsOffset(t *testing.T) {
	w := NewViewWindow(10*time.Second, 30*time.Second)
	fill(w, 0, 30)
	w.Scroll(15)
	// evicting shrinks the span below the offset
	w.Append(100, Point{T: 100, V: 0})
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 0.0, w.Offset())
}

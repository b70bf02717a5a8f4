package pulsescope

import (
	"context"
	"testing"
	"time"

	"github.com/norasector/pulsescope/pkg/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aggregationHarness struct {
	worker  *aggregationWorker
	batches chan *Batch
	wake    chan struct{}
	replies chan reply
	control *controlSignal
	query   *queryFlag
	seq     uint64
}

func startAggregation(t *testing.T) *aggregationHarness {
	t.Helper()
	h := &aggregationHarness{
		batches: make(chan *Batch),
		wake:    make(chan struct{}, 1),
		replies: make(chan reply, 1),
		control: &controlSignal{},
		query:   &queryFlag{},
	}
	h.worker = &aggregationWorker{
		batches:  h.batches,
		query:    h.query,
		control:  h.control,
		wake:     h.wake,
		replies:  h.replies,
		acc:      NewAccumulator(4),
		logger:   zerolog.Nop(),
		writeAPI: &util.MockWriteAPI{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *aggregationHarness) ask(t *testing.T, kind QueryKind) reply {
	t.Helper()
	h.seq++
	h.query.store(h.seq, kind)
	h.wake <- struct{}{}
	select {
	case r := <-h.replies:
		require.Equal(t, h.seq, r.seq)
		return r
	case <-time.After(time.Second):
		t.Fatal("no reply")
		return reply{}
	}
}

func TestAggregationServesEachQueryOnce(t *testing.T) {
	h := startAggregation(t)
	h.batches <- constBatch(1, 2, 3, 4)

	r := h.ask(t, QueryAccumulate)
	assert.Equal(t, 1, r.snap.Count)

	// a wake without a new sequence number is not answered again
	h.wake <- struct{}{}
	h.batches <- constBatch(2, 2, 3, 4)
	select {
	case r := <-h.replies:
		t.Fatalf("unexpected reply %d", r.seq)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAggregationResetDiscardsBeforeNextBatch(t *testing.T) {
	h := startAggregation(t)
	for i := 1; i <= 3; i++ {
		h.batches <- constBatch(i, 2, 3, float64(i))
	}
	require.Equal(t, 3, h.ask(t, QueryAccumulate).snap.Count)

	h.control.requestReset()
	r := h.ask(t, QueryAccumulate)
	assert.Equal(t, 0, r.snap.Sweep)
	assert.Equal(t, 0, r.snap.Count)

	// captured before the reset was seen by the acquisition side
	h.batches <- constBatch(4, 2, 3, 9)
	assert.Equal(t, 0, h.ask(t, QueryAccumulate).snap.Count)

	fresh := constBatch(1, 2, 3, 5)
	fresh.gen = 1
	h.batches <- fresh
	r = h.ask(t, QueryAccumulate)
	assert.Equal(t, 1, r.snap.Sweep)
	assert.Equal(t, 1, r.snap.Count)
	assert.InDelta(t, 5.0, r.snap.Average[0], 1e-12)
}

package pulsescope

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
)

type reply struct {
	seq  uint64
	snap Snapshot
	err  error
}

// aggregationWorker folds batches into the running average and answers
// snapshot queries. It serves each query sequence number once, then goes
// back to plain accumulation.
type aggregationWorker struct {
	batches  <-chan *Batch
	query    *queryFlag
	control  *controlSignal
	wake     <-chan struct{}
	replies  chan<- reply
	acc      *Accumulator
	logger   zerolog.Logger
	writeAPI api.WriteAPI

	served    uint64
	resetSeen uint64
}

func (w *aggregationWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-w.batches:
			if !ok {
				w.logger.Debug().Int("sweep", w.acc.Sweep()).Int("count", w.acc.Count()).Msg("batch stream closed")
				return nil
			}
			w.checkReset()
			if batch.gen < w.resetSeen {
				w.logger.Debug().Int("sweep", batch.Sweep).Msg("dropping batch captured before reset")
			} else {
				w.fold(batch)
			}
			if err := w.serve(ctx); err != nil {
				return err
			}
		case <-w.wake:
			if err := w.serve(ctx); err != nil {
				return err
			}
		}
	}
}

// checkReset discards the accumulation once per sweep-count reset, so a
// query issued after the reset never sees the old average.
func (w *aggregationWorker) checkReset() {
	if gen := w.control.resetGeneration(); gen != w.resetSeen {
		w.resetSeen = gen
		w.logger.Info().Int("sweep", w.acc.Sweep()).Int("count", w.acc.Count()).Msg("discarding accumulation on reset")
		w.acc.Restart()
	}
}

func (w *aggregationWorker) fold(batch *Batch) {
	err := w.acc.Add(batch)
	if errors.Is(err, ErrShapeMismatch) {
		w.logger.Warn().Err(err).Int("sweep", batch.Sweep).Msg("dropping batch")
		go w.writeAPI.WritePoint(influxdb2.NewPoint("pulsescope.aggregate",
			map[string]string{"result": "shape_mismatch"},
			map[string]interface{}{
				"sweep":            batch.Sweep,
				"count":            w.acc.Count(),
				"shape_mismatches": w.acc.ShapeMismatches(),
			}, time.Now()))
		return
	}
	w.logger.Debug().Int("sweep", batch.Sweep).Int("count", w.acc.Count()).Msg("batch folded")
}

func (w *aggregationWorker) serve(ctx context.Context) error {
	seq, kind := w.query.load()
	if seq == w.served {
		return nil
	}
	w.checkReset()
	w.served = seq

	var r reply
	switch kind {
	case QueryAccumulate:
		r = reply{seq: seq, snap: w.acc.Accumulated()}
	case QueryLast:
		snap, err := w.acc.TakeLast()
		r = reply{seq: seq, snap: snap, err: err}
	default:
		// retracted before we got to it
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.replies <- r:
	}
	return nil
}

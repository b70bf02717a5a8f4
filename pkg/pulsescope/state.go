package pulsescope

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a pipeline.
type State int32

const (
	StateIdle State = iota
	StateConfigured
	StateSampling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateSampling:
		return "sampling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Trigger names a requested transition.
type Trigger int

const (
	TriggerInit Trigger = iota
	TriggerStart
	TriggerStop
	TriggerConfig
	TriggerDeactivate
	TriggerReset
	TriggerQuery
)

func (t Trigger) String() string {
	switch t {
	case TriggerInit:
		return "init"
	case TriggerStart:
		return "start"
	case TriggerStop:
		return "stop"
	case TriggerConfig:
		return "config"
	case TriggerDeactivate:
		return "deactivate"
	case TriggerReset:
		return "reset"
	case TriggerQuery:
		return "query"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

type transition struct {
	from []State
	to   State
}

// transitions is the complete table of legal moves. Reset and query do not
// change state; they only list where they are accepted.
var transitions = map[Trigger]transition{
	TriggerInit:       {from: []State{StateIdle}, to: StateConfigured},
	TriggerStart:      {from: []State{StateConfigured}, to: StateSampling},
	TriggerStop:       {from: []State{StateSampling}, to: StateConfigured},
	TriggerConfig:     {from: []State{StateConfigured}, to: StateConfigured},
	TriggerDeactivate: {from: []State{StateIdle, StateConfigured, StateSampling}, to: StateIdle},
	TriggerReset:      {from: []State{StateConfigured, StateSampling}},
	TriggerQuery:      {from: []State{StateConfigured, StateSampling}},
}

// checkTransition returns the destination of trig from cur, or a
// *TransitionError when trig is not allowed there.
func checkTransition(trig Trigger, cur State) (State, error) {
	tr, ok := transitions[trig]
	if !ok {
		return cur, &TransitionError{Trigger: trig, State: cur}
	}
	for _, s := range tr.from {
		if s == cur {
			if trig == TriggerReset || trig == TriggerQuery {
				return cur, nil
			}
			return tr.to, nil
		}
	}
	return cur, &TransitionError{Trigger: trig, State: cur}
}

// Control is the lifecycle word polled by the acquisition worker before every
// frame read.
type Control int32

const (
	ControlStop Control = iota
	ControlRun
	ControlExit
)

func (c Control) String() string {
	switch c {
	case ControlStop:
		return "stop"
	case ControlRun:
		return "run"
	case ControlExit:
		return "exit"
	default:
		return fmt.Sprintf("control(%d)", int32(c))
	}
}

// controlSignal is written only by the controller and read only by the
// acquisition worker. Sweep-count resets travel as a generation counter so
// the worker never has to write back to acknowledge them.
type controlSignal struct {
	word  atomic.Int32
	reset atomic.Uint64
}

func (c *controlSignal) set(v Control) {
	c.word.Store(int32(v))
}

func (c *controlSignal) load() Control {
	return Control(c.word.Load())
}

func (c *controlSignal) requestReset() {
	c.reset.Add(1)
}

func (c *controlSignal) resetGeneration() uint64 {
	return c.reset.Load()
}

// QueryKind selects what a snapshot request returns.
type QueryKind int32

const (
	QueryNone QueryKind = iota
	// QueryAccumulate returns the running average and the stored sweeps.
	QueryAccumulate
	// QueryLast returns the most recent sweep and clears the accumulation.
	QueryLast
)

func (k QueryKind) String() string {
	switch k {
	case QueryNone:
		return "none"
	case QueryAccumulate:
		return "accumulate"
	case QueryLast:
		return "last"
	default:
		return fmt.Sprintf("query(%d)", int32(k))
	}
}

// queryFlag packs a request sequence number and a kind into one word. The
// controller is the only writer; the aggregation worker remembers the last
// sequence it served instead of clearing the flag.
type queryFlag struct {
	word atomic.Uint64
}

func (q *queryFlag) store(seq uint64, kind QueryKind) {
	q.word.Store(seq<<8 | uint64(kind&0xff))
}

func (q *queryFlag) load() (uint64, QueryKind) {
	w := q.word.Load()
	return w >> 8, QueryKind(w & 0xff)
}

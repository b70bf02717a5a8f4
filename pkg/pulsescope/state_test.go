package pulsescope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		trig    Trigger
		from    State
		want    State
		wantErr bool
	}{
		{"init from idle", TriggerInit, StateIdle, StateConfigured, false},
		{"init twice", TriggerInit, StateConfigured, StateConfigured, true},
		{"start from idle", TriggerStart, StateIdle, StateIdle, true},
		{"start", TriggerStart, StateConfigured, StateSampling, false},
		{"start while sampling", TriggerStart, StateSampling, StateSampling, true},
		{"stop", TriggerStop, StateSampling, StateConfigured, false},
		{"stop when configured", TriggerStop, StateConfigured, StateConfigured, true},
		{"config", TriggerConfig, StateConfigured, StateConfigured, false},
		{"config while sampling", TriggerConfig, StateSampling, StateSampling, true},
		{"config from idle", TriggerConfig, StateIdle, StateIdle, true},
		{"deactivate idle", TriggerDeactivate, StateIdle, StateIdle, false},
		{"deactivate configured", TriggerDeactivate, StateConfigured, StateIdle, false},
		{"deactivate sampling", TriggerDeactivate, StateSampling, StateIdle, false},
		{"reset sampling", TriggerReset, StateSampling, StateSampling, false},
		{"reset idle", TriggerReset, StateIdle, StateIdle, true},
		{"query configured", TriggerQuery, StateConfigured, StateConfigured, false},
		{"query idle", TriggerQuery, StateIdle, StateIdle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkTransition(tt.trig, tt.from)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				var te *TransitionError
				if assert.True(t, errors.As(err, &te)) {
					assert.Equal(t, tt.trig, te.Trigger)
					assert.Equal(t, tt.from, te.State)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueryFlag(t *testing.T) {
	var q queryFlag
	seq, kind := q.load()
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, QueryNone, kind)

	q.store(42, QueryLast)
	seq, kind = q.load()
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, QueryLast, kind)

	q.store(42, QueryNone)
	_, kind = q.load()
	assert.Equal(t, QueryNone, kind)
}

func TestControlSignalReset(t *testing.T) {
	var c controlSignal
	assert.Equal(t, ControlStop, c.load())
	c.set(ControlRun)
	assert.Equal(t, ControlRun, c.load())

	gen := c.resetGeneration()
	c.requestReset()
	c.requestReset()
	assert.Equal(t, gen+2, c.resetGeneration())
	assert.Equal(t, ControlRun, c.load())
}

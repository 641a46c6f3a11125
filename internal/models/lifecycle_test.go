package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateIdle, StateIngested, true},
		{StateIdle, StateGenerating, false},
		{StateIngested, StateGenerating, true},
		{StateIngested, StateRunning, false},
		{StateGenerating, StateGenerated, true},
		{StateGenerating, StateBlocked, true},
		{StateGenerating, StateRunning, false},
		{StateGenerated, StateRunning, true},
		{StateRunning, StatePassed, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateHealing, false},
		{StateFailed, StateHealing, true},
		{StateBlocked, StateHealing, true},
		{StatePassed, StateHealing, false},
		{StateExhausted, StateHealing, true},
		{StateGenerated, StateHealing, false},
		{StateHealing, StateReRunning, true},
		{StateHealing, StateExhausted, true},
		{StateHealing, StateRunning, false},
		{StateReRunning, StatePassed, true},
		{StateReRunning, StateExhausted, true},
		{StateReRunning, StateHealing, false},
		{StateExhausted, StateIngested, true},
		{StateExhausted, StateGenerating, true},
		{StatePassed, StateRunning, true},
		{StateHealing, StateFailed, true},
		{LifecycleState("BOGUS"), StateIngested, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestInFlightStatesCannotStartNewSteps(t *testing.T) {
	for _, s := range AllStates {
		if !s.InFlight() {
			continue
		}
		assert.False(t, CanTransition(s, StateIngested), "%s -> INGESTED", s)
		assert.False(t, CanTransition(s, StateGenerating), "%s -> GENERATING", s)
	}
}

func TestRunResultPassed(t *testing.T) {
	assert.True(t, (&RunResult{PassCount: 3}).Passed())
	assert.False(t, (&RunResult{PassCount: 1, FailCount: 1}).Passed())
	assert.False(t, (&RunResult{ErrorCount: 1}).Passed())
	assert.Equal(t, RunStatusFailed, (&RunResult{ErrorCount: 1}).Status())
}

package models

type LifecycleState string

const (
	StateIdle       LifecycleState = "IDLE"
	StateIngested   LifecycleState = "INGESTED"
	StateGenerating LifecycleState = "GENERATING"
	StateGenerated  LifecycleState = "GENERATED"
	StateRunning    LifecycleState = "RUNNING"
	StatePassed     LifecycleState = "PASSED"
	StateFailed     LifecycleState = "FAILED"
	StateHealing    LifecycleState = "HEALING"
	StateReRunning  LifecycleState = "RE_RUNNING"
	StateExhausted  LifecycleState = "EXHAUSTED"
	StateBlocked    LifecycleState = "BLOCKED"
)

var AllStates = []LifecycleState{
	StateIdle, StateIngested, StateGenerating, StateGenerated, StateRunning,
	StatePassed, StateFailed, StateHealing, StateReRunning, StateExhausted, StateBlocked,
}

// InFlight reports whether a state belongs to an active cycle step. Only one
// in-flight step may exist per project.
func (s LifecycleState) InFlight() bool {
	switch s {
	case StateGenerating, StateRunning, StateHealing, StateReRunning:
		return true
	}
	return false
}

func (s LifecycleState) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

var inFlightTransitions = map[LifecycleState][]LifecycleState{
	StateGenerating: {StateGenerated, StateFailed, StateBlocked},
	StateRunning:    {StatePassed, StateFailed, StateBlocked},
	StateHealing:    {StateReRunning, StateExhausted, StateBlocked},
	StateReRunning:  {StatePassed, StateExhausted, StateBlocked},
}

// CanTransition is the lifecycle transition table. Settled states may start a
// new step; in-flight states may only move to their listed successors, or to
// FAILED when a cycle is abandoned or recovered from a stale lease.
func CanTransition(from, to LifecycleState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.InFlight() {
		if to == StateFailed {
			return true
		}
		for _, next := range inFlightTransitions[from] {
			if next == to {
				return true
			}
		}
		return false
	}

	switch to {
	case StateIngested:
		return true
	case StateGenerating:
		return from != StateIdle
	case StateRunning:
		return from != StateIdle && from != StateIngested
	case StateHealing:
		// EXHAUSTED only reaches HEALING through an explicit heal request
		// on a run that still has budget; cycles never heal twice.
		return from == StateFailed || from == StateBlocked || from == StateExhausted
	}
	return false
}

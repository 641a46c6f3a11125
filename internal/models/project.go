package models

import "time"

type Endpoint struct {
	Method string `json:"method" yaml:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Path   string `json:"path" yaml:"path" validate:"required,startswith=/"`
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

type Project struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Endpoints         []Endpoint     `json:"endpoints"`
	State             LifecycleState `json:"state"`
	TargetBaseURL     string         `json:"target_base_url"`
	CurrentArtifactID string         `json:"current_artifact_id,omitempty"`
	LastRunID         string         `json:"last_run_id,omitempty"`
	StateReason       string         `json:"state_reason,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	BlockedUntil      *time.Time     `json:"blocked_until,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StateChange is one lifecycle move. The engine applies it to the project
// and persists the whole record under its lease; Reason and Class replace
// the previous values even when empty.
type StateChange struct {
	State        LifecycleState
	Reason       string
	Class        string
	BlockedUntil *time.Time
}

func (p *Project) Apply(change StateChange) {
	p.State = change.State
	p.StateReason = change.Reason
	p.StateClass = change.Class
	p.BlockedUntil = change.BlockedUntil
}

// Blocked reports whether a quota backoff is still in force at now. The
// deadline outlives the BLOCKED state itself: re-ingesting does not reset it.
func (p *Project) Blocked(now time.Time) bool {
	return p.BlockedUntil != nil && now.Before(*p.BlockedUntil)
}

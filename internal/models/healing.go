package models

import "time"

type HealKind string

const (
	HealNone          HealKind = ""
	HealTestPatch     HealKind = "test_patch"
	HealCodeDiagnosis HealKind = "code_diagnosis"
)

func (k HealKind) Valid() bool {
	return k == HealTestPatch || k == HealCodeDiagnosis
}

type HealOutcome string

const (
	HealApplied   HealOutcome = "applied"
	HealDiagnosed HealOutcome = "diagnosed"
	HealFailed    HealOutcome = "failed"
)

type HealingAttempt struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"project_id"`
	RunResultID        string      `json:"run_result_id"`
	Kind               HealKind    `json:"kind"`
	Outcome            HealOutcome `json:"outcome"`
	ProducedArtifactID string      `json:"produced_artifact_id,omitempty"`
	Detail             string      `json:"detail,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

package models

import "time"

type RunResult struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	ArtifactID string        `json:"artifact_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	PassCount  int           `json:"pass_count"`
	FailCount  int           `json:"fail_count"`
	ErrorCount int           `json:"error_count"`
	Reward     float64       `json:"reward"`
	RawLogs    string        `json:"raw_logs"`
}

// Passed is the only place the pass/fail rule lives: no failures and no errors.
func (r *RunResult) Passed() bool {
	return r.FailCount == 0 && r.ErrorCount == 0
}

func (r *RunResult) Status() RunStatus {
	if r.Passed() {
		return RunStatusPassed
	}
	return RunStatusFailed
}

type RunStatus string

const (
	RunStatusPassed RunStatus = "passed"
	RunStatusFailed RunStatus = "failed"
)

type RunPhase string

const (
	PhaseRun   RunPhase = "run"
	PhaseReRun RunPhase = "rerun"
)

type HistoryRecord struct {
	Seq         int64     `json:"seq"`
	ProjectName string    `json:"project_name"`
	Phase       RunPhase  `json:"phase"`
	Status      RunStatus `json:"status"`
	RunResult
}

type HistoryQuery struct {
	ProjectID string
	Limit     int
}

type Stats struct {
	TotalRuns      int     `json:"total_runs"`
	PassedRuns     int     `json:"passed_runs"`
	AvgReward      float64 `json:"avg_reward"`
	ActiveProjects int     `json:"active_projects"`
}

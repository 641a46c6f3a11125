// Package gateway defines the contracts the engine uses to reach external
// agents: test generation, test execution, test healing and source
// diagnosis. Gateways never retry; they report a classified error and let the
// engine decide.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/testorch/internal/models"
)

type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassTransient   Class = "transient_failure"
	ClassPermanent   Class = "permanent_failure"
	ClassTimeout     Class = "timeout"
)

func (c Class) Valid() bool {
	switch c {
	case ClassRateLimited, ClassTransient, ClassPermanent, ClassTimeout:
		return true
	}
	return false
}

// Error is the only failure shape a gateway returns for agent-side problems.
type Error struct {
	Class      Class
	Detail     string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Detail)
}

func Errorf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Detail: fmt.Sprintf(format, args...)}
}

// Classify extracts the gateway classification from err. Errors that did not
// come from a gateway are treated as permanent failures; deadline expiry is a
// timeout.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTimeout, Detail: err.Error()}
	}
	return &Error{Class: ClassPermanent, Detail: err.Error()}
}

type GenerateRequest struct {
	ProjectID     string            `json:"project_id"`
	ProjectName   string            `json:"project_name"`
	TargetBaseURL string            `json:"target_base_url"`
	Endpoints     []models.Endpoint `json:"endpoints"`
}

type GenerateResult struct {
	SourceReference string `json:"source_reference"`
}

type ExecuteRequest struct {
	ProjectID       string `json:"project_id"`
	ArtifactID      string `json:"artifact_id"`
	SourceReference string `json:"source_reference"`
	TargetBaseURL   string `json:"target_base_url"`
}

// ExecuteResult is what the sandboxed runner reports. Reward is computed by
// the runner and passed through untouched.
type ExecuteResult struct {
	PassCount  int     `json:"pass_count"`
	FailCount  int     `json:"fail_count"`
	ErrorCount int     `json:"error_count"`
	Reward     float64 `json:"reward"`
	Logs       string  `json:"logs"`
	DurationMS int64   `json:"duration_ms"`
}

type TestHealRequest struct {
	ProjectID       string `json:"project_id"`
	RunResultID     string `json:"run_result_id"`
	ArtifactID      string `json:"artifact_id"`
	SourceReference string `json:"source_reference"`
	Logs            string `json:"logs"`
}

type TestHealResult struct {
	SourceReference string `json:"source_reference"`
}

type DiagnoseRequest struct {
	ProjectID   string `json:"project_id"`
	RunResultID string `json:"run_result_id"`
	SourceFile  string `json:"source_file,omitempty"`
	Logs        string `json:"logs"`
}

type Diagnosis struct {
	Text string `json:"diagnosis"`
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

type TestHealer interface {
	HealTest(ctx context.Context, req TestHealRequest) (*TestHealResult, error)
}

type Diagnoser interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*Diagnosis, error)
}

// Set bundles the four gateways the engine drives.
type Set struct {
	Generator  Generator
	Executor   Executor
	TestHealer TestHealer
	Diagnoser  Diagnoser
}

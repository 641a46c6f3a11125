package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/testorch/internal/gateway"
	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/storage"
)

type IngestRequest struct {
	ProjectID     string            `json:"project_id" validate:"required,projectid"`
	Name          string            `json:"name" validate:"max=200"`
	Endpoints     []models.Endpoint `json:"endpoints" validate:"required,min=1,dive"`
	TargetBaseURL string            `json:"target_base_url" validate:"omitempty,http_url"`
}

type HealRequest struct {
	ProjectID   string          `json:"project_id" validate:"required"`
	Kind        models.HealKind `json:"kind" validate:"required,oneof=test_patch code_diagnosis"`
	RunResultID string          `json:"run_result_id" validate:"required"`
	// SourceFile points the diagnoser at the suspect source; optional.
	SourceFile string `json:"source_file,omitempty"`
}

type HealResult struct {
	Outcome           models.HealOutcome    `json:"outcome"`
	AttemptID         string                `json:"attempt_id,omitempty"`
	PatchedArtifactID string                `json:"patched_artifact_id,omitempty"`
	DiagnosisText     string                `json:"diagnosis_text,omitempty"`
	ReRun             *models.RunResult     `json:"rerun,omitempty"`
	State             models.LifecycleState `json:"state"`
	Reason            string                `json:"reason,omitempty"`
}

// HealSelector picks the healing kind for a failing run inside an automatic
// cycle. HealNone stops the cycle at FAILED.
type HealSelector func(*models.RunResult) models.HealKind

type CycleRequest struct {
	ProjectID     string `validate:"required"`
	TargetBaseURL string `validate:"omitempty,http_url"`
	SelectHeal    HealSelector
}

type CycleReport struct {
	ProjectID string                `json:"project_id"`
	Artifact  *models.TestArtifact  `json:"artifact,omitempty"`
	Run       *models.RunResult     `json:"run,omitempty"`
	Heal      *HealResult           `json:"heal,omitempty"`
	State     models.LifecycleState `json:"state"`
	Reason    string                `json:"reason,omitempty"`
}

// Ingest registers a project or replaces its endpoint set. The current
// artifact is dropped because it was generated for the old endpoints.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (_ *models.Project, err error) {
	ctx, finish := o.startOp(ctx, "ingest", req.ProjectID)
	defer func() { finish(err) }()

	if err := o.check("ingest", req.ProjectID, req); err != nil {
		return nil, err
	}

	c, err := o.acquire(ctx, "ingest", req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx)

	if c.project == nil {
		c.project = &models.Project{ID: req.ProjectID, State: models.StateIdle}
	}
	p := c.project
	if !models.CanTransition(p.State, models.StateIngested) {
		return nil, invalidState("ingest", p.ID, "cannot ingest while %s", p.State)
	}

	p.Name = req.Name
	if p.Name == "" {
		p.Name = req.ProjectID
	}
	p.Endpoints = append([]models.Endpoint(nil), req.Endpoints...)
	if req.TargetBaseURL != "" {
		p.TargetBaseURL = req.TargetBaseURL
	}
	p.CurrentArtifactID = ""

	// A quota backoff belongs to the agent, not the endpoints; keep it.
	if err := c.transition(ctx, models.StateChange{State: models.StateIngested, BlockedUntil: p.BlockedUntil}); err != nil {
		return nil, err
	}
	return p, nil
}

// Generate asks the generator for a new test artifact. There is no implicit
// retry: any failure settles the project and is returned.
func (o *Orchestrator) Generate(ctx context.Context, projectID, targetBaseURL string) (_ *models.TestArtifact, err error) {
	ctx, finish := o.startOp(ctx, "generate", projectID)
	defer func() { finish(err) }()

	if targetBaseURL != "" {
		if verr := o.validate.Var(targetBaseURL, "http_url"); verr != nil {
			return nil, validationError("generate", projectID, "target_base_url is not an http(s) URL")
		}
	}

	c, err := o.begin(ctx, "generate", projectID)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx)

	return c.generate(ctx, targetBaseURL)
}

func (c *cycle) generate(ctx context.Context, targetBaseURL string) (*models.TestArtifact, error) {
	o, p := c.o, c.project
	if err := c.gate(models.StateGenerating); err != nil {
		return nil, err
	}
	if targetBaseURL != "" {
		p.TargetBaseURL = targetBaseURL
	}
	if p.TargetBaseURL == "" {
		return nil, validationError(c.op, p.ID, "target_base_url is required")
	}

	if err := c.transition(ctx, models.StateChange{State: models.StateGenerating}); err != nil {
		return nil, err
	}

	res, err := invoke(ctx, o, "generator", o.cfg.GenerateTimeout, func(ctx context.Context) (*gateway.GenerateResult, error) {
		return o.gateways.Generator.Generate(ctx, gateway.GenerateRequest{
			ProjectID:     p.ID,
			ProjectName:   p.Name,
			TargetBaseURL: p.TargetBaseURL,
			Endpoints:     p.Endpoints,
		})
	})
	if err != nil {
		return nil, c.fail(ctx, generateFailure, err)
	}

	bctx := context.WithoutCancel(ctx)
	previous, err := o.store.CountArtifacts(bctx, p.ID, models.ArtifactGenerated)
	if err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateFailed, fmt.Errorf("failed to count artifacts: %w", err))
	}
	artifact := &models.TestArtifact{
		ID:                     o.newID(),
		ProjectID:              p.ID,
		SourceReference:        res.SourceReference,
		GenerationAttemptCount: previous + 1,
		Origin:                 models.ArtifactGenerated,
		CreatedAt:              o.now().UTC(),
	}
	if err := o.store.CreateArtifact(bctx, artifact); err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateFailed, fmt.Errorf("failed to store artifact: %w", err))
	}

	p.CurrentArtifactID = artifact.ID
	if err := c.transition(ctx, models.StateChange{State: models.StateGenerated}); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Run executes the current artifact. Failing tests are a normal result, not
// an error; the result is appended to history either way.
func (o *Orchestrator) Run(ctx context.Context, projectID string) (_ *models.RunResult, err error) {
	ctx, finish := o.startOp(ctx, "run", projectID)
	defer func() { finish(err) }()

	c, err := o.begin(ctx, "run", projectID)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx)

	return c.run(ctx)
}

func (c *cycle) run(ctx context.Context) (*models.RunResult, error) {
	p := c.project
	if p.CurrentArtifactID == "" {
		return nil, invalidState(c.op, p.ID, "no current artifact, generate tests first")
	}
	if err := c.gate(models.StateRunning); err != nil {
		return nil, err
	}
	if err := c.transition(ctx, models.StateChange{State: models.StateRunning}); err != nil {
		return nil, err
	}
	return c.execute(ctx, models.PhaseRun)
}

// execute runs the current artifact from RUNNING or RE_RUNNING and settles
// the state from the outcome.
func (c *cycle) execute(ctx context.Context, phase models.RunPhase) (*models.RunResult, error) {
	o, p := c.o, c.project
	failure, failedState := runFailure, models.StateFailed
	if phase == models.PhaseReRun {
		failure, failedState = rerunFailure, models.StateExhausted
	}

	artifact, err := o.store.GetArtifact(ctx, p.CurrentArtifactID)
	if err != nil {
		return nil, c.settleAfterStorageError(ctx, failure.state, fmt.Errorf("failed to load artifact %s: %w", p.CurrentArtifactID, err))
	}

	started := o.now()
	res, err := invoke(ctx, o, "executor", o.cfg.RunTimeout, func(ctx context.Context) (*gateway.ExecuteResult, error) {
		return o.gateways.Executor.Execute(ctx, gateway.ExecuteRequest{
			ProjectID:       p.ID,
			ArtifactID:      artifact.ID,
			SourceReference: artifact.SourceReference,
			TargetBaseURL:   p.TargetBaseURL,
		})
	})
	if err != nil {
		return nil, c.fail(ctx, failure, err)
	}

	duration := time.Duration(res.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = o.now().Sub(started)
	}
	run := &models.RunResult{
		ID:         o.newID(),
		ProjectID:  p.ID,
		ArtifactID: artifact.ID,
		Timestamp:  o.now().UTC(),
		Duration:   duration,
		PassCount:  res.PassCount,
		FailCount:  res.FailCount,
		ErrorCount: res.ErrorCount,
		Reward:     res.Reward,
		RawLogs:    res.Logs,
	}

	// A run finished after the lease moved on belongs to no live cycle.
	if err := c.renew(ctx); err != nil {
		return nil, err
	}

	rec := &models.HistoryRecord{
		ProjectName: p.Name,
		Phase:       phase,
		Status:      run.Status(),
		RunResult:   *run,
	}
	if err := o.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		return nil, c.settleAfterStorageError(ctx, failedState, fmt.Errorf("failed to append run %s to history: %w", run.ID, err))
	}
	o.metrics.RecordAppend(string(phase), string(rec.Status))

	p.LastRunID = run.ID
	next := models.StatePassed
	reason := ""
	if !run.Passed() {
		next = failedState
		reason = fmt.Sprintf("%d failed, %d errors", run.FailCount, run.ErrorCount)
	}
	change := models.StateChange{State: next, Reason: reason}
	if !run.Passed() {
		change.Class = "test_failure"
	}
	if err := c.transition(ctx, change); err != nil {
		return run, err
	}
	return run, nil
}

// Heal applies the caller-chosen remedy to the project's latest failing run.
// A successful test patch is re-run exactly once; a diagnosis ends the cycle
// at EXHAUSTED with the diagnosis text for manual follow-up.
func (o *Orchestrator) Heal(ctx context.Context, req HealRequest) (_ *HealResult, err error) {
	ctx, finish := o.startOp(ctx, "heal", req.ProjectID)
	defer func() { finish(err) }()

	if err := o.check("heal", req.ProjectID, req); err != nil {
		return nil, err
	}

	c, err := o.begin(ctx, "heal", req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx)

	return c.heal(ctx, req)
}

func (c *cycle) heal(ctx context.Context, req HealRequest) (*HealResult, error) {
	o, p := c.o, c.project

	if req.RunResultID != p.LastRunID {
		return nil, invalidState(c.op, p.ID, "run %s is not the latest run of this project", req.RunResultID)
	}
	run, err := o.ledger.GetRun(ctx, req.RunResultID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindNotFound, c.op, p.ID, fmt.Sprintf("run %s not found", req.RunResultID), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", req.RunResultID, err)
	}
	if run.Passed() {
		return nil, invalidState(c.op, p.ID, "run %s passed, nothing to heal", run.ID)
	}
	if err := c.gate(models.StateHealing); err != nil {
		return nil, err
	}
	attempts, err := o.store.CountHealingAttempts(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count healing attempts: %w", err)
	}
	if attempts >= o.cfg.MaxHealAttempts {
		return nil, invalidState(c.op, p.ID, "healing budget of %d spent for run %s", o.cfg.MaxHealAttempts, run.ID)
	}

	if err := c.transition(ctx, models.StateChange{State: models.StateHealing}); err != nil {
		return nil, err
	}

	attempt := &models.HealingAttempt{
		ID:          o.newID(),
		ProjectID:   p.ID,
		RunResultID: run.ID,
		Kind:        req.Kind,
	}

	switch req.Kind {
	case models.HealTestPatch:
		return c.patchTests(ctx, run, attempt)
	default:
		return c.diagnose(ctx, run, req.SourceFile, attempt)
	}
}

func (c *cycle) patchTests(ctx context.Context, run *models.RunResult, attempt *models.HealingAttempt) (*HealResult, error) {
	o, p := c.o, c.project

	parent, err := o.store.GetArtifact(ctx, run.ArtifactID)
	if err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateExhausted, fmt.Errorf("failed to load artifact %s: %w", run.ArtifactID, err))
	}

	res, err := invoke(ctx, o, "healer", o.cfg.HealTimeout, func(ctx context.Context) (*gateway.TestHealResult, error) {
		return o.gateways.TestHealer.HealTest(ctx, gateway.TestHealRequest{
			ProjectID:       p.ID,
			RunResultID:     run.ID,
			ArtifactID:      parent.ID,
			SourceReference: parent.SourceReference,
			Logs:            run.RawLogs,
		})
	})
	if err != nil {
		return c.healFailed(ctx, attempt, err)
	}

	bctx := context.WithoutCancel(ctx)
	patched := &models.TestArtifact{
		ID:                     o.newID(),
		ProjectID:              p.ID,
		SourceReference:        res.SourceReference,
		GenerationAttemptCount: parent.GenerationAttemptCount,
		Origin:                 models.ArtifactHealed,
		ParentID:               parent.ID,
		CreatedAt:              o.now().UTC(),
	}
	if err := o.store.CreateArtifact(bctx, patched); err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateExhausted, fmt.Errorf("failed to store patched artifact: %w", err))
	}
	attempt.Outcome = models.HealApplied
	attempt.ProducedArtifactID = patched.ID
	if err := c.recordAttempt(ctx, attempt); err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateExhausted, err)
	}

	result := &HealResult{Outcome: models.HealApplied, AttemptID: attempt.ID, PatchedArtifactID: patched.ID}

	p.CurrentArtifactID = patched.ID
	if err := c.transition(ctx, models.StateChange{State: models.StateReRunning}); err != nil {
		return result, err
	}

	rerun, err := c.execute(ctx, models.PhaseReRun)
	result.ReRun = rerun
	result.State, result.Reason = p.State, p.StateReason
	return result, err
}

func (c *cycle) diagnose(ctx context.Context, run *models.RunResult, sourceFile string, attempt *models.HealingAttempt) (*HealResult, error) {
	o, p := c.o, c.project

	res, err := invoke(ctx, o, "diagnoser", o.cfg.HealTimeout, func(ctx context.Context) (*gateway.Diagnosis, error) {
		return o.gateways.Diagnoser.Diagnose(ctx, gateway.DiagnoseRequest{
			ProjectID:   p.ID,
			RunResultID: run.ID,
			SourceFile:  sourceFile,
			Logs:        run.RawLogs,
		})
	})
	if err != nil {
		return c.healFailed(ctx, attempt, err)
	}

	attempt.Outcome = models.HealDiagnosed
	attempt.Detail = res.Text
	if err := c.recordAttempt(ctx, attempt); err != nil {
		return nil, c.settleAfterStorageError(ctx, models.StateExhausted, err)
	}

	// The fix belongs in the service under test; the caller re-ingests once
	// it has been applied.
	if err := c.transition(ctx, models.StateChange{
		State:  models.StateExhausted,
		Reason: "source diagnosis ready for manual remediation",
		Class:  string(models.HealDiagnosed),
	}); err != nil {
		return nil, err
	}
	return &HealResult{
		Outcome:       models.HealDiagnosed,
		AttemptID:     attempt.ID,
		DiagnosisText: res.Text,
		State:         p.State,
		Reason:        p.StateReason,
	}, nil
}

// healFailed settles a failed healing call. A rate-limited healer consumes
// no attempt; every other failure is recorded against the run's budget.
func (c *cycle) healFailed(ctx context.Context, attempt *models.HealingAttempt, err error) (*HealResult, error) {
	if ctx.Err() == nil && gateway.Classify(err).Class == gateway.ClassRateLimited {
		return nil, c.fail(ctx, healFailure, err)
	}

	attempt.Outcome = models.HealFailed
	attempt.Detail = err.Error()
	failErr := c.fail(ctx, healFailure, err)
	if rerr := c.recordAttempt(ctx, attempt); rerr != nil {
		return nil, errors.Join(failErr, rerr)
	}
	return &HealResult{
		Outcome:   models.HealFailed,
		AttemptID: attempt.ID,
		State:     c.project.State,
		Reason:    c.project.StateReason,
	}, failErr
}

func (c *cycle) recordAttempt(ctx context.Context, attempt *models.HealingAttempt) error {
	if err := c.renew(ctx); err != nil {
		return err
	}
	attempt.CreatedAt = c.o.now().UTC()
	if err := c.o.store.RecordHealingAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		return fmt.Errorf("failed to record healing attempt: %w", err)
	}
	return nil
}

// Cycle runs generate, run and at most one automatic heal under a single
// lease. SelectHeal decides the heal kind for a failing run; a nil selector
// or HealNone leaves the project FAILED for the caller to decide.
func (o *Orchestrator) Cycle(ctx context.Context, req CycleRequest) (_ *CycleReport, err error) {
	ctx, finish := o.startOp(ctx, "cycle", req.ProjectID)
	defer func() { finish(err) }()

	if err := o.check("cycle", req.ProjectID, req); err != nil {
		return nil, err
	}

	c, err := o.begin(ctx, "cycle", req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx)

	report := &CycleReport{ProjectID: req.ProjectID}
	defer func() {
		report.State = c.project.State
		report.Reason = c.project.StateReason
	}()

	report.Artifact, err = c.generate(ctx, req.TargetBaseURL)
	if err != nil {
		return report, err
	}

	if err = c.renew(ctx); err != nil {
		return report, err
	}
	report.Run, err = c.run(ctx)
	if err != nil || report.Run.Passed() || req.SelectHeal == nil {
		return report, err
	}

	kind := req.SelectHeal(report.Run)
	if kind == models.HealNone {
		return report, nil
	}
	if !kind.Valid() {
		return report, validationError("cycle", req.ProjectID, "heal selector returned unknown kind %q", kind)
	}

	if err = c.renew(ctx); err != nil {
		return report, err
	}
	report.Heal, err = c.heal(ctx, HealRequest{ProjectID: req.ProjectID, Kind: kind, RunResultID: report.Run.ID})
	return report, err
}

// gate rejects a step while a quota backoff is active or when the lifecycle
// does not allow entering next from the current state.
func (c *cycle) gate(next models.LifecycleState) error {
	p := c.project
	if p.Blocked(c.o.now()) {
		e := newError(KindQuotaExceeded, c.op, p.ID,
			fmt.Sprintf("agent quota backoff until %s", p.BlockedUntil.Format(time.RFC3339)), nil)
		e.RetryAfter = p.BlockedUntil.Sub(c.o.now())
		return e
	}
	if !models.CanTransition(p.State, next) {
		return invalidState(c.op, p.ID, "cannot enter %s from %s", next, p.State)
	}
	return nil
}

// settleAfterStorageError leaves the project in a terminal state when the
// store fails mid-step, then surfaces the storage error unchanged.
func (c *cycle) settleAfterStorageError(ctx context.Context, state models.LifecycleState, err error) error {
	if KindOf(err) == KindConflict {
		return err
	}
	c.logger.Error("storage failure mid-step", "err", err)
	if terr := c.transition(ctx, models.StateChange{State: state, Reason: err.Error(), Class: "storage"}); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

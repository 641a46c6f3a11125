package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mpataki/testorch/internal/workspace"
)

const (
	EnvStep    = "TESTORCH_STEP"
	EnvRequest = "TESTORCH_REQUEST"
	EnvResult  = "TESTORCH_RESULT"

	maxOutputTail = 4096
)

// envelope is the contract between testorch and an agent command, read from
// result.json after the command exits.
type envelope struct {
	Status  string          `json:"status"`
	Error   *envelopeError  `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type envelopeError struct {
	Class             Class   `json:"class"`
	Detail            string  `json:"detail"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

// CommandAgent runs an external command once per invocation. It satisfies
// every gateway interface; each role is usually configured with its own argv.
type CommandAgent struct {
	Name         string
	Command      []string
	WorkspaceDir string
	Env          []string
	// WaitDelay bounds how long output pipes may stay open after the
	// process group has been killed.
	WaitDelay time.Duration
	Logger    *log.Logger
}

func NewCommandAgent(name string, command []string, workspaceDir string, logger *log.Logger) *CommandAgent {
	return &CommandAgent{
		Name:         name,
		Command:      command,
		WorkspaceDir: workspaceDir,
		WaitDelay:    2 * time.Second,
		Logger:       logger,
	}
}

func (a *CommandAgent) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	var out GenerateResult
	if err := a.invoke(ctx, req.ProjectID, "generate", req, &out); err != nil {
		return nil, err
	}
	if out.SourceReference == "" {
		return nil, Errorf(ClassPermanent, "%s returned no source_reference", a.Name)
	}
	return &out, nil
}

func (a *CommandAgent) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	var out ExecuteResult
	if err := a.invoke(ctx, req.ProjectID, "execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *CommandAgent) HealTest(ctx context.Context, req TestHealRequest) (*TestHealResult, error) {
	var out TestHealResult
	if err := a.invoke(ctx, req.ProjectID, "heal_test", req, &out); err != nil {
		return nil, err
	}
	if out.SourceReference == "" {
		return nil, Errorf(ClassPermanent, "%s returned no patched source_reference", a.Name)
	}
	return &out, nil
}

func (a *CommandAgent) Diagnose(ctx context.Context, req DiagnoseRequest) (*Diagnosis, error) {
	var out Diagnosis
	if err := a.invoke(ctx, req.ProjectID, "diagnose", req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, Errorf(ClassPermanent, "%s returned an empty diagnosis", a.Name)
	}
	return &out, nil
}

func (a *CommandAgent) logger() *log.Logger {
	if a.Logger == nil {
		return log.Default()
	}
	return a.Logger
}

// invoke runs the command in a fresh workspace and decodes the envelope
// payload into out. Cancellation of ctx kills the whole process group; the
// caller sees ctx.Err() for an explicit cancel and a timeout class for an
// expired deadline.
func (a *CommandAgent) invoke(ctx context.Context, projectID, step string, req any, out any) error {
	if len(a.Command) == 0 {
		return Errorf(ClassPermanent, "no command configured for %s", a.Name)
	}

	invocationID := uuid.NewString()
	ws, err := workspace.Create(a.WorkspaceDir, projectID, step, invocationID)
	if err != nil {
		return fmt.Errorf("failed to create agent workspace: %w", err)
	}
	if err := ws.WriteRequest(req); err != nil {
		return fmt.Errorf("failed to write agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(), a.Env...)
	cmd.Env = append(cmd.Env,
		EnvStep+"="+step,
		EnvRequest+"="+ws.RequestPath(),
		EnvResult+"="+ws.ResultPath(),
	)

	// Run in its own process group so the agent's children die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = a.WaitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger := a.logger().With("agent", a.Name, "step", step, "project", projectID, "invocation", invocationID)
	logger.Debug("starting agent", "command", a.Command[0], "workspace", ws.Path)

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("agent interrupted", "err", ctxErr, "elapsed", elapsed)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Errorf(ClassTimeout, "%s %s exceeded its deadline after %s", a.Name, step, elapsed.Round(time.Millisecond))
		}
		return ctxErr
	}

	var env envelope
	if err := ws.ReadResult(&env); err != nil {
		detail := err.Error()
		if runErr != nil {
			detail = fmt.Sprintf("%v: %s", runErr, tail(output.String()))
		}
		logger.Error("agent produced no usable result", "err", err, "exit", runErr)
		return Errorf(ClassPermanent, "%s %s: %s", a.Name, step, detail)
	}

	switch env.Status {
	case "ok":
		if len(env.Payload) == 0 {
			return Errorf(ClassPermanent, "%s %s: ok result without payload", a.Name, step)
		}
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return Errorf(ClassPermanent, "%s %s: malformed payload: %v", a.Name, step, err)
		}
		logger.Info("agent finished", "elapsed", elapsed)
		return nil
	case "error":
		gerr := &Error{Class: ClassPermanent, Detail: "agent reported an error without detail"}
		if env.Error != nil {
			if env.Error.Class.Valid() {
				gerr.Class = env.Error.Class
			}
			if env.Error.Detail != "" {
				gerr.Detail = env.Error.Detail
			}
			if env.Error.RetryAfterSeconds > 0 {
				gerr.RetryAfter = time.Duration(env.Error.RetryAfterSeconds * float64(time.Second))
			}
		}
		logger.Warn("agent reported failure", "class", gerr.Class, "detail", gerr.Detail)
		return gerr
	default:
		return Errorf(ClassPermanent, "%s %s: unknown result status %q", a.Name, step, env.Status)
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		return s[len(s)-maxOutputTail:]
	}
	return s
}

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testorch/internal/logging"
	"github.com/mpataki/testorch/internal/models"
)

func shAgent(t *testing.T, script string) *CommandAgent {
	t.Helper()
	a := NewCommandAgent("test-agent", []string{"/bin/sh", "-c", script}, t.TempDir(), logging.Discard())
	a.WaitDelay = 200 * time.Millisecond
	return a
}

func TestGenerateReadsPayload(t *testing.T) {
	a := shAgent(t, `
[ "$TESTORCH_STEP" = generate ] || exit 3
grep -q '"project_id": "shop-api"' "$TESTORCH_REQUEST" || exit 4
printf '{"status":"ok","payload":{"source_reference":"tests/test_shop.py"}}' > "$TESTORCH_RESULT"
`)

	res, err := a.Generate(context.Background(), GenerateRequest{
		ProjectID:     "shop-api",
		TargetBaseURL: "http://localhost:5000",
		Endpoints:     []models.Endpoint{{Method: "GET", Path: "/health"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tests/test_shop.py", res.SourceReference)
}

func TestExecutePassesCountsThrough(t *testing.T) {
	a := shAgent(t, `printf '{"status":"ok","payload":{"pass_count":1,"fail_count":1,"error_count":0,"reward":-4,"logs":"1 failed"}}' > "$TESTORCH_RESULT"`)

	res, err := a.Execute(context.Background(), ExecuteRequest{ProjectID: "p1", ArtifactID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PassCount)
	assert.Equal(t, 1, res.FailCount)
	assert.Equal(t, -4.0, res.Reward)
	assert.Equal(t, "1 failed", res.Logs)
}

func TestClassifiedErrorEnvelope(t *testing.T) {
	a := shAgent(t, `printf '{"status":"error","error":{"class":"rate_limited","detail":"429 from provider","retry_after_seconds":30}}' > "$TESTORCH_RESULT"`)

	_, err := a.Generate(context.Background(), GenerateRequest{ProjectID: "p1"})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ClassRateLimited, gerr.Class)
	assert.Equal(t, "429 from provider", gerr.Detail)
	assert.Equal(t, 30*time.Second, gerr.RetryAfter)
}

func TestUnknownClassIsPermanent(t *testing.T) {
	a := shAgent(t, `printf '{"status":"error","error":{"class":"flaky","detail":"?"}}' > "$TESTORCH_RESULT"`)

	_, err := a.Diagnose(context.Background(), DiagnoseRequest{ProjectID: "p1"})
	assert.Equal(t, ClassPermanent, Classify(err).Class)
}

func TestMissingOrMalformedResultIsPermanent(t *testing.T) {
	cases := map[string]string{
		"exit without result": `echo boom >&2; exit 1`,
		"garbage result":      `printf 'not json' > "$TESTORCH_RESULT"`,
		"ok without payload":  `printf '{"status":"ok"}' > "$TESTORCH_RESULT"`,
		"empty reference":     `printf '{"status":"ok","payload":{}}' > "$TESTORCH_RESULT"`,
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := shAgent(t, script).HealTest(context.Background(), TestHealRequest{ProjectID: "p1"})
			require.Error(t, err)
			assert.Equal(t, ClassPermanent, Classify(err).Class)
		})
	}

	_, err := shAgent(t, `echo boom >&2; exit 1`).Execute(context.Background(), ExecuteRequest{ProjectID: "p1"})
	assert.Contains(t, err.Error(), "boom")
}

func TestDeadlineKillsProcessGroup(t *testing.T) {
	a := shAgent(t, `sleep 30 & sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := a.Execute(ctx, ExecuteRequest{ProjectID: "p1"})
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, ClassTimeout, Classify(err).Class)
}

func TestCancelIsNotClassified(t *testing.T) {
	a := shAgent(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := a.Execute(ctx, ExecuteRequest{ProjectID: "p1"})
	assert.ErrorIs(t, err, context.Canceled)
	var gerr *Error
	assert.False(t, errors.As(err, &gerr))
}

func TestNoCommandConfigured(t *testing.T) {
	a := NewCommandAgent("empty", nil, t.TempDir(), nil)
	_, err := a.Generate(context.Background(), GenerateRequest{ProjectID: "p1"})
	assert.Equal(t, ClassPermanent, Classify(err).Class)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded).Class)
	assert.Equal(t, ClassPermanent, Classify(errors.New("x")).Class)

	wrapped := errors.Join(errors.New("ctx"), &Error{Class: ClassTransient})
	assert.Equal(t, ClassTransient, Classify(wrapped).Class)
	assert.Equal(t, "transient_failure", (&Error{Class: ClassTransient}).Error())
}

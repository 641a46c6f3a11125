package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testorch/internal/logging"
	"github.com/mpataki/testorch/internal/models"
)

func TestFromName(t *testing.T) {
	failing := &models.RunResult{FailCount: 1, RawLogs: "E   AssertionError: 404 != 200"}
	serverDown := &models.RunResult{ErrorCount: 1, RawLogs: "HTTP 500 Internal Server Error"}

	tests := []struct {
		name string
		run  *models.RunResult
		want models.HealKind
	}{
		{"", failing, models.HealNone},
		{"none", failing, models.HealNone},
		{"test_patch", serverDown, models.HealTestPatch},
		{"code_diagnosis", failing, models.HealCodeDiagnosis},
		{"auto", failing, models.HealTestPatch},
		{"auto", serverDown, models.HealCodeDiagnosis},
	}
	for _, tt := range tests {
		sel, err := FromName(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, sel(tt.run), tt.name)
	}

	_, err := FromName("rewrite_everything")
	assert.Error(t, err)
}

const errorCountScript = `
function choose(run)
  if run.error_count > 0 then
    return "code_diagnosis"
  end
  if string.find(run.logs, "flaky", 1, true) then
    return "none"
  end
  return "test_patch"
end
`

func TestScriptChoose(t *testing.T) {
	s, err := NewScript(errorCountScript, nil, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	kind, err := s.Choose(ctx, &models.RunResult{ErrorCount: 2})
	require.NoError(t, err)
	assert.Equal(t, models.HealCodeDiagnosis, kind)

	kind, err = s.Choose(ctx, &models.RunResult{FailCount: 1, RawLogs: "known flaky test"})
	require.NoError(t, err)
	assert.Equal(t, models.HealNone, kind)

	kind, err = s.Choose(ctx, &models.RunResult{FailCount: 1})
	require.NoError(t, err)
	assert.Equal(t, models.HealTestPatch, kind)
}

func TestScriptIsSandboxed(t *testing.T) {
	cases := map[string]string{
		"os":         `function choose(run) os.execute("true") return "test_patch" end`,
		"io":         `function choose(run) io.open("/etc/passwd") return "test_patch" end`,
		"require":    `function choose(run) require("os") return "test_patch" end`,
		"random":     `function choose(run) return math.random() end`,
		"bad kind":   `function choose(run) return "rewrite" end`,
		"non-string": `function choose(run) return 42 end`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := NewScript(src, nil, logging.Discard())
			require.NoError(t, err)
			_, err = s.Choose(context.Background(), &models.RunResult{FailCount: 1})
			assert.Error(t, err)
		})
	}
}

func TestScriptTimeoutAndFallback(t *testing.T) {
	s, err := NewScript(`function choose(run) while true do end end`, Static(models.HealTestPatch), logging.Discard())
	require.NoError(t, err)

	sel := s.Selector(context.Background())
	assert.Equal(t, models.HealTestPatch, sel(&models.RunResult{ID: "r1", FailCount: 1}))
}

func TestLoadScriptErrors(t *testing.T) {
	_, err := LoadScript(filepath.Join(t.TempDir(), "missing.lua"), nil, nil)
	assert.Error(t, err)

	_, err = NewScript(`x = 1`, nil, logging.Discard())
	assert.ErrorContains(t, err, "choose")

	_, err = NewScript(`function choose(`, nil, logging.Discard())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(path, []byte(errorCountScript), 0644))
	s, err := LoadScript(path, nil, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, models.HealCodeDiagnosis, s.Selector(context.Background())(&models.RunResult{ErrorCount: 1}))
}

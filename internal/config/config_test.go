package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TESTORCH_DATA_DIR", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, dir, c.DataDir)
	assert.Equal(t, filepath.Join(dir, "testorch.db"), c.DBPath)
	assert.Equal(t, filepath.Join(dir, "workspaces"), c.WorkspacesDir())
	assert.Equal(t, filepath.Join(dir, "history"), c.History.BadgerDir)
	assert.Equal(t, "sqlite", c.History.Backend)
	assert.Equal(t, 30*time.Minute, c.Engine.LeaseTTL)
	assert.Equal(t, 1, c.Engine.MaxHealAttempts)
	assert.Equal(t, "none", c.Policy.HealKind)
	assert.Equal(t, "none", c.Tracing.Exporter)
	assert.Equal(t, "testorch", c.Tracing.ServiceName)
	assert.Empty(t, c.Agents.Generator)
}

const fileConfig = `
[engine]
  lease_ttl = "25m"
  max_heal_attempts = 2
  run_timeout = "90s"

[agents]
  generator = ["python3", "agents/generate.py"]

[log]
  level = "debug"
`

func TestFileThenEnvThenOverrides(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(fileConfig), 0644))

	c, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, c.Engine.LeaseTTL)
	assert.Equal(t, 2, c.Engine.MaxHealAttempts)
	assert.Equal(t, 90*time.Second, c.Engine.RunTimeout)
	assert.Equal(t, 10*time.Minute, c.Engine.GenerateTimeout)
	assert.Equal(t, []string{"python3", "agents/generate.py"}, c.Agents.Generator)
	assert.Equal(t, "debug", c.Log.Level)

	t.Setenv("TESTORCH_ENGINE_MAX_HEAL_ATTEMPTS", "3")
	t.Setenv("TESTORCH_LOG_LEVEL", "warn")
	c, err = Load(LoadOptions{Overrides: map[string]any{"server.listen": ":9999"}})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Engine.MaxHealAttempts)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, ":9999", c.Server.Listen)
}

func TestExplicitConfigPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[history]\n  backend = \"badger\"\n"), 0644))

	c, err := Load(LoadOptions{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "badger", c.History.Backend)

	_, err = Load(LoadOptions{ConfigPath: t.TempDir()})
	assert.ErrorContains(t, err, "is a directory")
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"backend":  "[history]\n  backend = \"postgres\"\n",
		"attempts": "[engine]\n  max_heal_attempts = 0\n",
		"ttl":      "[engine]\n  lease_ttl = \"0s\"\n",
		"policy":   "[policy]\n  heal_kind = \"guess\"\n",
		"level":    "[log]\n  level = \"loud\"\n",
		"exporter": "[tracing]\n  exporter = \"jaeger\"\n",
		"otlp":     "[tracing]\n  exporter = \"otlp\"\n",
		"lease":    "[engine]\n  lease_ttl = \"15m\"\n  heal_timeout = \"10m\"\n  run_timeout = \"10m\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := isolate(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644))
			_, err := Load(LoadOptions{})
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLeaseMustOutlastLongestStep(t *testing.T) {
	c := &Config{Engine: EngineConfig{GenerateTimeout: 5 * time.Minute, RunTimeout: 4 * time.Minute, HealTimeout: 3 * time.Minute}}
	assert.Equal(t, 7*time.Minute, c.Engine.LongestStep())

	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[engine]\n  lease_ttl = \"20m\"\n"), 0644))
	_, err := Load(LoadOptions{})
	assert.ErrorContains(t, err, "lease_ttl")
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := isolate(t)
	c, err := New()
	require.NoError(t, err)
	c.Engine.HealTimeout = 3 * time.Minute
	c.Agents.Executor = []string{"sh", "run.sh"}
	c.Policy.HealKind = "auto"
	c.Tracing = TracingConfig{Exporter: "otlp", OTLPEndpoint: "localhost:4317", OTLPInsecure: true, ServiceName: "testorch"}

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, WriteFile(path, c, false))
	assert.ErrorContains(t, WriteFile(path, c, false), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `heal_timeout = "3m0s"`)

	loaded, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, loaded.Engine.HealTimeout)
	assert.Equal(t, []string{"sh", "run.sh"}, loaded.Agents.Executor)
	assert.Equal(t, "auto", loaded.Policy.HealKind)
	assert.Equal(t, c.Tracing, loaded.Tracing)
}

func TestEnsureDataDir(t *testing.T) {
	isolate(t)
	c, err := New()
	require.NoError(t, err)
	require.NoError(t, c.EnsureDataDir())
	assert.DirExists(t, c.WorkspaceDir)
	assert.DirExists(t, c.ManifestDir)
}

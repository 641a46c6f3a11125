package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testorch/internal/config"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TESTORCH_ENV_PROBE=from-file\n"), 0644))
	t.Setenv("TESTORCH_ENV_PROBE", "")
	os.Unsetenv("TESTORCH_ENV_PROBE")

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("TESTORCH_ENV_PROBE"))

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")))
	assert.NoError(t, loadEnvFile(""))
}

func TestRootFlagsBecomeOverrides(t *testing.T) {
	flags := &rootFlags{configPath: "/etc/testorch.toml", dataDir: "/var/lib/testorch", logLevel: "debug"}
	opts := flags.loadOptions()
	assert.Equal(t, "/etc/testorch.toml", opts.ConfigPath)
	assert.Equal(t, map[string]any{"data_dir": "/var/lib/testorch", "log.level": "debug"}, opts.Overrides)

	assert.Empty(t, (&rootFlags{}).loadOptions().Overrides)
}

const petstore = `
name: Pet Store
target_base_url: http://localhost:8080
endpoints:
  - method: get
    path: /pets
`

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "petstore.yaml"), []byte(petstore), 0644))
	cfg := &config.Config{ManifestDir: dir}

	all, err := loadManifests(cfg, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "petstore", all[0].ID)

	req := ingestRequest(all[0])
	assert.Equal(t, "GET", req.Endpoints[0].Method)
	assert.Equal(t, "Pet Store", req.Name)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("endpoints: []\n"), 0644))
	_, err = loadManifests(cfg, []string{bad})
	assert.Error(t, err)
}

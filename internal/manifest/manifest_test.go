package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testorch/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const shopManifest = `
id: shop-api
name: Shop API
target_base_url: http://localhost:5000
heal_kind: auto
endpoints:
  - method: get
    path: /health
  - method: POST
    path: /orders
`

func TestParse(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", shopManifest)

	m, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "shop-api", m.ID)
	assert.Equal(t, "Shop API", m.Name)
	assert.Equal(t, "auto", m.HealKind)
	assert.Equal(t, []models.Endpoint{
		{Method: "GET", Path: "/health"},
		{Method: "POST", Path: "/orders"},
	}, m.Endpoints)
	assert.Equal(t, path, m.Path)
	require.NoError(t, Validate(m))
}

func TestParseDefaultsIDFromFilename(t *testing.T) {
	path := writeFile(t, t.TempDir(), "billing.yml", "endpoints:\n  - {method: GET, path: /invoices}\n")

	m, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", m.ID)
	assert.Equal(t, "billing", m.Name)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "endpoints: [unclosed")
	_, err = Parse(path)
	assert.ErrorContains(t, err, "failed to parse manifest YAML")
}

func TestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			ID:            "shop-api",
			TargetBaseURL: "http://localhost:5000",
			Endpoints:     []models.Endpoint{{Method: "GET", Path: "/health"}},
		}
	}
	require.NoError(t, Validate(valid()))

	cases := map[string]func(*Manifest){
		"no endpoints":    func(m *Manifest) { m.Endpoints = nil },
		"bad method":      func(m *Manifest) { m.Endpoints[0].Method = "TRACE" },
		"relative path":   func(m *Manifest) { m.Endpoints[0].Path = "health" },
		"bad url":         func(m *Manifest) { m.TargetBaseURL = "localhost:5000" },
		"bad heal kind":   func(m *Manifest) { m.HealKind = "rewrite" },
		"duplicate route": func(m *Manifest) { m.Endpoints = append(m.Endpoints, m.Endpoints[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := valid()
			mutate(m)
			assert.Error(t, Validate(m))
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "shop.yaml", shopManifest)
	writeFile(t, dir, "billing.yml", "endpoints:\n  - {method: GET, path: /invoices}\n")
	writeFile(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	ms, err := LoadAll([]string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "billing", ms[0].ID)
	assert.Equal(t, "shop-api", ms[1].ID)

	other := t.TempDir()
	writeFile(t, other, "shop-copy.yaml", shopManifest)
	_, err = LoadAll([]string{dir, other})
	assert.ErrorContains(t, err, "defined in both")
}

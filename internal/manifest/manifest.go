// Package manifest reads project manifests: YAML files naming a project,
// its target service and the endpoints to test.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/testorch/internal/models"
)

type Manifest struct {
	ID            string            `yaml:"id" validate:"required"`
	Name          string            `yaml:"name"`
	TargetBaseURL string            `yaml:"target_base_url" validate:"omitempty,http_url"`
	Endpoints     []models.Endpoint `yaml:"endpoints" validate:"required,min=1,dive"`
	// HealKind overrides the configured policy for automatic cycles.
	HealKind string `yaml:"heal_kind,omitempty" validate:"omitempty,oneof=none auto test_patch code_diagnosis"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	m.Path = path

	// Use the filename when the manifest does not name the project.
	if m.ID == "" {
		m.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	for i := range m.Endpoints {
		m.Endpoints[i].Method = strings.ToUpper(m.Endpoints[i].Method)
	}

	return &m, nil
}

// LoadAll parses every manifest in dirs. Missing directories are skipped;
// two manifests claiming the same id are an error.
func LoadAll(dirs []string) ([]*Manifest, error) {
	byID := make(map[string]*Manifest)

	for _, dir := range dirs {
		if err := loadFromDir(dir, byID); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}

	out := make([]*Manifest, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func loadFromDir(dir string, byID map[string]*Manifest) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		m, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if prev, ok := byID[m.ID]; ok {
			return fmt.Errorf("project %q defined in both %s and %s", m.ID, prev.Path, path)
		}
		byID[m.ID] = m
	}

	return nil
}

func Validate(m *Manifest) error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			return fmt.Errorf("manifest %s: field %s failed %q validation", m.ID, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}

	seen := make(map[string]bool, len(m.Endpoints))
	for _, e := range m.Endpoints {
		if seen[e.String()] {
			return fmt.Errorf("manifest %s: endpoint %s listed twice", m.ID, e)
		}
		seen[e.String()] = true
	}

	return nil
}

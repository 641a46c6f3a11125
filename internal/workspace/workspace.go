package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Workspace is the directory one agent invocation runs in. The engine writes
// request.json before starting the agent; the agent answers in result.json.
type Workspace struct {
	Path string
}

type Metadata struct {
	InvocationID string `json:"invocation_id"`
	ProjectID    string `json:"project_id"`
	Step         string `json:"step"`
}

func Create(baseDir, projectID, step, invocationID string) (*Workspace, error) {
	path := filepath.Join(baseDir, projectID, fmt.Sprintf("%s-%s", step, invocationID))

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	w := &Workspace{Path: path}
	meta := &Metadata{InvocationID: invocationID, ProjectID: projectID, Step: step}
	if err := w.writeJSON("invocation.json", meta); err != nil {
		return nil, err
	}

	return w, nil
}

func Open(baseDir, projectID, step, invocationID string) (*Workspace, error) {
	path := filepath.Join(baseDir, projectID, fmt.Sprintf("%s-%s", step, invocationID))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for %s invocation %s does not exist", step, invocationID)
	}

	return &Workspace{Path: path}, nil
}

func (w *Workspace) RequestPath() string {
	return filepath.Join(w.Path, "request.json")
}

func (w *Workspace) ResultPath() string {
	return filepath.Join(w.Path, "result.json")
}

func (w *Workspace) WriteRequest(req any) error {
	return w.writeJSON("request.json", req)
}

// ReadResult decodes result.json into v. A missing file is reported with
// os.ErrNotExist in the chain so callers can tell "agent wrote nothing" apart
// from "agent wrote garbage".
func (w *Workspace) ReadResult(v any) error {
	data, err := os.ReadFile(w.ResultPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("result file not found in %s: %w", w.Path, os.ErrNotExist)
		}
		return fmt.Errorf("failed to read result file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse result JSON: %w", err)
	}

	return nil
}

func (w *Workspace) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if err := os.WriteFile(filepath.Join(w.Path, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return nil
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}

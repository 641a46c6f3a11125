// Package policy chooses the healing remedy for failing runs in automatic
// cycles. The engine never infers the kind itself; a policy sits outside it
// and hands its choice in through orchestrator.CycleRequest.
package policy

import (
	"fmt"
	"strings"

	"github.com/mpataki/testorch/internal/models"
)

// Auto is the configuration value that enables log-based selection.
const (
	None = "none"
	Auto = "auto"
)

// Selector returns the heal kind for a failing run; models.HealNone leaves
// the run unhealed.
type Selector func(*models.RunResult) models.HealKind

// Static always picks kind.
func Static(kind models.HealKind) Selector {
	return func(*models.RunResult) models.HealKind { return kind }
}

// serverErrorMarkers point at the service under test rather than the tests.
var serverErrorMarkers = []string{"500 Internal Server Error", "502 Bad Gateway", "503 Service Unavailable"}

// ByLogs diagnoses the source when the logs show server-side errors and
// patches the tests otherwise.
func ByLogs(run *models.RunResult) models.HealKind {
	for _, marker := range serverErrorMarkers {
		if strings.Contains(run.RawLogs, marker) {
			return models.HealCodeDiagnosis
		}
	}
	return models.HealTestPatch
}

// FromName maps a configured heal kind name to a selector.
func FromName(name string) (Selector, error) {
	switch name {
	case "", None:
		return Static(models.HealNone), nil
	case Auto:
		return ByLogs, nil
	}
	kind := models.HealKind(name)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown heal kind %q", name)
	}
	return Static(kind), nil
}

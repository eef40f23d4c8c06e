package artifacts

import "fmt"

// Artifact file names inside a run folder.
const (
	SummaryName      = "summary.txt"
	ConsolidatedName = "consolidated.txt"
	DetailName       = "detail.zip"
)

// RunKeys are the artifact-store keys of one run's documents.
type RunKeys struct {
	Summary      string
	Consolidated string
	Detail       string
}

// KeysFor lays out studies/<study>/<kind>/<run>/... keys.
func KeysFor(kind string, studyID int64, runID string) RunKeys {
	prefix := fmt.Sprintf("studies/%d/%s/%s/", studyID, kind, runID)
	return RunKeys{
		Summary:      prefix + SummaryName,
		Consolidated: prefix + ConsolidatedName,
		Detail:       prefix + DetailName,
	}
}

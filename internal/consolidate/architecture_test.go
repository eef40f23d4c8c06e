package consolidate_test

import (
	"testing"

	"tims/testutil"
)

func TestConsolidateDoesNotDependOnOrchestration(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".",
		testutil.Packages("tims/internal/service", "tims/internal/runner", "tims/internal/adapters/httpapi", "tims/internal/notify"),
		"consolidation runs inside runner tasks, never the reverse")
}

package core

import (
	"testing"

	"tims/testutil"
)

func TestCoreHasNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".",
		testutil.AnyOf(testutil.InternalImport, testutil.StorageDriverImport),
		"backends depend on core, not the reverse")
}

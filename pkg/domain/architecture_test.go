package domain_test

import (
	"testing"

	"tims/testutil"
)

func TestDomainStaysFreeOfInfrastructure(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".",
		testutil.AnyOf(testutil.InternalImport, testutil.StorageDriverImport),
		"domain types are shared by every layer")
}

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type recordingLogger struct{ msg string }

func (r *recordingLogger) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nimport (\n\t\"fmt\"\n\t\"tims/internal/gate\"\n)\n\nvar _ = fmt.Sprint\n")
	writeFile(t, dir, "b.go", "package a\n\nimport \"github.com/jackc/pgx/v5/pgconn\"\n")
	writeFile(t, dir, "a_test.go", "package a\n\nimport \"tims/internal/service\"\n")

	viols, err := directImportViolations(dir, AnyOf(InternalImport, StorageDriverImport))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 2 {
		t.Fatalf("expected 2 violations, got %q", viols)
	}

	rec := &recordingLogger{}
	failIfDirectViolations(rec, "layering", viols)
	if rec.msg == "" {
		t.Fatalf("expected failure message")
	}
	rec = &recordingLogger{}
	failIfDirectViolations(rec, "layering", nil)
	if rec.msg != "" {
		t.Fatalf("unexpected failure %q", rec.msg)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		path string
		want bool
	}{
		{InternalImport, "tims/internal/consolidate", true},
		{InternalImport, "tims/pkg/domain", false},
		{StorageDriverImport, "database/sql", true},
		{StorageDriverImport, "modernc.org/sqlite", true},
		{StorageDriverImport, "github.com/aws/aws-sdk-go-v2/service/s3", true},
		{StorageDriverImport, "github.com/jackc/pgxpool", false},
		{Packages("tims/internal/service"), "tims/internal/service", true},
		{Packages("tims/internal/service"), "tims/internal/service/x", false},
	}
	for _, tc := range cases {
		if got := tc.pred(tc.path); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.path, got, tc.want)
		}
	}
}

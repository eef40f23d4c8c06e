// Package testutil provides SQLite-backed fixtures for tests that need a real
// transactional store.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"tims/internal/infra/persistence/sqlstore"
	"tims/pkg/domain"
)

// NewStore opens a migrated SQLite store in a temporary directory.
func NewStore(t testing.TB) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver:     sqlstore.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "tims.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedStudy creates a study with subject metadata for the given subject ids.
func SeedStudy(t testing.TB, store *sqlstore.Store, annotVer string, subjects ...string) domain.Study {
	t.Helper()
	ctx := context.Background()
	study, err := store.CreateStudy(ctx, store.DB(), domain.Study{Title: "study", AnnotationVersion: annotVer})
	if err != nil {
		t.Fatalf("create study: %v", err)
	}
	recs := make([]domain.SubjectRecord, 0, len(subjects))
	for _, id := range subjects {
		recs = append(recs, domain.SubjectRecord{SubjectID: id, StudyID: study.ID})
	}
	if _, err := store.InsertSubjectRecords(ctx, store.DB(), recs); err != nil {
		t.Fatalf("insert subjects: %v", err)
	}
	return study
}

// SeedJob creates a submitted job for the study.
func SeedJob(t testing.TB, store *sqlstore.Store, studyID int64, status domain.JobStatus, outputKey, detailKey string) domain.SubmittedJob {
	t.Helper()
	job, err := store.CreateJob(context.Background(), store.DB(), domain.SubmittedJob{
		StudyID:     studyID,
		Pipeline:    "rnaseq",
		SubmittedBy: "alice",
		Status:      status,
		OutputKey:   outputKey,
		DetailKey:   detailKey,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// SeedGenes registers genes in the wide table for the annotation version.
func SeedGenes(t testing.TB, store *sqlstore.Store, table sqlstore.WideTable, annotVer string, genes ...string) {
	t.Helper()
	if _, err := table.RegisterGenes(context.Background(), store.DB(), annotVer, genes); err != nil {
		t.Fatalf("register genes: %v", err)
	}
}

// TableState captures the records and cells of a wide table for equality
// comparisons across a run.
type TableState struct {
	Records []domain.FinalizedRecord
	Cells   map[int]map[string]string
}

// Snapshot reads the full state of a wide table for one annotation version.
func Snapshot(t testing.TB, store *sqlstore.Store, table sqlstore.WideTable, annotVer string) TableState {
	t.Helper()
	ctx := context.Background()
	recs, err := table.Records(ctx, store.DB(), annotVer)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	state := TableState{Records: recs, Cells: map[int]map[string]string{}}
	for _, rec := range recs {
		col, err := table.Column(ctx, store.DB(), annotVer, rec.ArrayIndex)
		if err != nil {
			t.Fatalf("column: %v", err)
		}
		state.Cells[rec.ArrayIndex] = col
	}
	return state
}

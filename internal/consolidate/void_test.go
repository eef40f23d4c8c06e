package consolidate_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tims/internal/blob"
	"tims/internal/consolidate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/infra/persistence/testutil"
	"tims/pkg/domain"
)

func finalizedStudy(t *testing.T, f *fixture) (domain.Study, []domain.SubmittedJob) {
	t.Helper()
	ctx := context.Background()
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1", "TP53")
	study := testutil.SeedStudy(t, f.store, annot, "S1", "S2")
	jobs := []domain.SubmittedJob{
		f.job(t, study, "GENE\tENTREZ\tS1\tS2\nBRCA1\t1\t1\t2\nTP53\t2\t3\t4\n"),
		f.job(t, study, "GENE\tENTREZ\tS2\nBRCA1\t1\t5\n"),
	}
	if _, err := f.consolidator(sqlstore.Depository).Consolidate(ctx, study, jobs); err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	f.markFinalized(t, study, jobs...)
	for _, key := range []string{"studies/1/summary.txt", "studies/1/consolidated.txt"} {
		if _, err := f.blobs.Put(ctx, key, bytes.NewReader([]byte("x")), blob.PutOptions{}); err != nil {
			t.Fatalf("put artifact: %v", err)
		}
	}
	if err := f.store.SetStudyArtifacts(ctx, f.store.DB(), study.ID, "studies/1/summary.txt", "studies/1/consolidated.txt", "studies/1/missing.zip"); err != nil {
		t.Fatalf("set artifacts: %v", err)
	}
	return study, jobs
}

func TestVoidSoftDeletesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study, jobs := finalizedStudy(t, f)
	voider := consolidate.NewVoider(f.store, f.blobs, f.gate, nil)

	res, err := voider.Void(ctx, study.ID)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if res.Skipped || len(res.Jobs) != 2 || res.Records != 3 || res.Cells != 6 {
		t.Fatalf("unexpected result %+v", res)
	}
	state := testutil.Snapshot(t, f.store, sqlstore.Depository, annot)
	if diff := cmp.Diff([]int{0, 1, 2}, indicesOf(state.Records)); diff != "" {
		t.Fatalf("indices must stay allocated:\n%s", diff)
	}
	for _, rec := range state.Records {
		if !rec.Void() {
			t.Fatalf("record %d not voided: %+v", rec.ArrayIndex, rec)
		}
		if len(state.Cells[rec.ArrayIndex]) != 2 {
			t.Fatalf("index %d: every registered gene must hold VOID, got %v", rec.ArrayIndex, state.Cells[rec.ArrayIndex])
		}
		for gene, v := range state.Cells[rec.ArrayIndex] {
			if v != domain.VoidValue {
				t.Fatalf("cell %s[%d] = %q, want VOID", gene, rec.ArrayIndex, v)
			}
		}
	}
	for _, job := range jobs {
		got, _ := f.store.GetJob(ctx, f.store.DB(), job.ID)
		if got.Status != domain.JobCompleted {
			t.Fatalf("job %d status %s, want Completed", job.ID, got.Status)
		}
	}
	reloaded, _ := f.store.GetStudy(ctx, f.store.DB(), study.ID)
	if reloaded.Finalized || len(reloaded.ArtifactKeys()) != 0 {
		t.Fatalf("study not reverted: %+v", reloaded)
	}
	if diff := cmp.Diff([]string{"studies/1/summary.txt", "studies/1/consolidated.txt"}, res.Artifacts); diff != "" {
		t.Fatalf("deleted artifacts mismatch:\n%s", diff)
	}
	if _, err := f.blobs.Head(ctx, "studies/1/summary.txt"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected summary deleted, got %v", err)
	}

	again, err := voider.Void(ctx, study.ID)
	if err != nil || !again.Skipped {
		t.Fatalf("second void: %+v %v", again, err)
	}
	if diff := cmp.Diff(state, testutil.Snapshot(t, f.store, sqlstore.Depository, annot)); diff != "" {
		t.Fatalf("second void changed state:\n%s", diff)
	}
}

func TestVoidNeverFinalizedIsSkipped(t *testing.T) {
	f := newFixture(t)
	study := testutil.SeedStudy(t, f.store, annot, "S1")
	res, err := consolidate.NewVoider(f.store, f.blobs, f.gate, nil).Void(context.Background(), study.ID)
	if err != nil || !res.Skipped {
		t.Fatalf("expected skip, got %+v %v", res, err)
	}
}

func TestVoidRejectsClosedStudy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study, _ := finalizedStudy(t, f)
	if err := f.store.SetStudyClosed(ctx, f.store.DB(), study.ID, true); err != nil {
		t.Fatalf("close: %v", err)
	}
	before := testutil.Snapshot(t, f.store, sqlstore.Depository, annot)
	_, err := consolidate.NewVoider(f.store, f.blobs, f.gate, nil).Void(ctx, study.ID)
	if !errors.Is(err, domain.ErrStudyClosed) {
		t.Fatalf("expected ErrStudyClosed, got %v", err)
	}
	if diff := cmp.Diff(before, testutil.Snapshot(t, f.store, sqlstore.Depository, annot)); diff != "" {
		t.Fatalf("rejected void changed state:\n%s", diff)
	}
}

func TestVoidRejectsRunInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study := testutil.SeedStudy(t, f.store, annot, "S1")
	testutil.SeedJob(t, f.store, study.ID, domain.JobFinalizing, "k", "")
	if err := f.store.SetStudyFinalized(ctx, f.store.DB(), study.ID, true); err != nil {
		t.Fatalf("finalize flag: %v", err)
	}
	if _, err := consolidate.NewVoider(f.store, f.blobs, f.gate, nil).Void(ctx, study.ID); !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestVoidUnknownStudy(t *testing.T) {
	f := newFixture(t)
	if _, err := consolidate.NewVoider(f.store, f.blobs, f.gate, nil).Void(context.Background(), 404); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

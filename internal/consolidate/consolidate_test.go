package consolidate_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"

	"tims/internal/artifacts"
	"tims/internal/blob"
	"tims/internal/consolidate"
	"tims/internal/gate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/infra/persistence/testutil"
	"tims/pkg/domain"
)

const annot = "hg38"

type fixture struct {
	store *sqlstore.Store
	blobs blob.Store
	gate  *gate.Gate
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: testutil.NewStore(t), blobs: blob.NewMemory(), gate: gate.New("finalize")}
}

func (f *fixture) putOutput(t *testing.T, content string) string {
	t.Helper()
	f.seq++
	key := fmt.Sprintf("outputs/%d/output.zip", f.seq)
	payload, err := artifacts.ZipFiles([]string{"output.tsv"}, map[string]string{"output.tsv": content})
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if _, err := f.blobs.Put(context.Background(), key, bytes.NewReader(payload), blob.PutOptions{}); err != nil {
		t.Fatalf("put output: %v", err)
	}
	return key
}

func (f *fixture) job(t *testing.T, study domain.Study, content string) domain.SubmittedJob {
	t.Helper()
	return testutil.SeedJob(t, f.store, study.ID, domain.JobCompleted, f.putOutput(t, content), "")
}

func (f *fixture) consolidator(table sqlstore.WideTable) *consolidate.Consolidator {
	return consolidate.NewConsolidator(f.store, f.blobs, consolidate.Target{Table: table, Gate: f.gate})
}

// markFinalized moves a consolidated study into the state the service leaves
// it in after a successful finalize.
func (f *fixture) markFinalized(t *testing.T, study domain.Study, jobs ...domain.SubmittedJob) {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if err := f.store.SetJobsStatus(ctx, f.store.DB(), ids, domain.JobFinalized); err != nil {
		t.Fatalf("set jobs finalized: %v", err)
	}
	if err := f.store.SetStudyFinalized(ctx, f.store.DB(), study.ID, true); err != nil {
		t.Fatalf("set study finalized: %v", err)
	}
}

func indicesOf(recs []domain.FinalizedRecord) []int {
	out := make([]int, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ArrayIndex)
	}
	sort.Ints(out)
	return out
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestSubjectLineResolution(t *testing.T) {
	f := newFixture(t)
	study := testutil.SeedStudy(t, f.store, annot, "S1", "S3")
	job := testutil.SeedJob(t, f.store, study.ID, domain.JobCompleted, "unused", "")
	proc := consolidate.SubjectLineProcessor{Store: f.store, Allocator: consolidate.Allocator{Table: sqlstore.Depository}}

	var line consolidate.SubjectLine
	err := f.store.RunInTransaction(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		line, err = proc.Process(context.Background(), tx, "GENE\tENTREZ\tS1\tS2\tS3\r\n", study, job)
		return err
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := consolidate.SubjectLine{
		ArrayIndex: []int{0, domain.InvalidIndex, 1},
		Found:      []string{"S1", "S3"},
		NotFound:   []string{"S2"},
	}
	if diff := cmp.Diff(want, line); diff != "" {
		t.Fatalf("subject line mismatch (-want +got):\n%s", diff)
	}
	recs, _ := sqlstore.Depository.Records(context.Background(), f.store.DB(), annot)
	wantRecs := []domain.FinalizedRecord{
		{ArrayIndex: 0, AnnotationVersion: annot, JobID: job.ID, SubjectID: "S1", StudyID: study.ID},
		{ArrayIndex: 1, AnnotationVersion: annot, JobID: job.ID, SubjectID: "S3", StudyID: study.ID},
	}
	if diff := cmp.Diff(wantRecs, recs); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSubjectLineSkipsBlankColumns(t *testing.T) {
	f := newFixture(t)
	study := testutil.SeedStudy(t, f.store, annot, "S1")
	job := testutil.SeedJob(t, f.store, study.ID, domain.JobCompleted, "unused", "")
	proc := consolidate.SubjectLineProcessor{Store: f.store, Allocator: consolidate.Allocator{Table: sqlstore.Depository}}
	var line consolidate.SubjectLine
	err := f.store.RunInTransaction(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		line, err = proc.Process(context.Background(), tx, "GENE\tENTREZ\t\tS1\t \tS9", study, job)
		return err
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := consolidate.SubjectLine{
		ArrayIndex: []int{domain.InvalidIndex, 0, domain.InvalidIndex, domain.InvalidIndex},
		Found:      []string{"S1"},
		NotFound:   []string{"S9"},
		Blank:      2,
	}
	if diff := cmp.Diff(want, line); diff != "" {
		t.Fatalf("subject line mismatch (-want +got):\n%s", diff)
	}
}

func TestSubjectLineMalformedHeader(t *testing.T) {
	f := newFixture(t)
	study := testutil.SeedStudy(t, f.store, annot)
	proc := consolidate.SubjectLineProcessor{Store: f.store, Allocator: consolidate.Allocator{Table: sqlstore.Depository}}
	_, err := proc.Process(context.Background(), f.store.DB(), "GENE", study, domain.SubmittedJob{ID: 1})
	if !errors.Is(err, consolidate.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestGeneRowsSkipUnknownGenes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study := testutil.SeedStudy(t, f.store, annot, "S1", "S3")
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1", "TP53")
	genes, err := (*consolidate.GeneSetCache)(nil).Load(ctx, f.store.DB(), sqlstore.Depository, annot)
	if err != nil {
		t.Fatalf("load genes: %v", err)
	}
	line := consolidate.SubjectLine{ArrayIndex: []int{0, domain.InvalidIndex, 1}}
	rows := bufio.NewScanner(strings.NewReader("BRCA1\t672\t0.5\t0.7\t0.9\nNOPE\t1\t1\t1\t1\n\nTP53\t7157\t3\n"))
	got, err := consolidate.GeneRowProcessor{Table: sqlstore.Depository}.Process(ctx, f.store.DB(), rows, study, genes, line)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Total != 3 || got.Processed != 2 || got.Skipped() != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
	for _, tc := range []struct {
		gene  string
		index int
		want  string
		ok    bool
	}{
		{"BRCA1", 0, "0.5", true},
		{"BRCA1", 1, "0.9", true},
		{"TP53", 0, "3", true},
		{"TP53", 1, "", false},
		{"NOPE", 0, "", false},
	} {
		v, ok, err := sqlstore.Depository.Cell(ctx, f.store.DB(), tc.gene, annot, tc.index)
		if err != nil || ok != tc.ok || v != tc.want {
			t.Errorf("cell %s[%d] = %q,%v,%v; want %q,%v", tc.gene, tc.index, v, ok, err, tc.want, tc.ok)
		}
	}
	if n, _ := sqlstore.Depository.CountCells(ctx, f.store.DB(), annot); n != 3 {
		t.Fatalf("expected 3 cells, got %d", n)
	}
}

func TestConsolidateAllocatesContiguousIndices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1")
	a := testutil.SeedStudy(t, f.store, annot, "S1", "S2")
	b := testutil.SeedStudy(t, f.store, annot, "S1", "S3")
	other := testutil.SeedStudy(t, f.store, "hg19", "S1")
	jobA := f.job(t, a, "GENE\tENTREZ\tS1\tS2\nBRCA1\t1\t1\t2\n")
	jobB := f.job(t, b, "GENE\tENTREZ\tS1\tS3\tSX\nBRCA1\t1\t3\t4\t5\n")
	jobC := f.job(t, other, "GENE\tENTREZ\tS1\nBRCA1\t1\t9\n")

	c := f.consolidator(sqlstore.Depository)
	outA, err := c.Consolidate(ctx, a, []domain.SubmittedJob{jobA})
	if err != nil {
		t.Fatalf("consolidate a: %v", err)
	}
	if !outA.Reindexed || outA.Indices() != 2 {
		t.Fatalf("unexpected outcome %+v", outA)
	}
	outB, err := c.Consolidate(ctx, b, []domain.SubmittedJob{jobB})
	if err != nil {
		t.Fatalf("consolidate b: %v", err)
	}
	if diff := cmp.Diff([]string{"SX"}, outB.Jobs[0].NotFound); diff != "" {
		t.Fatalf("not found mismatch:\n%s", diff)
	}
	if outB.Jobs[0].AvailableGenes != 1 || outB.Jobs[0].ProcessedGenes != 1 {
		t.Fatalf("unexpected gene counts %+v", outB.Jobs[0])
	}
	if _, err := c.Consolidate(ctx, other, []domain.SubmittedJob{jobC}); err != nil {
		t.Fatalf("consolidate other: %v", err)
	}
	recs, _ := sqlstore.Depository.Records(ctx, f.store.DB(), annot)
	if diff := cmp.Diff(sequence(4), indicesOf(recs)); diff != "" {
		t.Fatalf("indices are not 0..K-1 (-want +got):\n%s", diff)
	}
	recs19, _ := sqlstore.Depository.Records(ctx, f.store.DB(), "hg19")
	if diff := cmp.Diff(sequence(1), indicesOf(recs19)); diff != "" {
		t.Fatalf("annotation versions must not share indices:\n%s", diff)
	}
	if v, _, _ := sqlstore.Depository.Cell(ctx, f.store.DB(), "BRCA1", annot, 3); v != "4" {
		t.Fatalf("expected S3 value at index 3, got %q", v)
	}
}

func TestConsolidateRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1", "TP53")
	earlier := testutil.SeedStudy(t, f.store, annot, "S0")
	if _, err := f.consolidator(sqlstore.Depository).Consolidate(ctx, earlier, []domain.SubmittedJob{
		f.job(t, earlier, "GENE\tENTREZ\tS0\nBRCA1\t1\t0.1\n"),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	before := testutil.Snapshot(t, f.store, sqlstore.Depository, annot)

	study := testutil.SeedStudy(t, f.store, annot, "S1", "S2", "S3")
	job1 := f.job(t, study, "GENE\tENTREZ\tS1\nBRCA1\t1\t1\n")
	job2 := testutil.SeedJob(t, f.store, study.ID, domain.JobCompleted, "outputs/missing.zip", "")
	job3 := f.job(t, study, "GENE\tENTREZ\tS3\nTP53\t1\t3\n")

	_, err := f.consolidator(sqlstore.Depository).Consolidate(ctx, study, []domain.SubmittedJob{job1, job2, job3})
	var jobErr *consolidate.JobError
	if !errors.As(err, &jobErr) || jobErr.JobID != job2.ID {
		t.Fatalf("expected JobError for job %d, got %v", job2.ID, err)
	}
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected missing output cause, got %v", err)
	}
	after := testutil.Snapshot(t, f.store, sqlstore.Depository, annot)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("failed batch left changes (-before +after):\n%s", diff)
	}
	if _, ok := f.gate.TryAcquire(); !ok {
		t.Fatalf("gate still held after failed run")
	}
}

func TestConsolidateCorruptOutputFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study := testutil.SeedStudy(t, f.store, annot, "S1")
	if _, err := f.blobs.Put(ctx, "outputs/bad.zip", strings.NewReader("not a zip"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	job := testutil.SeedJob(t, f.store, study.ID, domain.JobCompleted, "outputs/bad.zip", "")
	if _, err := f.consolidator(sqlstore.Depository).Consolidate(ctx, study, []domain.SubmittedJob{job}); err == nil {
		t.Fatalf("expected unzip failure")
	}
	if _, err := f.consolidator(sqlstore.Depository).Consolidate(ctx, study, nil); !errors.Is(err, domain.ErrNoJobs) {
		t.Fatalf("expected ErrNoJobs, got %v", err)
	}
}

func TestConcurrentRunsNeverShareAnIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1")
	const runs = 6
	type request struct {
		study domain.Study
		job   domain.SubmittedJob
	}
	reqs := make([]request, runs)
	for i := range reqs {
		study := testutil.SeedStudy(t, f.store, annot, "S1", "S2", "S3")
		reqs[i] = request{study: study, job: f.job(t, study, "GENE\tENTREZ\tS1\tS2\tS3\nBRCA1\t1\t1\t2\t3\n")}
	}
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for _, r := range reqs {
		wg.Add(1)
		go func(r request) {
			defer wg.Done()
			c := f.consolidator(sqlstore.Depository)
			if _, err := c.Consolidate(ctx, r.study, []domain.SubmittedJob{r.job}); err != nil {
				errs <- err
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent consolidate: %v", err)
	}
	recs, _ := sqlstore.Depository.Records(ctx, f.store.DB(), annot)
	if diff := cmp.Diff(sequence(runs*3), indicesOf(recs)); diff != "" {
		t.Fatalf("indices collided or left gaps (-want +got):\n%s", diff)
	}
}

func TestGeneSetCacheSeesOutOfBandRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache, err := consolidate.NewGeneSetCache(2)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	testutil.SeedGenes(t, f.store, sqlstore.Vault, annot, "BRCA1")
	set, err := cache.Load(ctx, f.store.DB(), sqlstore.Vault, annot)
	if err != nil || len(set) != 1 {
		t.Fatalf("first load: %v %v", set, err)
	}
	if again, _ := cache.Load(ctx, f.store.DB(), sqlstore.Vault, annot); len(again) != 1 || !again.Has("BRCA1") {
		t.Fatalf("unexpected cached set %v", again)
	}
	// Registered directly in the table, as another process would.
	testutil.SeedGenes(t, f.store, sqlstore.Vault, annot, "TP53")
	if fresh, _ := cache.Load(ctx, f.store.DB(), sqlstore.Vault, annot); !fresh.Has("TP53") || !fresh.Has("BRCA1") {
		t.Fatalf("expected reloaded set to contain TP53, got %v", fresh)
	}
	cache.Purge()
	if fresh, _ := cache.Load(ctx, f.store.DB(), sqlstore.Vault, annot); len(fresh) != 2 {
		t.Fatalf("expected two genes after purge, got %v", fresh)
	}
	if depo, _ := cache.Load(ctx, f.store.DB(), sqlstore.Depository, annot); len(depo) != 0 {
		t.Fatalf("depository and vault gene sets must be cached separately")
	}
}

func TestBeforeCommitHookSharesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedGenes(t, f.store, sqlstore.Depository, annot, "BRCA1")
	study := testutil.SeedStudy(t, f.store, annot, "S1")
	job := f.job(t, study, "GENE\tENTREZ\tS1\nBRCA1\t1\t0.5\n")
	before := testutil.Snapshot(t, f.store, sqlstore.Depository, annot)

	boom := errors.New("hook failed")
	_, err := f.consolidator(sqlstore.Depository).ConsolidateWith(ctx, study, []domain.SubmittedJob{job},
		func(ctx context.Context, tx *sqlx.Tx) error {
			if err := f.store.SetJobStatus(ctx, tx, job.ID, domain.JobFinalized); err != nil {
				return err
			}
			return boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if diff := cmp.Diff(before, testutil.Snapshot(t, f.store, sqlstore.Depository, annot)); diff != "" {
		t.Fatalf("hook failure left data behind:\n%s", diff)
	}
	got, err := f.store.GetJob(ctx, f.store.DB(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobCompleted {
		t.Fatalf("job status not rolled back: %s", got.Status)
	}

	if _, err := f.consolidator(sqlstore.Depository).ConsolidateWith(ctx, study, []domain.SubmittedJob{job},
		func(ctx context.Context, tx *sqlx.Tx) error {
			return f.store.SetJobStatus(ctx, tx, job.ID, domain.JobFinalized)
		}); err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got, _ = f.store.GetJob(ctx, f.store.DB(), job.ID)
	if got.Status != domain.JobFinalized {
		t.Fatalf("job status not committed: %s", got.Status)
	}
}

// Package consolidate merges pipeline outputs into the sparse depository and
// vault wide tables. Every run holds its target's gate and writes all jobs in
// one transaction.
package consolidate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tims/internal/artifacts"
	"tims/internal/blob"
	"tims/internal/gate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/metrics"
	"tims/pkg/domain"
)

// maxLineBytes bounds a single output line; wide headers list thousands of
// subjects.
const maxLineBytes = 16 << 20

// Target binds a wide table to the gate that serialises its writers.
type Target struct {
	Table sqlstore.WideTable
	Gate  *gate.Gate
}

// JobError identifies the job whose consolidation aborted a run.
type JobError struct {
	JobID int64
	Err   error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %d: %v", e.JobID, e.Err) }

func (e *JobError) Unwrap() error { return e.Err }

// JobOutcome reports one job's contribution to a committed run.
type JobOutcome struct {
	JobID          int64
	Pipeline       string
	SubmittedBy    string
	Found          []string
	NotFound       []string
	TotalGenes     int
	ProcessedGenes int
	AvailableGenes int
}

// Outcome is the result of a committed run.
type Outcome struct {
	Target  string
	StudyID int64
	Jobs    []JobOutcome
	// Reindexed is false when the post-commit reindex failed.
	Reindexed bool
}

// Indices returns the number of array indices the run allocated.
func (o Outcome) Indices() int {
	n := 0
	for _, j := range o.Jobs {
		n += len(j.Found)
	}
	return n
}

// Consolidator runs the subject line and gene row processors over a list of
// jobs against one Target.
type Consolidator struct {
	store    *sqlstore.Store
	blobs    blob.Store
	target   Target
	subjects SubjectLineProcessor
	rows     GeneRowProcessor
	genes    *GeneSetCache
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Consolidator) { c.log = l } }

// WithMetrics records allocated indices and gene rows.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Consolidator) { c.metrics = m } }

// WithGeneCache shares a gene set cache between consolidators.
func WithGeneCache(cache *GeneSetCache) Option { return func(c *Consolidator) { c.genes = cache } }

// NewConsolidator returns a Consolidator writing into target.
func NewConsolidator(store *sqlstore.Store, blobs blob.Store, target Target, opts ...Option) *Consolidator {
	c := &Consolidator{
		store:    store,
		blobs:    blobs,
		target:   target,
		subjects: SubjectLineProcessor{Store: store, Allocator: Allocator{Table: target.Table}},
		rows:     GeneRowProcessor{Table: target.Table},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.target.Gate == nil {
		c.target.Gate = gate.New(target.Table.Name)
	}
	c.log = c.log.With(zap.String("target", target.Table.Name))
	return c
}

// Target returns the wide table and gate the consolidator writes through.
func (c *Consolidator) Target() Target { return c.target }

// Consolidate writes jobs into the target in the given order as one
// transaction. The first failing job aborts the run, rolls everything back
// and is reported as a *JobError. After commit the table is reindexed; a
// reindex failure is logged and reflected in Outcome.Reindexed only.
func (c *Consolidator) Consolidate(ctx context.Context, study domain.Study, jobs []domain.SubmittedJob) (Outcome, error) {
	return c.ConsolidateWith(ctx, study, jobs, nil)
}

// BeforeCommit runs inside the consolidation transaction once every job has
// been written. An error rolls the whole run back.
type BeforeCommit func(ctx context.Context, tx *sqlx.Tx) error

// ConsolidateWith is Consolidate with a hook that shares the transaction, so
// state transitions commit together with the data.
func (c *Consolidator) ConsolidateWith(ctx context.Context, study domain.Study, jobs []domain.SubmittedJob, hook BeforeCommit) (Outcome, error) {
	if len(jobs) == 0 {
		return Outcome{}, domain.ErrNoJobs
	}
	log := c.log.With(zap.Int64("study_id", study.ID), zap.String("annot_ver", study.AnnotationVersion))
	release, err := c.target.Gate.Acquire(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	start := time.Now()
	out := Outcome{Target: c.target.Table.Name, StudyID: study.ID}
	err = c.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		genes, err := c.genes.Load(ctx, tx, c.target.Table, study.AnnotationVersion)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			jo, err := c.consolidateJob(ctx, tx, study, job, genes)
			if err != nil {
				log.Warn("job consolidation failed", zap.Int64("job_id", job.ID), zap.Error(err))
				return &JobError{JobID: job.ID, Err: err}
			}
			log.Debug("job consolidated",
				zap.Int64("job_id", job.ID),
				zap.Int("found", len(jo.Found)),
				zap.Int("not_found", len(jo.NotFound)),
				zap.Int("genes_processed", jo.ProcessedGenes),
				zap.Int("genes_total", jo.TotalGenes))
			out.Jobs = append(out.Jobs, jo)
		}
		if hook != nil {
			return hook(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	for _, jo := range out.Jobs {
		c.metrics.AddGeneRows(c.target.Table.Name, jo.ProcessedGenes, jo.TotalGenes-jo.ProcessedGenes)
	}
	c.metrics.AddIndices(c.target.Table.Name, out.Indices())

	if err := c.store.Reindex(ctx, c.target.Table); err != nil {
		log.Error("reindex after commit failed", zap.Error(err))
	} else {
		out.Reindexed = true
	}
	log.Info("consolidation committed",
		zap.Int("jobs", len(out.Jobs)),
		zap.Int("indices", out.Indices()),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (c *Consolidator) consolidateJob(ctx context.Context, tx *sqlx.Tx, study domain.Study, job domain.SubmittedJob, genes GeneSet) (JobOutcome, error) {
	if job.OutputKey == "" {
		return JobOutcome{}, errors.New("job has no output")
	}
	rc, err := artifacts.OpenOutput(ctx, c.blobs, job.OutputKey)
	if err != nil {
		return JobOutcome{}, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return JobOutcome{}, fmt.Errorf("read header: %w", err)
		}
		return JobOutcome{}, fmt.Errorf("%w: empty output", ErrMalformedHeader)
	}
	line, err := c.subjects.Process(ctx, tx, scanner.Text(), study, job)
	if err != nil {
		return JobOutcome{}, err
	}
	rows, err := c.rows.Process(ctx, tx, scanner, study, genes, line)
	if err != nil {
		return JobOutcome{}, err
	}
	return JobOutcome{
		JobID:          job.ID,
		Pipeline:       job.Pipeline,
		SubmittedBy:    job.SubmittedBy,
		Found:          line.Found,
		NotFound:       line.NotFound,
		TotalGenes:     rows.Total,
		ProcessedGenes: rows.Processed,
		AvailableGenes: len(genes),
	}, nil
}

// Summaries converts the outcome into per-job summary sections.
func (o Outcome) Summaries() []artifacts.JobSummary {
	out := make([]artifacts.JobSummary, 0, len(o.Jobs))
	for _, j := range o.Jobs {
		out = append(out, artifacts.JobSummary{
			JobID:          j.JobID,
			Pipeline:       j.Pipeline,
			SubmittedBy:    j.SubmittedBy,
			Found:          j.Found,
			NotFound:       j.NotFound,
			TotalGenes:     j.TotalGenes,
			ProcessedGenes: j.ProcessedGenes,
			AvailableGenes: j.AvailableGenes,
		})
	}
	return out
}

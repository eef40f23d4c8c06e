// Package service orchestrates finalize, unfinalize and closure runs: it
// claims study and job state synchronously, hands the long-running work to
// the worker pool and reports completion through notifications.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tims/internal/blob"
	"tims/internal/consolidate"
	"tims/internal/gate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/metrics"
	"tims/internal/notify"
	"tims/internal/runner"
	"tims/pkg/domain"
)

// Service is the entry point used by the HTTP API and the CLI.
type Service struct {
	store      *sqlstore.Store
	blobs      blob.Store
	finalize   *gate.Gate
	closure    *gate.Gate
	depository *consolidate.Consolidator
	vault      *consolidate.Consolidator
	genes      *consolidate.GeneSetCache
	voider     *consolidate.Voider
	pool       *runner.Pool
	postman    *notify.Postman
	metrics    *metrics.Metrics
	log        *zap.Logger

	workers       int
	queueSize     int
	gateTimeout   time.Duration
	geneCacheSize int
	idsPerLine    int
	runHistory    int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithPostman sets the notification fan-out. Without it events are logged.
func WithPostman(p *notify.Postman) Option { return func(s *Service) { s.postman = p } }

// WithPool sizes the worker pool.
func WithPool(workers, queueSize int) Option {
	return func(s *Service) { s.workers, s.queueSize = workers, queueSize }
}

// WithGateTimeout bounds how long a run waits for its gate. Zero waits until
// the pool shuts down.
func WithGateTimeout(d time.Duration) Option { return func(s *Service) { s.gateTimeout = d } }

// WithRunHistory caps how many finished runs GetRun and ListRuns remember.
func WithRunHistory(n int) Option { return func(s *Service) { s.runHistory = n } }

func WithGeneCacheSize(n int) Option { return func(s *Service) { s.geneCacheSize = n } }

// WithIDsPerLine sets how many subject ids the summary prints per line.
func WithIDsPerLine(n int) Option { return func(s *Service) { s.idsPerLine = n } }

// New wires the consolidators, gates and pool. Call Start before submitting.
func New(store *sqlstore.Store, blobs blob.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:      store,
		blobs:      blobs,
		log:        zap.NewNop(),
		workers:    2,
		queueSize:  32,
		idsPerLine: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.postman == nil {
		s.postman = notify.NewPostman(s.log, notify.LogNotifier{Log: s.log})
	}
	genes, err := consolidate.NewGeneSetCache(s.geneCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gene cache: %w", err)
	}
	s.genes = genes

	gateOpts := []gate.Option{gate.WithTimeout(s.gateTimeout), gate.WithWaitObserver(s.metrics.ObserveGateWait)}
	s.finalize = gate.New("finalize", gateOpts...)
	s.closure = gate.New("closure", gateOpts...)

	consOpts := []consolidate.Option{
		consolidate.WithLogger(s.log),
		consolidate.WithMetrics(s.metrics),
		consolidate.WithGeneCache(genes),
	}
	s.depository = consolidate.NewConsolidator(store, blobs,
		consolidate.Target{Table: sqlstore.Depository, Gate: s.finalize}, consOpts...)
	s.vault = consolidate.NewConsolidator(store, blobs,
		consolidate.Target{Table: sqlstore.Vault, Gate: s.closure}, consOpts...)
	s.voider = consolidate.NewVoider(store, blobs, s.finalize, s.log)
	s.pool = runner.New(s.workers, s.queueSize, runner.WithLogger(s.log), runner.WithMetrics(s.metrics), runner.WithHistory(s.runHistory))
	return s, nil
}

// Start launches the worker pool.
func (s *Service) Start() { s.pool.Start() }

// Stop stops accepting runs and waits for the pool to drain.
func (s *Service) Stop(ctx context.Context) error { return s.pool.Stop(ctx) }

// Store exposes the underlying store to adapters that read metadata.
func (s *Service) Store() *sqlstore.Store { return s.store }

// StudyView is a study together with its submitted jobs.
type StudyView struct {
	domain.Study
	Jobs []domain.SubmittedJob `json:"jobs"`
}

// GetStudy returns the study and its jobs.
func (s *Service) GetStudy(ctx context.Context, id int64) (StudyView, error) {
	study, err := s.store.GetStudy(ctx, s.store.DB(), id)
	if err != nil {
		return StudyView{}, err
	}
	jobs, err := s.store.ListJobs(ctx, s.store.DB(), id)
	if err != nil {
		return StudyView{}, err
	}
	return StudyView{Study: study, Jobs: jobs}, nil
}

// GetRun returns a snapshot of a run.
func (s *Service) GetRun(id string) (runner.Run, error) {
	run, ok := s.pool.Get(id)
	if !ok {
		return runner.Run{}, domain.ErrNotFound{Entity: "run", ID: id}
	}
	return run, nil
}

// ListRuns returns every run known to this process, oldest first.
func (s *Service) ListRuns() []runner.Run { return s.pool.List() }

// RegisterGenes adds reference genes of an annotation version to the
// depository or the vault. Existing genes are skipped. The target's gate is
// held so a running consolidation never sees a partial gene set.
func (s *Service) RegisterGenes(ctx context.Context, vault bool, annotVer string, genes []string) (int, error) {
	if annotVer == "" {
		return 0, fmt.Errorf("annotation version required")
	}
	table, g := sqlstore.Depository, s.finalize
	if vault {
		table, g = sqlstore.Vault, s.closure
	}
	release, err := g.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	var added int
	err = s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		added, err = table.RegisterGenes(ctx, tx, annotVer, genes)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.genes.Purge()
	s.log.Info("genes registered",
		zap.String("target", table.Name),
		zap.String("annot_ver", annotVer),
		zap.Int("added", added),
		zap.Int("submitted", len(genes)))
	return added, nil
}

// RegisterSubjects records subject metadata for a study. Subjects already on
// file are skipped. It returns the number added and the study's subject
// count afterwards.
func (s *Service) RegisterSubjects(ctx context.Context, studyID int64, subjects []string) (added, total int, err error) {
	err = s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		study, err := s.store.GetStudy(ctx, tx, studyID)
		if err != nil {
			return err
		}
		if study.Closed {
			return domain.ErrStudyClosed
		}
		recs := make([]domain.SubjectRecord, 0, len(subjects))
		for _, id := range subjects {
			if id = strings.TrimSpace(id); id != "" {
				recs = append(recs, domain.SubjectRecord{SubjectID: id, StudyID: studyID})
			}
		}
		if added, err = s.store.InsertSubjectRecords(ctx, tx, recs); err != nil {
			return err
		}
		ids, err := s.store.ListSubjects(ctx, tx, studyID)
		total = len(ids)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	s.log.Info("subjects registered",
		zap.Int64("study_id", studyID),
		zap.Int("added", added),
		zap.Int("total", total))
	return added, total, nil
}

// recoverTask is deferred by run tasks. It turns a panic into the task error
// and, when the task fails before its data commits, runs revert on a context
// that survives shutdown.
func (s *Service) recoverTask(ctx context.Context, log *zap.Logger, committed *bool, err *error, revert func(context.Context) error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("run panicked: %v", r)
		log.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
	}
	if *err == nil || *committed {
		return
	}
	if rerr := revert(context.WithoutCancel(ctx)); rerr != nil {
		log.Error("revert claim failed", zap.Error(rerr))
	}
}

// Ticket is the handle of a submitted run. Done receives the terminal run
// exactly once.
type Ticket struct {
	Run  runner.Run
	Done <-chan runner.Run
}

// Wait blocks until the run completes or ctx ends.
func (t Ticket) Wait(ctx context.Context) (runner.Run, error) {
	select {
	case run := <-t.Done:
		return run, nil
	case <-ctx.Done():
		return t.Run, ctx.Err()
	}
}

// skippedTicket reports a run that had nothing to do without queueing it.
func skippedTicket(kind runner.Kind, studyID int64, requestedBy, msg string) Ticket {
	now := time.Now().UTC()
	run := runner.Run{
		Kind:        kind,
		StudyID:     studyID,
		RequestedBy: requestedBy,
		Status:      runner.StatusSkipped,
		Message:     msg,
		CreatedAt:   now,
		UpdatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	done := make(chan runner.Run, 1)
	done <- run
	return Ticket{Run: run, Done: done}
}

// notifier returns the completion callback that reports a run to the
// requesting user.
func (s *Service) notifier(study domain.Study) func(runner.Run) {
	return func(run runner.Run) {
		ev := notify.NewEvent(string(run.Kind), string(run.Status), run.ID, study.ID, study.Title, run.RequestedBy)
		ev.Body = run.Message
		ev.Error = run.Error
		_ = s.postman.Send(context.Background(), ev)
	}
}

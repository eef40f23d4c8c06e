package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tims/internal/runner"
	"tims/pkg/domain"
)

// FinalizeRequest selects the completed jobs of a study to finalize.
type FinalizeRequest struct {
	StudyID     int64   `json:"study_id"`
	JobIDs      []int64 `json:"job_ids"`
	RequestedBy string  `json:"requested_by"`
}

// Finalize claims the study and jobs, then queues the consolidation into the
// depository. Claim failures are returned synchronously; the run outcome is
// delivered through the ticket and a notification.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (Ticket, error) {
	study, jobs, err := s.claimFinalize(ctx, req)
	if err != nil {
		return Ticket{}, err
	}
	run, done, err := s.pool.Submit(runner.Request{
		Kind:        runner.KindFinalize,
		StudyID:     study.ID,
		JobIDs:      req.JobIDs,
		RequestedBy: req.RequestedBy,
		Task:        s.finalizeTask(study, jobs),
		OnComplete:  s.notifier(study),
	})
	if err != nil {
		if rerr := s.revertFinalize(context.WithoutCancel(ctx), study.ID, req.JobIDs); rerr != nil {
			s.log.Error("revert finalize claim failed", zap.Int64("study_id", study.ID), zap.Error(rerr))
		}
		return Ticket{}, err
	}
	return Ticket{Run: run, Done: done}, nil
}

func (s *Service) claimFinalize(ctx context.Context, req FinalizeRequest) (domain.Study, []domain.SubmittedJob, error) {
	if len(req.JobIDs) == 0 {
		return domain.Study{}, nil, domain.ErrNoJobs
	}
	var (
		study domain.Study
		jobs  []domain.SubmittedJob
	)
	err := s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		study, err = s.store.GetStudy(ctx, tx, req.StudyID)
		if err != nil {
			return err
		}
		if study.Closed {
			return domain.ErrStudyClosed
		}
		if study.Finalized {
			return domain.ErrStudyFinalized
		}
		// The conditional update takes the row lock; a claim that lost the
		// race sees zero rows here.
		claimed, err := s.store.ClaimFinalize(ctx, tx, study.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrStudyFinalized
		}
		seen := make(map[int64]bool, len(req.JobIDs))
		for _, id := range req.JobIDs {
			if seen[id] {
				return fmt.Errorf("%w: job %d listed twice", domain.ErrJobNotEligible, id)
			}
			seen[id] = true
			job, err := s.store.GetJob(ctx, tx, id)
			if err != nil {
				return err
			}
			if job.StudyID != study.ID {
				return fmt.Errorf("%w: job %d belongs to study %d", domain.ErrJobNotEligible, id, job.StudyID)
			}
			if job.Status != domain.JobCompleted {
				return fmt.Errorf("%w: job %d is %s", domain.ErrJobNotEligible, id, job.Status)
			}
			jobs = append(jobs, job)
		}
		return s.store.MoveJobsStatus(ctx, tx, req.JobIDs, domain.JobCompleted, domain.JobFinalizing)
	})
	if err != nil {
		return domain.Study{}, nil, err
	}
	study.Finalized = true
	return study, jobs, nil
}

// revertFinalize releases a claim whose run never committed. Jobs that are no
// longer Finalizing abort the revert, leaving committed data flagged.
func (s *Service) revertFinalize(ctx context.Context, studyID int64, jobIDs []int64) error {
	return s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.MoveJobsStatus(ctx, tx, jobIDs, domain.JobFinalizing, domain.JobCompleted); err != nil {
			return err
		}
		return s.store.SetStudyFinalized(ctx, tx, studyID, false)
	})
}

func (s *Service) finalizeTask(study domain.Study, jobs []domain.SubmittedJob) runner.Task {
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return func(ctx context.Context, run runner.Run) (_ runner.Result, err error) {
		log := s.log.With(zap.String("run_id", run.ID), zap.Int64("study_id", study.ID))
		committed := false
		defer s.recoverTask(ctx, log, &committed, &err, func(ctx context.Context) error {
			return s.revertFinalize(ctx, study.ID, ids)
		})
		out, err := s.depository.ConsolidateWith(ctx, study, jobs, func(ctx context.Context, tx *sqlx.Tx) error {
			return s.store.MoveJobsStatus(ctx, tx, ids, domain.JobFinalizing, domain.JobFinalized)
		})
		if err != nil {
			return runner.Result{}, err
		}
		committed = true

		// The data is committed; bookkeeping must finish even during shutdown.
		bg := context.WithoutCancel(ctx)
		details := map[string]any{
			"jobs":      len(out.Jobs),
			"indices":   out.Indices(),
			"reindexed": out.Reindexed,
		}
		keys, artErr := s.writeFinalizeArtifacts(bg, study, jobs, run, out)
		if keys.Summary != "" {
			details["summary_key"] = keys.Summary
		}
		if keys.Consolidated != "" {
			details["consolidated_key"] = keys.Consolidated
		}
		if keys.Detail != "" {
			details["detail_key"] = keys.Detail
		}
		if err := s.store.RunInTransaction(bg, func(tx *sqlx.Tx) error {
			return s.store.SetStudyArtifacts(bg, tx, study.ID, keys.Summary, keys.Consolidated, keys.Detail)
		}); err != nil && artErr == nil {
			artErr = fmt.Errorf("record artifacts: %w", err)
		}
		msg := fmt.Sprintf("finalized %d jobs into %d array indices", len(out.Jobs), out.Indices())
		if artErr != nil {
			log.Error("finalize artifacts incomplete", zap.Error(artErr))
			details["artifact_error"] = artErr.Error()
			msg += "; artifacts incomplete: " + artErr.Error()
		}
		return runner.Result{Message: msg, Details: details}, nil
	}
}

package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tims/internal/artifacts"
	"tims/internal/runner"
	"tims/pkg/domain"
)

// Close claims the study as closed and queues the archival of its finalized
// jobs into the vault. Closing is permanent once the run succeeds.
func (s *Service) Close(ctx context.Context, studyID int64, requestedBy string) (Ticket, error) {
	study, jobs, err := s.claimClose(ctx, studyID)
	if err != nil {
		return Ticket{}, err
	}
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	run, done, err := s.pool.Submit(runner.Request{
		Kind:        runner.KindClose,
		StudyID:     studyID,
		JobIDs:      ids,
		RequestedBy: requestedBy,
		Task:        s.closeTask(study, jobs),
		OnComplete:  s.notifier(study),
	})
	if err != nil {
		if rerr := s.revertClose(context.WithoutCancel(ctx), studyID); rerr != nil {
			s.log.Error("revert close claim failed", zap.Int64("study_id", studyID), zap.Error(rerr))
		}
		return Ticket{}, err
	}
	return Ticket{Run: run, Done: done}, nil
}

func (s *Service) claimClose(ctx context.Context, studyID int64) (domain.Study, []domain.SubmittedJob, error) {
	var (
		study domain.Study
		jobs  []domain.SubmittedJob
	)
	err := s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		study, err = s.store.GetStudy(ctx, tx, studyID)
		if err != nil {
			return err
		}
		if study.Closed {
			return domain.ErrStudyClosed
		}
		if !study.Finalized {
			return domain.ErrStudyNotFinalized
		}
		claimed, err := s.store.ClaimClose(ctx, tx, studyID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrStudyClosed
		}
		pending, err := s.store.ListJobsByStatus(ctx, tx, studyID, domain.JobFinalizing)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return domain.ErrRunInProgress
		}
		jobs, err = s.store.ListJobsByStatus(ctx, tx, studyID, domain.JobFinalized)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return domain.ErrNoJobs
		}
		return nil
	})
	if err != nil {
		return domain.Study{}, nil, err
	}
	study.Closed = true
	return study, jobs, nil
}

func (s *Service) revertClose(ctx context.Context, studyID int64) error {
	return s.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		return s.store.SetStudyClosed(ctx, tx, studyID, false)
	})
}

func (s *Service) closeTask(study domain.Study, jobs []domain.SubmittedJob) runner.Task {
	return func(ctx context.Context, run runner.Run) (_ runner.Result, err error) {
		log := s.log.With(zap.String("run_id", run.ID), zap.Int64("study_id", study.ID))
		committed := false
		defer s.recoverTask(ctx, log, &committed, &err, func(ctx context.Context) error {
			return s.revertClose(ctx, study.ID)
		})
		out, err := s.vault.Consolidate(ctx, study, jobs)
		if err != nil {
			return runner.Result{}, err
		}
		committed = true
		details := map[string]any{
			"jobs":      len(out.Jobs),
			"indices":   out.Indices(),
			"reindexed": out.Reindexed,
		}
		msg := fmt.Sprintf("archived %d jobs into %d vault indices", len(out.Jobs), out.Indices())
		key := artifacts.KeysFor(string(run.Kind), study.ID, run.ID).Summary
		if err := s.putSummary(context.WithoutCancel(ctx), key, study, run, out); err != nil {
			log.Error("closure summary failed", zap.Error(err))
			details["artifact_error"] = err.Error()
			msg += "; summary failed: " + err.Error()
		} else {
			details["summary_key"] = key
		}
		return runner.Result{Message: msg, Details: details}, nil
	}
}

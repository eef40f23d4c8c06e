package service

import (
	"context"
	"fmt"

	"tims/internal/runner"
	"tims/pkg/domain"
)

// Unfinalize queues a void of the study's finalization. A study that is not
// finalized yields an already completed, skipped ticket.
func (s *Service) Unfinalize(ctx context.Context, studyID int64, requestedBy string) (Ticket, error) {
	study, err := s.store.GetStudy(ctx, s.store.DB(), studyID)
	if err != nil {
		return Ticket{}, err
	}
	if study.Closed {
		return Ticket{}, domain.ErrStudyClosed
	}
	if !study.Finalized {
		return skippedTicket(runner.KindUnfinalize, studyID, requestedBy, "study is not finalized"), nil
	}
	pending, err := s.store.ListJobsByStatus(ctx, s.store.DB(), studyID, domain.JobFinalizing)
	if err != nil {
		return Ticket{}, err
	}
	if len(pending) > 0 {
		return Ticket{}, domain.ErrRunInProgress
	}
	run, done, err := s.pool.Submit(runner.Request{
		Kind:        runner.KindUnfinalize,
		StudyID:     studyID,
		RequestedBy: requestedBy,
		Task:        s.unfinalizeTask(studyID),
		OnComplete:  s.notifier(study),
	})
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{Run: run, Done: done}, nil
}

func (s *Service) unfinalizeTask(studyID int64) runner.Task {
	return func(ctx context.Context, _ runner.Run) (runner.Result, error) {
		res, err := s.voider.Void(ctx, studyID)
		if err != nil {
			return runner.Result{}, err
		}
		if res.Skipped {
			return runner.Result{Skipped: true, Message: "study is not finalized"}, nil
		}
		return runner.Result{
			Message: fmt.Sprintf("voided %d jobs (%d records, %d cells)", len(res.Jobs), res.Records, res.Cells),
			Details: map[string]any{
				"jobs":      res.Jobs,
				"records":   res.Records,
				"cells":     res.Cells,
				"artifacts": res.Artifacts,
			},
		}, nil
	}
}

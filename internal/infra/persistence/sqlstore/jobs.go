package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tims/pkg/domain"
)

type jobRow struct {
	ID          int64  `db:"job_id"`
	StudyID     int64  `db:"study_id"`
	Pipeline    string `db:"pipeline"`
	SubmittedBy string `db:"submitted_by"`
	StatusID    int    `db:"status_id"`
	OutputKey   string `db:"output_key"`
	DetailKey   string `db:"detail_key"`
}

const jobColumns = `job_id, study_id, pipeline, submitted_by, status_id, output_key, detail_key`

func (s *Store) toJob(r jobRow) (domain.SubmittedJob, error) {
	status, err := s.statuses.Status(r.StatusID)
	if err != nil {
		return domain.SubmittedJob{}, fmt.Errorf("job %d: %w", r.ID, err)
	}
	return domain.SubmittedJob{
		ID:          r.ID,
		StudyID:     r.StudyID,
		Pipeline:    r.Pipeline,
		SubmittedBy: r.SubmittedBy,
		Status:      status,
		OutputKey:   r.OutputKey,
		DetailKey:   r.DetailKey,
	}, nil
}

// CreateJob inserts a submitted job and returns it with its generated id.
func (s *Store) CreateJob(ctx context.Context, q Queryer, job domain.SubmittedJob) (domain.SubmittedJob, error) {
	if job.Status == "" {
		job.Status = domain.JobWaiting
	}
	code, err := s.statuses.Code(job.Status)
	if err != nil {
		return domain.SubmittedJob{}, err
	}
	query := q.Rebind(`INSERT INTO submitted_job(study_id, pipeline, submitted_by, status_id, output_key, detail_key)
		VALUES(?, ?, ?, ?, ?, ?) RETURNING job_id`)
	if err := sqlx.GetContext(ctx, q, &job.ID, query, job.StudyID, job.Pipeline, job.SubmittedBy, code, job.OutputKey, job.DetailKey); err != nil {
		return domain.SubmittedJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob loads a submitted job by id.
func (s *Store) GetJob(ctx context.Context, q Queryer, id int64) (domain.SubmittedJob, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+jobColumns+` FROM submitted_job WHERE job_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubmittedJob{}, domain.ErrNotFound{Entity: "job", ID: id}
	}
	if err != nil {
		return domain.SubmittedJob{}, fmt.Errorf("select job %d: %w", id, err)
	}
	return s.toJob(row)
}

// ListJobs returns every job of a study ordered by id.
func (s *Store) ListJobs(ctx context.Context, q Queryer, studyID int64) ([]domain.SubmittedJob, error) {
	return s.selectJobs(ctx, q, `SELECT `+jobColumns+` FROM submitted_job WHERE study_id = ? ORDER BY job_id`, studyID)
}

// ListJobsByStatus returns a study's jobs in the given status ordered by id.
func (s *Store) ListJobsByStatus(ctx context.Context, q Queryer, studyID int64, status domain.JobStatus) ([]domain.SubmittedJob, error) {
	code, err := s.statuses.Code(status)
	if err != nil {
		return nil, err
	}
	return s.selectJobs(ctx, q, `SELECT `+jobColumns+` FROM submitted_job WHERE study_id = ? AND status_id = ? ORDER BY job_id`, studyID, code)
}

func (s *Store) selectJobs(ctx context.Context, q Queryer, query string, args ...any) ([]domain.SubmittedJob, error) {
	var rows []jobRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	jobs := make([]domain.SubmittedJob, 0, len(rows))
	for _, r := range rows {
		job, err := s.toJob(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// SetJobStatus moves a job to a new status.
func (s *Store) SetJobStatus(ctx context.Context, q Queryer, id int64, status domain.JobStatus) error {
	code, err := s.statuses.Code(status)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE submitted_job SET status_id = ? WHERE job_id = ?`), code, id)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound{Entity: "job", ID: id}
	}
	return nil
}

// SetJobsStatus moves every listed job to status.
func (s *Store) SetJobsStatus(ctx context.Context, q Queryer, ids []int64, status domain.JobStatus) error {
	for _, id := range ids {
		if err := s.SetJobStatus(ctx, q, id, status); err != nil {
			return err
		}
	}
	return nil
}

// MoveJobsStatus moves every listed job from one status to another. A job
// that is no longer in status from fails the move with ErrJobNotEligible.
func (s *Store) MoveJobsStatus(ctx context.Context, q Queryer, ids []int64, from, to domain.JobStatus) error {
	fromCode, err := s.statuses.Code(from)
	if err != nil {
		return err
	}
	toCode, err := s.statuses.Code(to)
	if err != nil {
		return err
	}
	query := q.Rebind(`UPDATE submitted_job SET status_id = ? WHERE job_id = ? AND status_id = ?`)
	for _, id := range ids {
		res, err := q.ExecContext(ctx, query, toCode, id, fromCode)
		if err != nil {
			return fmt.Errorf("update job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update job %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: job %d is no longer %s", domain.ErrJobNotEligible, id, from)
		}
	}
	return nil
}

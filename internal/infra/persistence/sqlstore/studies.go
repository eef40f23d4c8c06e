package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tims/pkg/domain"
)

const studyColumns = `study_id, title, annot_ver, finalized, closed, summary_key, consolidated_key, detail_key`

// CreateStudy inserts a study and returns it with its generated id.
func (s *Store) CreateStudy(ctx context.Context, q Queryer, study domain.Study) (domain.Study, error) {
	query := q.Rebind(`INSERT INTO study(title, annot_ver, finalized, closed) VALUES(?, ?, ?, ?) RETURNING study_id`)
	if err := sqlx.GetContext(ctx, q, &study.ID, query, study.Title, study.AnnotationVersion, study.Finalized, study.Closed); err != nil {
		return domain.Study{}, fmt.Errorf("insert study: %w", err)
	}
	return study, nil
}

// GetStudy loads a study by id.
func (s *Store) GetStudy(ctx context.Context, q Queryer, id int64) (domain.Study, error) {
	var study domain.Study
	err := sqlx.GetContext(ctx, q, &study, q.Rebind(`SELECT `+studyColumns+` FROM study WHERE study_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Study{}, domain.ErrNotFound{Entity: "study", ID: id}
	}
	if err != nil {
		return domain.Study{}, fmt.Errorf("select study %d: %w", id, err)
	}
	return study, nil
}

// SetStudyFinalized flips the finalized flag.
func (s *Store) SetStudyFinalized(ctx context.Context, q Queryer, id int64, finalized bool) error {
	return s.updateStudy(ctx, q, id, `UPDATE study SET finalized = ? WHERE study_id = ?`, finalized, id)
}

// SetStudyClosed flips the closed flag.
func (s *Store) SetStudyClosed(ctx context.Context, q Queryer, id int64, closed bool) error {
	return s.updateStudy(ctx, q, id, `UPDATE study SET closed = ? WHERE study_id = ?`, closed, id)
}

// ClaimFinalize marks an open, unfinalized study as finalized. It reports
// false when the study is already finalized or closed, including when a
// concurrent claim committed first.
func (s *Store) ClaimFinalize(ctx context.Context, q Queryer, id int64) (bool, error) {
	return s.claimStudy(ctx, q, id,
		`UPDATE study SET finalized = ? WHERE study_id = ? AND finalized = ? AND closed = ?`, true, id, false, false)
}

// ClaimClose marks a finalized, open study as closed. It reports false when
// the study is not in that state.
func (s *Store) ClaimClose(ctx context.Context, q Queryer, id int64) (bool, error) {
	return s.claimStudy(ctx, q, id,
		`UPDATE study SET closed = ? WHERE study_id = ? AND finalized = ? AND closed = ?`, true, id, true, false)
}

func (s *Store) claimStudy(ctx context.Context, q Queryer, id int64, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("claim study %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim study %d: %w", id, err)
	}
	return n == 1, nil
}

// SetStudyArtifacts records the keys of the generated finalization artifacts.
// Empty strings clear them.
func (s *Store) SetStudyArtifacts(ctx context.Context, q Queryer, id int64, summary, consolidated, detail string) error {
	return s.updateStudy(ctx, q, id,
		`UPDATE study SET summary_key = ?, consolidated_key = ?, detail_key = ? WHERE study_id = ?`,
		summary, consolidated, detail, id)
}

func (s *Store) updateStudy(ctx context.Context, q Queryer, id int64, query string, args ...any) error {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update study %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update study %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound{Entity: "study", ID: id}
	}
	return nil
}

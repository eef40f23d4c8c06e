package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tims/pkg/domain"
)

// SubjectExists reports whether metadata is on file for the subject in the study.
func (s *Store) SubjectExists(ctx context.Context, q Queryer, studyID int64, subjectID string) (bool, error) {
	var n int
	query := q.Rebind(`SELECT COUNT(*) FROM subject_record WHERE study_id = ? AND subject_id = ?`)
	if err := sqlx.GetContext(ctx, q, &n, query, studyID, subjectID); err != nil {
		return false, fmt.Errorf("select subject %s: %w", subjectID, err)
	}
	return n > 0, nil
}

// InsertSubjectRecords inserts the records that are not yet on file and skips
// the rest. Duplicates are detected up front; a unique violation from a
// concurrent writer is also treated as a skip.
func (s *Store) InsertSubjectRecords(ctx context.Context, q Queryer, records []domain.SubjectRecord) (int, error) {
	insert := q.Rebind(`INSERT INTO subject_record(subject_id, study_id) VALUES(?, ?)`)
	inserted := 0
	for _, rec := range records {
		exists, err := s.SubjectExists(ctx, q, rec.StudyID, rec.SubjectID)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		if _, err := q.ExecContext(ctx, insert, rec.SubjectID, rec.StudyID); err != nil {
			if IsUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("insert subject %s: %w", rec.SubjectID, err)
		}
		inserted++
	}
	return inserted, nil
}

// ListSubjects returns a study's subject ids in order.
func (s *Store) ListSubjects(ctx context.Context, q Queryer, studyID int64) ([]string, error) {
	var ids []string
	query := q.Rebind(`SELECT subject_id FROM subject_record WHERE study_id = ? ORDER BY subject_id`)
	if err := sqlx.SelectContext(ctx, q, &ids, query, studyID); err != nil {
		return nil, fmt.Errorf("select subjects: %w", err)
	}
	return ids, nil
}

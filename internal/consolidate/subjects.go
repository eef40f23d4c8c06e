package consolidate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tims/internal/infra/persistence/sqlstore"
	"tims/pkg/domain"
)

// ErrMalformedHeader is returned for a header without the two leading gene
// identifier columns.
var ErrMalformedHeader = errors.New("malformed output header")

// firstSubjectColumn is the header column holding the first subject id.
const firstSubjectColumn = 2

// SubjectLine is the resolved header of one output file. ArrayIndex[i]
// belongs to header column i+2 and is domain.InvalidIndex when the subject
// is unknown to the study or the column has no id. Blank counts the latter;
// they are not reported as not found.
type SubjectLine struct {
	ArrayIndex []int
	Found      []string
	NotFound   []string
	Blank      int
}

// SubjectLineProcessor resolves header subjects and claims an index for each
// known one.
type SubjectLineProcessor struct {
	Store     *sqlstore.Store
	Allocator Allocator
}

// Process resolves the tab-separated header of job's output file.
func (p SubjectLineProcessor) Process(ctx context.Context, q sqlstore.Queryer, header string, study domain.Study, job domain.SubmittedJob) (SubjectLine, error) {
	cols := strings.Split(strings.TrimRight(header, "\r\n"), "\t")
	if len(cols) < firstSubjectColumn {
		return SubjectLine{}, fmt.Errorf("job %d: %w: %d columns", job.ID, ErrMalformedHeader, len(cols))
	}
	subjects := cols[firstSubjectColumn:]
	line := SubjectLine{ArrayIndex: make([]int, len(subjects))}
	for i, raw := range subjects {
		subject := strings.TrimSpace(raw)
		if subject == "" {
			line.ArrayIndex[i] = domain.InvalidIndex
			line.Blank++
			continue
		}
		known, err := p.Store.SubjectExists(ctx, q, study.ID, subject)
		if err != nil {
			return SubjectLine{}, err
		}
		if !known {
			line.ArrayIndex[i] = domain.InvalidIndex
			line.NotFound = append(line.NotFound, subject)
			continue
		}
		idx, err := p.Allocator.Claim(ctx, q, domain.FinalizedRecord{
			AnnotationVersion: study.AnnotationVersion,
			JobID:             job.ID,
			SubjectID:         subject,
			StudyID:           study.ID,
		})
		if err != nil {
			return SubjectLine{}, err
		}
		line.ArrayIndex[i] = idx
		line.Found = append(line.Found, subject)
	}
	return line, nil
}

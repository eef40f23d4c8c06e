package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tims/pkg/domain"
)

// WideTable names the three tables that make up one sparse wide table: the
// genes known per annotation version, the cells keyed by (gene, annotation
// version, array index), and the records owning each array index.
type WideTable struct {
	Name         string
	GenesTable   string
	ValuesTable  string
	RecordsTable string
}

// Depository holds finalized data for open studies.
var Depository = WideTable{
	Name:         "depository",
	GenesTable:   "data_depository",
	ValuesTable:  "data_depository_value",
	RecordsTable: "finalized_record",
}

// Vault holds the permanent copy of closed studies.
var Vault = WideTable{
	Name:         "vault",
	GenesTable:   "vault_data",
	ValuesTable:  "vault_data_value",
	RecordsTable: "vault_record",
}

// NextArrayIndex returns MAX(array_index)+1 for the annotation version, or 0
// when no index has been allocated yet. Call it on the transaction that will
// insert the record.
func (w WideTable) NextArrayIndex(ctx context.Context, q Queryer, annotVer string) (int, error) {
	var next int
	query := q.Rebind(`SELECT COALESCE(MAX(array_index), -1) + 1 FROM ` + w.RecordsTable + ` WHERE annot_ver = ?`)
	if err := sqlx.GetContext(ctx, q, &next, query, annotVer); err != nil {
		return 0, fmt.Errorf("next array index (%s, %s): %w", w.Name, annotVer, err)
	}
	return next, nil
}

// InsertRecord stores the mapping of an array index to a subject and job.
func (w WideTable) InsertRecord(ctx context.Context, q Queryer, rec domain.FinalizedRecord) error {
	query := q.Rebind(`INSERT INTO ` + w.RecordsTable + `(array_index, annot_ver, job_id, subject_id, study_id) VALUES(?, ?, ?, ?, ?)`)
	if _, err := q.ExecContext(ctx, query, rec.ArrayIndex, rec.AnnotationVersion, rec.JobID, rec.SubjectID, rec.StudyID); err != nil {
		return fmt.Errorf("insert %s record %d: %w", w.Name, rec.ArrayIndex, err)
	}
	return nil
}

// RegisterGenes adds genes to the annotation version, skipping known ones.
// It returns the number of genes added.
func (w WideTable) RegisterGenes(ctx context.Context, q Queryer, annotVer string, genes []string) (int, error) {
	query := q.Rebind(`INSERT INTO ` + w.GenesTable + `(genename, annot_ver) VALUES(?, ?) ON CONFLICT DO NOTHING`)
	added := 0
	for _, gene := range genes {
		res, err := q.ExecContext(ctx, query, gene, annotVer)
		if err != nil {
			return added, fmt.Errorf("register %s gene %s: %w", w.Name, gene, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

// Genes returns the sorted gene symbols of the annotation version.
func (w WideTable) Genes(ctx context.Context, q Queryer, annotVer string) ([]string, error) {
	var genes []string
	query := q.Rebind(`SELECT genename FROM ` + w.GenesTable + ` WHERE annot_ver = ? ORDER BY genename`)
	if err := sqlx.SelectContext(ctx, q, &genes, query, annotVer); err != nil {
		return nil, fmt.Errorf("select %s genes: %w", w.Name, err)
	}
	return genes, nil
}

// CountGenes returns the number of genes registered for the annotation
// version. Genes are never removed, so the count only grows.
func (w WideTable) CountGenes(ctx context.Context, q Queryer, annotVer string) (int, error) {
	var n int
	query := q.Rebind(`SELECT COUNT(*) FROM ` + w.GenesTable + ` WHERE annot_ver = ?`)
	if err := sqlx.GetContext(ctx, q, &n, query, annotVer); err != nil {
		return 0, fmt.Errorf("count %s genes: %w", w.Name, err)
	}
	return n, nil
}

// PutCell writes value at (gene, annotation version, index), replacing any
// previous value.
func (w WideTable) PutCell(ctx context.Context, q Queryer, gene, annotVer string, index int, value string) error {
	query := q.Rebind(`INSERT INTO ` + w.ValuesTable + `(genename, annot_ver, array_index, value) VALUES(?, ?, ?, ?)
		ON CONFLICT(genename, annot_ver, array_index) DO UPDATE SET value = excluded.value`)
	if _, err := q.ExecContext(ctx, query, gene, annotVer, index, value); err != nil {
		return fmt.Errorf("put %s cell %s[%d]: %w", w.Name, gene, index, err)
	}
	return nil
}

// IndicesForJob returns the array indices owned by a job.
func (w WideTable) IndicesForJob(ctx context.Context, q Queryer, annotVer string, jobID int64) ([]int, error) {
	var indices []int
	query := q.Rebind(`SELECT array_index FROM ` + w.RecordsTable + ` WHERE annot_ver = ? AND job_id = ? ORDER BY array_index`)
	if err := sqlx.SelectContext(ctx, q, &indices, query, annotVer, jobID); err != nil {
		return nil, fmt.Errorf("select %s indices for job %d: %w", w.Name, jobID, err)
	}
	return indices, nil
}

// VoidCells writes the void sentinel into every gene registered for the
// annotation version at each of the given indices, creating the cells that
// were never stored. It returns the number of cells written.
func (w WideTable) VoidCells(ctx context.Context, q Queryer, annotVer string, indices []int) (int64, error) {
	query := q.Rebind(`INSERT INTO ` + w.ValuesTable + `(genename, annot_ver, array_index, value)
		SELECT genename, annot_ver, CAST(? AS INTEGER), CAST(? AS TEXT) FROM ` + w.GenesTable + ` WHERE annot_ver = ?
		ON CONFLICT(genename, annot_ver, array_index) DO UPDATE SET value = excluded.value`)
	var total int64
	for _, idx := range indices {
		res, err := q.ExecContext(ctx, query, idx, domain.VoidValue, annotVer)
		if err != nil {
			return total, fmt.Errorf("void %s cells at %d: %w", w.Name, idx, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// VoidRecords soft-deletes every record owned by the job. The indices stay
// allocated.
func (w WideTable) VoidRecords(ctx context.Context, q Queryer, annotVer string, jobID int64) (int64, error) {
	query := q.Rebind(`UPDATE ` + w.RecordsTable + ` SET job_id = ?, subject_id = ? WHERE annot_ver = ? AND job_id = ?`)
	res, err := q.ExecContext(ctx, query, domain.VoidJobID, domain.VoidSubjectID, annotVer, jobID)
	if err != nil {
		return 0, fmt.Errorf("void %s records for job %d: %w", w.Name, jobID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Records returns every record of the annotation version ordered by index.
func (w WideTable) Records(ctx context.Context, q Queryer, annotVer string) ([]domain.FinalizedRecord, error) {
	var recs []domain.FinalizedRecord
	query := q.Rebind(`SELECT array_index, annot_ver, job_id, subject_id, study_id FROM ` + w.RecordsTable + ` WHERE annot_ver = ? ORDER BY array_index`)
	if err := sqlx.SelectContext(ctx, q, &recs, query, annotVer); err != nil {
		return nil, fmt.Errorf("select %s records: %w", w.Name, err)
	}
	return recs, nil
}

// StudyRecords returns the live (non-void) records of a study ordered by index.
func (w WideTable) StudyRecords(ctx context.Context, q Queryer, studyID int64) ([]domain.FinalizedRecord, error) {
	var recs []domain.FinalizedRecord
	query := q.Rebind(`SELECT array_index, annot_ver, job_id, subject_id, study_id FROM ` + w.RecordsTable + `
		WHERE study_id = ? AND job_id <> ? ORDER BY array_index`)
	if err := sqlx.SelectContext(ctx, q, &recs, query, studyID, domain.VoidJobID); err != nil {
		return nil, fmt.Errorf("select %s records for study %d: %w", w.Name, studyID, err)
	}
	return recs, nil
}

// Column returns the gene -> value map stored at one array index.
func (w WideTable) Column(ctx context.Context, q Queryer, annotVer string, index int) (map[string]string, error) {
	var cells []struct {
		Gene  string `db:"genename"`
		Value string `db:"value"`
	}
	query := q.Rebind(`SELECT genename, value FROM ` + w.ValuesTable + ` WHERE annot_ver = ? AND array_index = ?`)
	if err := sqlx.SelectContext(ctx, q, &cells, query, annotVer, index); err != nil {
		return nil, fmt.Errorf("select %s column %d: %w", w.Name, index, err)
	}
	out := make(map[string]string, len(cells))
	for _, c := range cells {
		out[c.Gene] = c.Value
	}
	return out, nil
}

// Cell returns the value at (gene, annotation version, index) and whether it exists.
func (w WideTable) Cell(ctx context.Context, q Queryer, gene, annotVer string, index int) (string, bool, error) {
	var values []string
	query := q.Rebind(`SELECT value FROM ` + w.ValuesTable + ` WHERE genename = ? AND annot_ver = ? AND array_index = ?`)
	if err := sqlx.SelectContext(ctx, q, &values, query, gene, annotVer, index); err != nil {
		return "", false, fmt.Errorf("select %s cell: %w", w.Name, err)
	}
	if len(values) == 0 {
		return "", false, nil
	}
	return values[0], true, nil
}

// CountCells returns the number of stored cells of the annotation version.
func (w WideTable) CountCells(ctx context.Context, q Queryer, annotVer string) (int, error) {
	var n int
	query := q.Rebind(`SELECT COUNT(*) FROM ` + w.ValuesTable + ` WHERE annot_ver = ?`)
	if err := sqlx.GetContext(ctx, q, &n, query, annotVer); err != nil {
		return 0, fmt.Errorf("count %s cells: %w", w.Name, err)
	}
	return n, nil
}

// Package domain defines the persistent entities and value types shared by the
// TIMS finalization pipeline: studies, submitted jobs, job statuses and the
// array-index records that tie subjects to the wide data tables.
package domain

// Study identifies a research study whose pipeline outputs are finalized into
// the depository and, once closed, archived into the vault.
type Study struct {
	ID                int64  `db:"study_id" json:"id"`
	Title             string `db:"title" json:"title"`
	AnnotationVersion string `db:"annot_ver" json:"annotation_version"`
	Finalized         bool   `db:"finalized" json:"finalized"`
	Closed            bool   `db:"closed" json:"closed"`
	SummaryKey        string `db:"summary_key" json:"summary_key,omitempty"`
	ConsolidatedKey   string `db:"consolidated_key" json:"consolidated_key,omitempty"`
	DetailKey         string `db:"detail_key" json:"detail_key,omitempty"`
}

// ArtifactKeys returns the non-empty artifact keys recorded on the study.
func (s Study) ArtifactKeys() []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{s.SummaryKey, s.ConsolidatedKey, s.DetailKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SubjectRecord is pre-existing subject metadata for a study. The
// consolidation pipeline only reads it.
type SubjectRecord struct {
	SubjectID string `db:"subject_id" json:"subject_id"`
	StudyID   int64  `db:"study_id" json:"study_id"`
}

// Sentinels written when a finalization is voided or a column is unresolved.
const (
	VoidValue     = "VOID"
	VoidSubjectID = "VOID"
	VoidJobID     = int64(0)
	InvalidIndex  = -1
)

// FinalizedRecord maps one allocated array index to the subject and job whose
// output occupies it. The same shape is stored for depository and vault.
type FinalizedRecord struct {
	ArrayIndex        int    `db:"array_index" json:"array_index"`
	AnnotationVersion string `db:"annot_ver" json:"annotation_version"`
	JobID             int64  `db:"job_id" json:"job_id"`
	SubjectID         string `db:"subject_id" json:"subject_id"`
	StudyID           int64  `db:"study_id" json:"study_id"`
}

// Void reports whether the record has been soft-deleted by an unfinalize.
func (r FinalizedRecord) Void() bool {
	return r.JobID == VoidJobID && r.SubjectID == VoidSubjectID
}

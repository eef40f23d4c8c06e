package domain

// JobStatus is the canonical name of a submitted job's lifecycle state.
type JobStatus string

// Fixed job status enumeration. Numeric codes are persisted in job_status and
// resolved through a StatusTable.
const (
	JobWaiting    JobStatus = "Waiting"
	JobInProgress JobStatus = "In-progress"
	JobCompleted  JobStatus = "Completed"
	JobFinalizing JobStatus = "Finalizing"
	JobFinalized  JobStatus = "Finalized"
	JobFailed     JobStatus = "Failed"
)

// JobStatuses lists the enumeration in code order (1-based).
var JobStatuses = []JobStatus{JobWaiting, JobInProgress, JobCompleted, JobFinalizing, JobFinalized, JobFailed}

// SubmittedJob is one pipeline execution belonging to a study.
type SubmittedJob struct {
	ID          int64     `json:"id"`
	StudyID     int64     `json:"study_id"`
	Pipeline    string    `json:"pipeline"`
	SubmittedBy string    `json:"submitted_by"`
	Status      JobStatus `json:"status"`
	OutputKey   string    `json:"output_key"`
	DetailKey   string    `json:"detail_key,omitempty"`
}

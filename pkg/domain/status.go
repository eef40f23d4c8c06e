package domain

import "fmt"

// StatusTable is an immutable two-way lookup between job status names and
// their persisted codes. It is built once at startup and shared by reference.
type StatusTable struct {
	byName map[JobStatus]int
	byCode map[int]JobStatus
}

// NewStatusTable builds a lookup from code/name pairs. Every status in
// JobStatuses must be present exactly once.
func NewStatusTable(pairs map[int]string) (*StatusTable, error) {
	t := &StatusTable{
		byName: make(map[JobStatus]int, len(pairs)),
		byCode: make(map[int]JobStatus, len(pairs)),
	}
	for code, name := range pairs {
		status := JobStatus(name)
		if _, dup := t.byName[status]; dup {
			return nil, fmt.Errorf("duplicate job status %q", name)
		}
		t.byName[status] = code
		t.byCode[code] = status
	}
	for _, status := range JobStatuses {
		if _, ok := t.byName[status]; !ok {
			return nil, fmt.Errorf("job status %q missing from lookup", status)
		}
	}
	return t, nil
}

// DefaultStatusTable returns the fixed enumeration 1=Waiting .. 6=Failed.
func DefaultStatusTable() *StatusTable {
	pairs := make(map[int]string, len(JobStatuses))
	for i, status := range JobStatuses {
		pairs[i+1] = string(status)
	}
	t, err := NewStatusTable(pairs)
	if err != nil {
		panic(err)
	}
	return t
}

// Code returns the persisted code for a status.
func (t *StatusTable) Code(status JobStatus) (int, error) {
	code, ok := t.byName[status]
	if !ok {
		return 0, fmt.Errorf("unknown job status %q", status)
	}
	return code, nil
}

// Status returns the status name for a persisted code.
func (t *StatusTable) Status(code int) (JobStatus, error) {
	status, ok := t.byCode[code]
	if !ok {
		return "", fmt.Errorf("unknown job status code %d", code)
	}
	return status, nil
}

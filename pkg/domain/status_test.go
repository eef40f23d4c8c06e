package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDefaultStatusTableCodes(t *testing.T) {
	table := DefaultStatusTable()
	want := map[JobStatus]int{
		JobWaiting: 1, JobInProgress: 2, JobCompleted: 3,
		JobFinalizing: 4, JobFinalized: 5, JobFailed: 6,
	}
	for status, code := range want {
		got, err := table.Code(status)
		if err != nil {
			t.Fatalf("code %s: %v", status, err)
		}
		if got != code {
			t.Fatalf("code %s = %d, want %d", status, got, code)
		}
		back, err := table.Status(code)
		if err != nil || back != status {
			t.Fatalf("status %d = %s, %v", code, back, err)
		}
	}
	if _, err := table.Code("Archived"); err == nil {
		t.Fatalf("expected unknown status error")
	}
	if _, err := table.Status(42); err == nil {
		t.Fatalf("expected unknown code error")
	}
}

func TestNewStatusTableRejectsIncomplete(t *testing.T) {
	if _, err := NewStatusTable(map[int]string{1: "Waiting"}); err == nil {
		t.Fatalf("expected missing status error")
	}
	if _, err := NewStatusTable(map[int]string{1: "Waiting", 2: "Waiting"}); err == nil {
		t.Fatalf("expected duplicate status error")
	}
}

func TestStudyArtifactKeys(t *testing.T) {
	s := Study{SummaryKey: "a", DetailKey: "c"}
	keys := s.ArtifactKeys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestErrNotFound(t *testing.T) {
	err := fmt.Errorf("load: %w", ErrNotFound{Entity: "study", ID: int64(7)})
	if !IsNotFound(err) {
		t.Fatalf("expected not found")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatalf("unexpected not found")
	}
	if got := (ErrNotFound{Entity: "study", ID: 7}).Error(); got != "study 7 not found" {
		t.Fatalf("message %q", got)
	}
}

func TestFinalizedRecordVoid(t *testing.T) {
	if !(FinalizedRecord{JobID: VoidJobID, SubjectID: VoidSubjectID}).Void() {
		t.Fatalf("expected void record")
	}
	if (FinalizedRecord{JobID: 3, SubjectID: "S1"}).Void() {
		t.Fatalf("unexpected void record")
	}
}

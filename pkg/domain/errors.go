package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by claim and run validation. Callers match them
// with errors.Is.
var (
	ErrStudyClosed       = errors.New("study is closed")
	ErrStudyFinalized    = errors.New("study is already finalized")
	ErrStudyNotFinalized = errors.New("study is not finalized")
	ErrJobNotEligible    = errors.New("job is not eligible")
	ErrNoJobs            = errors.New("no jobs selected")
	ErrQueueFull         = errors.New("run queue full")
	ErrRunInProgress     = errors.New("a run is in progress for the study")
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity string
	ID     any
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

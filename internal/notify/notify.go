// Package notify delivers run status messages to the requesting user. Delivery
// is fire-and-forget: failures are logged and never retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one status message about a run.
type Event struct {
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	RunID      string    `json:"run_id"`
	StudyID    int64     `json:"study_id"`
	StudyTitle string    `json:"study_title,omitempty"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent fills in the subject line and timestamp.
func NewEvent(kind, status, runID string, studyID int64, title, recipient string) Event {
	return Event{
		Kind:       kind,
		Status:     status,
		RunID:      runID,
		StudyID:    studyID,
		StudyTitle: title,
		Recipient:  recipient,
		Subject:    fmt.Sprintf("TIMS %s of study %d %s", kind, studyID, status),
		OccurredAt: time.Now().UTC(),
	}
}

// Notifier is a delivery channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Postman fans an event out to every sink.
type Postman struct {
	sinks []Notifier
	log   *zap.Logger
}

// NewPostman returns a Postman delivering to sinks.
func NewPostman(log *zap.Logger, sinks ...Notifier) *Postman {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postman{sinks: sinks, log: log}
}

// Send delivers ev to every sink and returns the joined delivery errors,
// which callers may ignore.
func (p *Postman) Send(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Notify(ctx, ev); err != nil {
			p.log.Warn("notification failed",
				zap.String("run_id", ev.RunID),
				zap.String("recipient", ev.Recipient),
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", ev.Kind),
		zap.String("status", ev.Status),
		zap.String("run_id", ev.RunID),
		zap.Int64("study_id", ev.StudyID),
		zap.String("recipient", ev.Recipient),
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	n.Log.Info(ev.Subject, fields...)
	return nil
}

// MemoryNotifier keeps events in memory.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (n *MemoryNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.Err
}

// Events returns a copy of the recorded events.
func (n *MemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

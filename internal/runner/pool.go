// Package runner executes finalization, unfinalize and closure runs on a
// bounded set of workers and keeps a registry of their status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tims/internal/metrics"
	"tims/pkg/domain"
)

// Kind names the operation a run performs.
type Kind string

const (
	KindFinalize   Kind = "finalize"
	KindUnfinalize Kind = "unfinalize"
	KindClose      Kind = "close"
)

// Status describes the lifecycle stage of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("runner stopped")

// Run tracks one submitted operation.
type Run struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	StudyID     int64          `json:"study_id"`
	JobIDs      []int64        `json:"job_ids,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (r Run) copy() Run {
	cp := r
	if r.JobIDs != nil {
		cp.JobIDs = append([]int64(nil), r.JobIDs...)
	}
	if r.Details != nil {
		cp.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// Result is what a task reports on success.
type Result struct {
	Skipped bool
	Message string
	Details map[string]any
}

// Task is the body of a run. ctx is cancelled when the pool stops.
type Task func(ctx context.Context, run Run) (Result, error)

// Request describes a run to submit.
type Request struct {
	Kind        Kind
	StudyID     int64
	JobIDs      []int64
	RequestedBy string
	Task        Task
	// OnComplete runs on the worker after the run reaches a terminal status.
	OnComplete func(Run)
}

type task struct {
	id         string
	fn         Task
	onComplete func(Run)
	done       chan Run
}

// Pool runs tasks on a fixed number of workers reading a bounded queue.
type Pool struct {
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics

	queue   chan task
	mu      sync.RWMutex
	runs    map[string]*Run
	stopped bool
	// history caps how many terminal runs stay queryable; finished holds
	// their ids oldest first.
	history  int
	finished []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.log = l } }

// WithMetrics records run outcomes and queue depth.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithHistory keeps at most n terminal runs; older ones are forgotten.
func WithHistory(n int) Option { return func(p *Pool) { p.history = n } }

// DefaultHistory is the number of terminal runs kept when none is configured.
const DefaultHistory = 256

// New constructs a pool; call Start to launch the workers.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		log:     zap.NewNop(),
		queue:   make(chan task, queueSize),
		runs:    make(map[string]*Run),
		ctx:     ctx,
		cancel:  cancel,
		history: DefaultHistory,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.history <= 0 {
		p.history = DefaultHistory
	}
	return p
}

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start() {
	p.start.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.loop()
		}
	})
}

// Stop rejects new submissions, cancels the pool context and waits for the
// workers. Queued runs still execute and observe the cancellation, so their
// failure paths run.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.cancel()
	p.Start()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for t := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		p.process(t)
	}
}

// Submit registers a queued run and hands it to the workers. The returned
// channel receives the terminal run exactly once. A full queue fails with
// domain.ErrQueueFull and leaves no record behind.
func (p *Pool) Submit(req Request) (Run, <-chan Run, error) {
	if req.Task == nil {
		return Run{}, nil, fmt.Errorf("run task required")
	}
	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		StudyID:     req.StudyID,
		JobIDs:      append([]int64(nil), req.JobIDs...),
		RequestedBy: req.RequestedBy,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t := task{id: run.ID, fn: req.Task, onComplete: req.OnComplete, done: make(chan Run, 1)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return Run{}, nil, ErrStopped
	}
	select {
	case p.queue <- t:
	default:
		return Run{}, nil, domain.ErrQueueFull
	}
	p.runs[run.ID] = run
	p.metrics.SetQueueDepth(len(p.queue))
	p.log.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.Int64("study_id", run.StudyID))
	return run.copy(), t.done, nil
}

// Get returns a snapshot of the run.
func (p *Pool) Get(id string) (Run, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	run, ok := p.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.copy(), true
}

// List returns snapshots of every known run, oldest first.
func (p *Pool) List() []Run {
	p.mu.RLock()
	out := make([]Run, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, r.copy())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (p *Pool) process(t task) {
	// Submit registers the run while holding mu, before a worker can see it.
	running := p.update(t.id, func(r *Run, now time.Time) {
		r.Status = StatusRunning
		r.StartedAt = &now
	})
	log := p.log.With(zap.String("run_id", t.id), zap.String("kind", string(running.Kind)), zap.Int64("study_id", running.StudyID))
	log.Info("run started")

	res, err := p.execute(t, running)
	final := p.update(t.id, func(r *Run, now time.Time) {
		r.CompletedAt = &now
		switch {
		case err != nil:
			r.Status = StatusFailed
			r.Error = err.Error()
		case res.Skipped:
			r.Status = StatusSkipped
		default:
			r.Status = StatusSucceeded
		}
		r.Message = res.Message
		r.Details = res.Details
	})
	p.retire(t.id)
	elapsed := final.CompletedAt.Sub(*final.StartedAt)
	p.metrics.ObserveRun(string(final.Kind), string(final.Status), elapsed)
	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("run finished", zap.String("status", string(final.Status)), zap.Duration("elapsed", elapsed))
	}
	if t.onComplete != nil {
		t.onComplete(final)
	}
	t.done <- final
}

// retire records a terminal run and forgets the oldest ones beyond history.
func (p *Pool) retire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, id)
	for len(p.finished) > p.history {
		delete(p.runs, p.finished[0])
		p.finished = p.finished[1:]
	}
}

func (p *Pool) execute(t task, run Run) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return t.fn(p.ctx, run)
}

func (p *Pool) update(id string, fn func(r *Run, now time.Time)) Run {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.runs[id]
	fn(r, now)
	r.UpdatedAt = now
	return r.copy()
}

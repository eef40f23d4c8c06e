package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tims/pkg/domain"
)

func wait(t *testing.T, ch <-chan Run) Run {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for run")
		return Run{}
	}
}

func TestSubmitRunsTaskAndCallsContinuation(t *testing.T) {
	p := New(2, 4)
	p.Start()
	defer func() { _ = p.Stop(context.Background()) }()

	var continued atomic.Int32
	queued, done, err := p.Submit(Request{
		Kind:        KindFinalize,
		StudyID:     7,
		JobIDs:      []int64{1, 2},
		RequestedBy: "alice",
		Task: func(_ context.Context, run Run) (Result, error) {
			if run.Status != StatusRunning {
				t.Errorf("task saw status %s", run.Status)
			}
			return Result{Message: "ok", Details: map[string]any{"indices": 3}}, nil
		},
		OnComplete: func(r Run) {
			if r.Status == StatusSucceeded {
				continued.Add(1)
			}
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued.Status != StatusQueued || queued.ID == "" {
		t.Fatalf("unexpected queued run %+v", queued)
	}
	final := wait(t, done)
	if final.Status != StatusSucceeded || final.Message != "ok" || final.Details["indices"] != 3 {
		t.Fatalf("unexpected final run %+v", final)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("expected timestamps on %+v", final)
	}
	if continued.Load() != 1 {
		t.Fatalf("continuation not called")
	}
	got, ok := p.Get(queued.ID)
	if !ok || got.Status != StatusSucceeded {
		t.Fatalf("registry lookup: %+v %v", got, ok)
	}
	if _, ok := p.Get("missing"); ok {
		t.Fatalf("expected unknown run lookup to fail")
	}
}

func TestRunStatuses(t *testing.T) {
	p := New(1, 4)
	p.Start()
	defer func() { _ = p.Stop(context.Background()) }()
	cases := []struct {
		task Task
		want Status
	}{
		{func(context.Context, Run) (Result, error) { return Result{Skipped: true}, nil }, StatusSkipped},
		{func(context.Context, Run) (Result, error) { return Result{}, errors.New("boom") }, StatusFailed},
		{func(context.Context, Run) (Result, error) { panic("bad") }, StatusFailed},
	}
	for _, tc := range cases {
		_, done, err := p.Submit(Request{Kind: KindUnfinalize, Task: tc.task})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if got := wait(t, done); got.Status != tc.want || (tc.want == StatusFailed && got.Error == "") {
			t.Fatalf("expected %s, got %+v", tc.want, got)
		}
	}
	if n := len(p.List()); n != 3 {
		t.Fatalf("expected 3 runs listed, got %d", n)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	p := New(1, 1)
	if _, _, err := p.Submit(Request{Kind: KindClose, Task: func(context.Context, Run) (Result, error) { return Result{}, nil }}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := p.Submit(Request{Kind: KindClose, Task: func(context.Context, Run) (Result, error) { return Result{}, nil }})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if n := len(p.List()); n != 1 {
		t.Fatalf("rejected submission must not be registered, got %d runs", n)
	}
	if _, _, err := p.Submit(Request{Kind: KindClose}); err == nil {
		t.Fatalf("expected error for missing task")
	}
	_ = p.Stop(context.Background())
}

func TestStopCancelsQueuedRuns(t *testing.T) {
	p := New(1, 4)
	_, done, err := p.Submit(Request{Kind: KindFinalize, Task: func(ctx context.Context, _ Run) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := wait(t, done); got.Status != StatusFailed || got.Error != context.Canceled.Error() {
		t.Fatalf("expected cancelled run, got %+v", got)
	}
	if _, _, err := p.Submit(Request{Kind: KindFinalize, Task: func(context.Context, Run) (Result, error) { return Result{}, nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestHistoryForgetsOldestTerminalRuns(t *testing.T) {
	p := New(1, 8, WithHistory(2))
	p.Start()
	defer func() { _ = p.Stop(context.Background()) }()

	var ids []string
	for i := 0; i < 3; i++ {
		run, done, err := p.Submit(Request{Kind: KindFinalize, StudyID: int64(i), Task: func(context.Context, Run) (Result, error) {
			return Result{}, nil
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		wait(t, done)
		ids = append(ids, run.ID)
	}
	if _, ok := p.Get(ids[0]); ok {
		t.Fatalf("oldest run should have been forgotten")
	}
	for _, id := range ids[1:] {
		if _, ok := p.Get(id); !ok {
			t.Fatalf("run %s forgotten too early", id)
		}
	}
	if n := len(p.List()); n != 2 {
		t.Fatalf("list holds %d runs, want 2", n)
	}
}

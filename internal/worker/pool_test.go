package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/services"
)

func makeTasks(n int) []Task[int] {
	tasks := make([]Task[int], n)
	for i := range tasks {
		tasks[i] = Task[int]{ID: fmt.Sprintf("job-%02d", i), Label: fmt.Sprintf("sample %d", i), Payload: i}
	}
	return tasks
}

func TestRunRespectsConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	p := &Pool{Concurrency: 3}
	done := make(chan []Outcome[int], 1)
	go func() {
		out, _ := Run(context.Background(), p, makeTasks(10), func(ctx context.Context, task Task[int], _ services.Reporter) (int, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			started <- struct{}{}
			<-release
			running.Add(-1)
			return task.Payload * 2, nil
		})
		done <- out
	}()

	for range 3 {
		<-started
	}
	// Give the pool a chance to over-schedule if it were going to.
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 3 {
		t.Fatalf("running = %d with 3 slots, want 3", got)
	}
	close(release)

	out := <-done
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
	for i, o := range out {
		if o.Err != nil || o.Skipped || o.Value != i*2 {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
}

func TestRunClampsConcurrency(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 1},
		{-4, 1},
		{5, 5},
		{64, MaxConcurrency},
	}
	for _, tc := range cases {
		p := &Pool{Concurrency: tc.in}
		if got := p.concurrency(); got != tc.want {
			t.Errorf("concurrency(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestRunRejectsDuplicateIDs(t *testing.T) {
	tasks := []Task[int]{{ID: "a"}, {ID: "b"}, {ID: "a"}}
	called := false
	_, err := Run(context.Background(), &Pool{Concurrency: 2}, tasks, func(context.Context, Task[int], services.Reporter) (int, error) {
		called = true
		return 0, nil
	})
	if err == nil || !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
	if called {
		t.Error("handler ran despite invalid task list")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	notified := map[string]error{}

	p := &Pool{
		Concurrency: 4,
		OnOutcome: func(id string, err error) {
			mu.Lock()
			notified[id] = err
			mu.Unlock()
		},
	}
	out, err := Run(context.Background(), p, makeTasks(6), func(_ context.Context, task Task[int], _ services.Reporter) (int, error) {
		if task.Payload%2 == 1 {
			return 0, boom
		}
		return task.Payload, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, o := range out {
		if i%2 == 1 {
			if !errors.Is(o.Err, boom) {
				t.Errorf("outcome %d err = %v, want boom", i, o.Err)
			}
		} else if o.Err != nil || o.Value != i {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if len(notified) != 6 {
		t.Errorf("OnOutcome called for %d jobs, want 6", len(notified))
	}
}

func TestRunStopOnFailureSkipsRemaining(t *testing.T) {
	boom := errors.New("boom")
	p := &Pool{Concurrency: 1, StopOnFailure: true}
	out, err := Run(context.Background(), p, makeTasks(5), func(_ context.Context, task Task[int], _ services.Reporter) (int, error) {
		if task.Payload == 1 {
			return 0, boom
		}
		return task.Payload, nil
	})

	var stopped *StoppedError
	if !errors.As(err, &stopped) || stopped.ID != "job-01" || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want StoppedError for job-01", err)
	}
	if out[0].Err != nil || out[0].Skipped {
		t.Errorf("first job = %+v", out[0])
	}
	for _, o := range out[2:] {
		if !o.Skipped {
			t.Errorf("job %s should have been skipped: %+v", o.ID, o)
		}
	}
}

func TestRunStopOnFailureInterruptsInFlightSiblings(t *testing.T) {
	boom := errors.New("boom")
	started := make(chan struct{})
	var mu sync.Mutex
	notified := map[string]error{}
	p := &Pool{
		Concurrency:   2,
		StopOnFailure: true,
		OnOutcome: func(id string, err error) {
			mu.Lock()
			notified[id] = err
			mu.Unlock()
		},
	}
	out, err := Run(context.Background(), p, makeTasks(2), func(ctx context.Context, task Task[int], _ services.Reporter) (int, error) {
		if task.Payload == 0 {
			close(started)
			<-ctx.Done()
			return 0, fmt.Errorf("job %s: %w", task.ID, ctx.Err())
		}
		<-started
		return 0, boom
	})

	var stopped *StoppedError
	if !errors.As(err, &stopped) || stopped.ID != "job-01" {
		t.Fatalf("err = %v, want StoppedError for job-01", err)
	}
	if !out[0].Skipped || out[0].Err != nil {
		t.Errorf("interrupted sibling = %+v, want skipped without error", out[0])
	}
	if !errors.Is(out[1].Err, boom) {
		t.Errorf("failing job = %+v", out[1])
	}
	if _, ok := notified["job-00"]; ok || len(notified) != 1 {
		t.Errorf("OnOutcome calls = %v, want only job-01", notified)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := Run(ctx, &Pool{Concurrency: 2}, makeTasks(3), func(context.Context, Task[int], services.Reporter) (int, error) {
		t.Error("handler should not run after cancellation")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, o := range out {
		if !o.Skipped {
			t.Errorf("outcome %s not skipped", o.ID)
		}
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []models.ProgressSnapshot
}

func (r *recordingPublisher) Publish(_ context.Context, s models.ProgressSnapshot) error {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	return nil
}

func TestRunPublishesFinalSnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	p := &Pool{Concurrency: 2, Publisher: pub, RunID: "run-1", Status: StatusOff}
	_, err := Run(context.Background(), p, makeTasks(4), func(_ context.Context, task Task[int], rep services.Reporter) (int, error) {
		rep.StartModelCall("quiz", 100)
		rep.ReportChars(10)
		rep.RecordModelUsage(models.Usage{PromptTokens: 5, OutputTokens: 7})
		rep.FinishModelCall("quiz", nil)
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.snaps) == 0 {
		t.Fatal("no snapshot published")
	}
	last := pub.snaps[len(pub.snaps)-1]
	if last.RunID != "run-1" || last.Total != 4 || last.Completed != 4 || last.InFlight != 0 {
		t.Errorf("last snapshot = %+v", last)
	}
	if last.ModelCalls != 4 || last.ActiveCalls != 0 || last.Chars != 40 || last.UploadBytes != 400 {
		t.Errorf("call counters = %+v", last)
	}
	if last.PromptTokens != 20 || last.OutputTokens != 28 {
		t.Errorf("token counters = %+v", last)
	}
}

func TestPlainStatusLogsSummary(t *testing.T) {
	var buf bytes.Buffer
	p := &Pool{Concurrency: 1, Status: StatusPlain, Out: &buf, Logger: newTestLogger(&buf)}
	if _, err := Run(context.Background(), p, makeTasks(2), func(context.Context, Task[int], services.Reporter) (int, error) {
		return 0, nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(buf.String(), "progress 2/2 done") {
		t.Errorf("log output missing final summary:\n%s", buf.String())
	}
}

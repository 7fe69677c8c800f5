// Package worker runs independent jobs with bounded concurrency and live
// progress reporting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gcse-quizgen/internal/services"
)

// MaxConcurrency caps the number of jobs running at once.
const MaxConcurrency = 16

// Task is one unit of work. IDs must be unique within a run.
type Task[T any] struct {
	ID      string
	Label   string
	Payload T
}

// Handler executes one task. The reporter is scoped to the task.
type Handler[T, R any] func(ctx context.Context, task Task[T], rep services.Reporter) (R, error)

// Outcome is the per-task result. Skipped tasks either never started or were
// interrupted because the run was cancelled.
type Outcome[R any] struct {
	ID       string
	Label    string
	Value    R
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Pool holds run settings shared by every task.
type Pool struct {
	Concurrency int
	Status      StatusMode
	// StatusInterval bounds how often progress is drawn or logged.
	StatusInterval time.Duration
	Out            io.Writer
	Logger         *slog.Logger
	Publisher      Publisher
	RunID          string
	// StopOnFailure cancels every remaining task after the first failure.
	StopOnFailure bool
	// OnOutcome is called once per task that ran, from the task's goroutine.
	OnOutcome func(id string, err error)
}

func (p *Pool) concurrency() int {
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	return min(n, MaxConcurrency)
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// StoppedError reports that StopOnFailure ended the run early.
type StoppedError struct {
	ID  string
	Err error
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("run stopped after job %s failed: %v", e.ID, e.Err)
}

func (e *StoppedError) Unwrap() error { return e.Err }

// Run executes tasks with at most p.Concurrency handlers in flight. A failing
// task never aborts its siblings unless StopOnFailure is set. Outcomes are
// returned in task order. The error is non-nil when the task list is invalid,
// when the parent context was cancelled, or when StopOnFailure fired.
func Run[T, R any](ctx context.Context, p *Pool, tasks []Task[T], handler Handler[T, R]) ([]Outcome[R], error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id (label %q)", t.Label)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	log := p.logger()
	progress := NewProgress(p.RunID, len(tasks))
	stopStatus := p.startStatus(ctx, progress)
	defer stopStatus()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		stopOnce sync.Once
		stopped  *StoppedError
	)

	outcomes := make([]Outcome[R], len(tasks))
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency())

	for i, task := range tasks {
		outcomes[i] = Outcome[R]{ID: task.ID, Label: task.Label}
		g.Go(func() error {
			out := &outcomes[i]
			if runCtx.Err() != nil {
				out.Skipped = true
				progress.jobSkipped()
				return nil
			}

			progress.jobStarted(task.ID, task.Label)
			start := time.Now()
			value, err := handler(runCtx, task, progress.Reporter(task.ID, log))
			out.Duration = time.Since(start)
			if err != nil && runCtx.Err() != nil && errors.Is(err, context.Canceled) {
				// Stopped by the run, not failed on its own.
				out.Skipped = true
				progress.jobInterrupted(task.ID)
				log.Warn("job interrupted", "job", task.ID, "label", task.Label)
				return nil
			}
			out.Value = value
			out.Err = err
			progress.jobFinished(task.ID, err)

			if err != nil {
				log.Error("job failed", "job", task.ID, "label", task.Label, "error", err)
				if p.StopOnFailure && ctx.Err() == nil {
					stopOnce.Do(func() {
						stopped = &StoppedError{ID: task.ID, Err: err}
						cancel()
					})
				}
			} else {
				log.Debug("job completed", "job", task.ID, "duration", out.Duration)
			}
			p.notify(task.ID, err)
			return nil
		})
	}
	_ = g.Wait()

	if stopped != nil {
		return outcomes, stopped
	}
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (p *Pool) notify(id string, err error) {
	if p.OnOutcome != nil {
		p.OnOutcome(id, err)
	}
}

// startStatus launches the renderer and publisher loop. The returned func
// stops it and draws the final frame.
func (p *Pool) startStatus(ctx context.Context, progress *Progress) func() {
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	mode := p.Status
	if mode == "" {
		mode = StatusOff
	}
	mode = ResolveStatusMode(mode, out)
	if mode == StatusOff && p.Publisher == nil {
		return func() {}
	}

	r := newRenderer(mode, out, p.logger(), progress)
	interval := statusInterval(mode, p.StatusInterval)
	stopChan := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				r.render(false)
				p.publish(ctx, progress)
			}
		}
	}()

	return func() {
		close(stopChan)
		<-done
		r.render(true)
		p.publish(context.WithoutCancel(ctx), progress)
	}
}

func (p *Pool) publish(ctx context.Context, progress *Progress) {
	if p.Publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Publisher.Publish(pctx, progress.Snapshot()); err != nil {
		p.logger().Debug("progress publish failed", "error", err)
	}
}

package worker

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/services"
)

// Progress aggregates run counters. All counters are additive so any job
// goroutine may update them.
type Progress struct {
	runID   string
	total   int
	started time.Time

	jobsStarted   atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	jobsSkipped   atomic.Int64
	inFlight      atomic.Int64
	modelCalls    atomic.Int64
	activeCalls   atomic.Int64
	chars         atomic.Int64
	promptTokens  atomic.Int64
	thinkTokens   atomic.Int64
	outputTokens  atomic.Int64
	uploadBytes   atomic.Int64

	mu     sync.Mutex
	active map[string]*activeJob
}

type activeJob struct {
	label string
	call  string
	chars int64
	since time.Time
}

// ActiveJob describes one in-flight job for status rendering.
type ActiveJob struct {
	ID      string
	Label   string
	Call    string
	Chars   int64
	Elapsed time.Duration
}

func NewProgress(runID string, total int) *Progress {
	return &Progress{runID: runID, total: total, started: time.Now(), active: make(map[string]*activeJob)}
}

func (p *Progress) Snapshot() models.ProgressSnapshot {
	return models.ProgressSnapshot{
		RunID:          p.runID,
		Total:          p.total,
		Started:        p.jobsStarted.Load(),
		Completed:      p.jobsCompleted.Load(),
		Failed:         p.jobsFailed.Load(),
		Skipped:        p.jobsSkipped.Load(),
		InFlight:       p.inFlight.Load(),
		ModelCalls:     p.modelCalls.Load(),
		ActiveCalls:    p.activeCalls.Load(),
		Chars:          p.chars.Load(),
		PromptTokens:   p.promptTokens.Load(),
		ThinkingTokens: p.thinkTokens.Load(),
		OutputTokens:   p.outputTokens.Load(),
		UploadBytes:    p.uploadBytes.Load(),
		Elapsed:        time.Since(p.started).Seconds(),
		At:             time.Now().UTC(),
	}
}

// Active lists in-flight jobs, longest running first.
func (p *Progress) Active() []ActiveJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActiveJob, 0, len(p.active))
	now := time.Now()
	for id, a := range p.active {
		out = append(out, ActiveJob{ID: id, Label: a.label, Call: a.call, Chars: a.chars, Elapsed: now.Sub(a.since)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Elapsed != out[j].Elapsed {
			return out[i].Elapsed > out[j].Elapsed
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Progress) jobStarted(id, label string) {
	p.jobsStarted.Add(1)
	p.inFlight.Add(1)
	p.mu.Lock()
	p.active[id] = &activeJob{label: label, since: time.Now()}
	p.mu.Unlock()
}

func (p *Progress) jobFinished(id string, err error) {
	p.inFlight.Add(-1)
	if err != nil {
		p.jobsFailed.Add(1)
	} else {
		p.jobsCompleted.Add(1)
	}
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Progress) jobSkipped() {
	p.jobsSkipped.Add(1)
}

// jobInterrupted counts a started job that was cancelled as skipped.
func (p *Progress) jobInterrupted(id string) {
	p.inFlight.Add(-1)
	p.jobsSkipped.Add(1)
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Progress) updateActive(id string, fn func(*activeJob)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.active[id]; ok {
		fn(a)
	}
}

// Reporter returns a services.Reporter scoped to one job.
func (p *Progress) Reporter(jobID string, logger *slog.Logger) services.Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobReporter{progress: p, jobID: jobID, logger: logger.With("job", jobID)}
}

type jobReporter struct {
	progress *Progress
	jobID    string
	logger   *slog.Logger
}

func (r *jobReporter) StartModelCall(label string, uploadBytes int64) {
	r.progress.modelCalls.Add(1)
	r.progress.activeCalls.Add(1)
	r.progress.uploadBytes.Add(uploadBytes)
	r.progress.updateActive(r.jobID, func(a *activeJob) { a.call = label })
	r.logger.Debug("model call started", "call", label, "upload_bytes", uploadBytes)
}

func (r *jobReporter) FinishModelCall(label string, err error) {
	r.progress.activeCalls.Add(-1)
	r.progress.updateActive(r.jobID, func(a *activeJob) { a.call = "" })
	if err != nil {
		r.logger.Debug("model call failed", "call", label, "error", err)
	}
}

func (r *jobReporter) RecordModelUsage(d models.Usage) {
	r.progress.promptTokens.Add(int64(d.PromptTokens))
	r.progress.thinkTokens.Add(int64(d.ThinkingTokens))
	r.progress.outputTokens.Add(int64(d.OutputTokens))
}

func (r *jobReporter) ReportChars(n int) {
	r.progress.chars.Add(int64(n))
	r.progress.updateActive(r.jobID, func(a *activeJob) { a.chars += int64(n) })
}

func (r *jobReporter) Log(msg string, args ...any) {
	r.logger.Info(msg, args...)
}

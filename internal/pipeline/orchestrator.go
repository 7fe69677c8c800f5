// Package pipeline turns discovered samples into judged quizzes: it runs the
// per-job model calls under the worker pool, persists artifacts, and keeps
// the checkpoint, failure ledger and index manifest in step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gcse-quizgen/internal/checkpoint"
	"gcse-quizgen/internal/metrics"
	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/samples"
	"gcse-quizgen/internal/schema"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

// Config holds per-run settings resolved by the caller.
type Config struct {
	QuizModel      string
	JudgeModel     string
	Concurrency    int
	Status         worker.StatusMode
	StatusInterval time.Duration
	// Extend adds the extension batch with ExtensionCount questions.
	Extend         bool
	ExtensionCount int
	// Strict aborts the batch on the first job failure.
	Strict     bool
	Seed       *uint64
	RunID      string
	Repetition metrics.Repetition
}

type Orchestrator struct {
	client     *services.ModelClient
	out        storage.Store
	cfg        Config
	checkpoint *checkpoint.Manager
	publisher  worker.Publisher
	index      IndexSink
	statusOut  io.Writer
	logger     *slog.Logger
	readFile   func(string) ([]byte, error)
	extractor  *services.FileExtractService
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithCheckpoint(m *checkpoint.Manager) Option {
	return func(o *Orchestrator) { o.checkpoint = m }
}

func WithPublisher(p worker.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithIndexSink(s IndexSink) Option {
	return func(o *Orchestrator) { o.index = s }
}

func WithStatusOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.statusOut = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSourceReader replaces how sample bytes are loaded.
func WithSourceReader(fn func(string) ([]byte, error)) Option {
	return func(o *Orchestrator) { o.readFile = fn }
}

func New(client *services.ModelClient, out storage.Store, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		out:       out,
		cfg:       cfg,
		logger:    slog.Default(),
		statusOut: os.Stderr,
		readFile:  os.ReadFile,
		extractor: services.NewFileExtractService(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.JudgeModel == "" {
		o.cfg.JudgeModel = o.cfg.QuizModel
	}
	return o
}

// Report summarises one Generate call.
type Report struct {
	RunID     string
	Completed []string
	// Resumed jobs were skipped because the checkpoint and artifacts agree.
	Resumed []string
	// Regenerated jobs were marked complete but had lost artifacts.
	Regenerated []string
	Failed      []models.FailureRecord
	Skipped     []string
	Results     []models.GenerationResult
	Usage       models.Usage
	Index       models.IndexManifest
}

// PlanEntry is one row of a dry run.
type PlanEntry struct {
	Job    models.SampleJob
	Status string
}

const (
	PlanPending    = "pending"
	PlanDone       = "done"
	PlanRegenerate = "regenerate"
)

// prepareCheckpoint loads the checkpoint and checks the seed. It must run
// before any model call.
func (o *Orchestrator) prepareCheckpoint(ctx context.Context) error {
	if o.checkpoint == nil {
		return nil
	}
	if err := o.checkpoint.Load(ctx); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	return o.checkpoint.EnsureSeed(o.cfg.Seed)
}

// classify splits jobs into those that still need work and those already
// done. A checkpointed job with missing artifacts needs work again.
func (o *Orchestrator) classify(ctx context.Context, jobs []models.SampleJob) ([]PlanEntry, error) {
	plan := make([]PlanEntry, 0, len(jobs))
	for _, job := range jobs {
		entry := PlanEntry{Job: job, Status: PlanPending}
		if o.checkpoint != nil && o.checkpoint.IsCompleted(job.ID) {
			ok, err := jobArtifactsPresent(ctx, o.out, job.ID, o.cfg.Extend)
			if err != nil {
				return nil, fmt.Errorf("check artifacts for %s: %w", job.ID, err)
			}
			if ok {
				entry.Status = PlanDone
			} else {
				entry.Status = PlanRegenerate
			}
		}
		plan = append(plan, entry)
	}
	return plan, nil
}

// Plan resolves what Generate would do without calling the model or writing.
func (o *Orchestrator) Plan(ctx context.Context, jobs []models.SampleJob) ([]PlanEntry, error) {
	if err := o.prepareCheckpoint(ctx); err != nil {
		return nil, err
	}
	return o.classify(ctx, jobs)
}

// Generate runs every job that is not already complete, then writes the
// failure ledger and the index. In strict mode the first failure cancels the
// remaining jobs and is returned.
func (o *Orchestrator) Generate(ctx context.Context, jobs []models.SampleJob) (*Report, error) {
	return o.GenerateSubset(ctx, jobs, jobs)
}

// GenerateSubset runs only the jobs in run. all is the full discovered job
// set: checkpoint entries outside it are pruned and the index covers it, so
// a filtered run keeps the records of jobs it did not select.
func (o *Orchestrator) GenerateSubset(ctx context.Context, all, run []models.SampleJob) (*Report, error) {
	report := &Report{RunID: o.cfg.RunID}
	universe := unionJobs(all, run)

	if err := o.prepareCheckpoint(ctx); err != nil {
		return report, err
	}
	if o.checkpoint != nil {
		ids := make([]string, len(universe))
		for i, j := range universe {
			ids[i] = j.ID
		}
		if _, err := o.checkpoint.PruneTo(ctx, ids); err != nil {
			o.logger.Warn("checkpoint prune flush failed", "error", err)
		}
		o.checkpoint.Start(ctx)
		defer func() {
			if err := o.checkpoint.Close(ctx); err != nil {
				o.logger.Warn("final checkpoint flush failed", "error", err)
			}
		}()
	}

	plan, err := o.classify(ctx, run)
	if err != nil {
		return report, err
	}
	var tasks []worker.Task[models.SampleJob]
	for _, p := range plan {
		switch p.Status {
		case PlanDone:
			report.Resumed = append(report.Resumed, p.Job.ID)
			continue
		case PlanRegenerate:
			o.logger.Warn("checkpoint marks job complete but its artifacts are missing, regenerating", "job", p.Job.ID)
			report.Regenerated = append(report.Regenerated, p.Job.ID)
		}
		tasks = append(tasks, worker.Task[models.SampleJob]{ID: p.Job.ID, Label: p.Job.Label(), Payload: p.Job})
	}
	o.logger.Info("starting generation",
		"jobs", len(run), "pending", len(tasks), "resumed", len(report.Resumed), "concurrency", o.cfg.Concurrency, "strict", o.cfg.Strict)

	pool := &worker.Pool{
		Concurrency:    o.cfg.Concurrency,
		Status:         o.cfg.Status,
		StatusInterval: o.cfg.StatusInterval,
		Out:            o.statusOut,
		Logger:         o.logger,
		Publisher:      o.publisher,
		RunID:          o.cfg.RunID,
		StopOnFailure:  o.cfg.Strict,
		OnOutcome: func(id string, err error) {
			if err != nil || o.checkpoint == nil {
				return
			}
			o.checkpoint.MarkCompleted(id)
			if ferr := o.checkpoint.Flush(ctx, false); ferr != nil {
				o.logger.Warn("checkpoint flush failed", "error", ferr)
			}
		},
	}
	outcomes, runErr := worker.Run(ctx, pool, tasks, o.processJob)

	for _, out := range outcomes {
		switch {
		case out.Skipped:
			report.Skipped = append(report.Skipped, out.ID)
		case out.Err != nil:
			report.Failed = append(report.Failed, failureRecord(out.ID, out.Label, out.Err, o.now()))
		default:
			report.Completed = append(report.Completed, out.ID)
			report.Results = append(report.Results, out.Value)
			report.Usage = report.Usage.Add(out.Value.Usage)
		}
	}

	// Ledger and index describe whatever finished, even after cancellation.
	wctx := context.WithoutCancel(ctx)
	if err := WriteFailures(wctx, o.out, o.mergeFailures(wctx, universe, run, report.Failed)); err != nil {
		o.logger.Error("failed to write failure ledger", "error", err)
	}
	if err := o.writeIndex(wctx, universe, report); err != nil {
		o.logger.Error("failed to write index", "error", err)
	}

	o.logger.Info("generation finished",
		"completed", len(report.Completed), "failed", len(report.Failed), "skipped", len(report.Skipped),
		"resumed", len(report.Resumed), "tokens", report.Usage.Total())
	return report, runErr
}

// mergeFailures keeps earlier ledger entries for jobs this run did not
// select, so a filtered run does not forget them.
func (o *Orchestrator) mergeFailures(ctx context.Context, universe, run []models.SampleJob, failed []models.FailureRecord) []models.FailureRecord {
	prior, err := LoadFailures(ctx, o.out)
	if err != nil {
		o.logger.Warn("could not read previous failure ledger", "error", err)
		return failed
	}
	known := make(map[string]bool, len(universe))
	for _, j := range universe {
		known[j.ID] = true
	}
	for _, j := range run {
		delete(known, j.ID)
	}
	var merged []models.FailureRecord
	for _, f := range prior {
		if known[f.JobID] {
			merged = append(merged, f)
		}
	}
	return append(merged, failed...)
}

// unionJobs returns all followed by the jobs of run missing from it.
func unionJobs(all, run []models.SampleJob) []models.SampleJob {
	seen := make(map[string]bool, len(all))
	out := make([]models.SampleJob, 0, len(all))
	for _, j := range all {
		seen[j.ID] = true
		out = append(out, j)
	}
	for _, j := range run {
		if !seen[j.ID] {
			seen[j.ID] = true
			out = append(out, j)
		}
	}
	return out
}

func (o *Orchestrator) writeIndex(ctx context.Context, jobs []models.SampleJob, report *Report) error {
	manifest, err := BuildIndex(ctx, o.out, jobs, o.cfg.RunID, o.now())
	if err != nil {
		return err
	}
	report.Index = manifest
	if err := WriteIndex(ctx, o.out, manifest); err != nil {
		return err
	}
	if o.index != nil {
		if err := o.index.UpsertIndex(ctx, o.cfg.RunID, manifest.Jobs); err != nil {
			o.logger.Warn("index mirror failed", "error", err)
		}
	}
	return nil
}

// Render rebuilds the index from artifacts on disk without model calls.
func (o *Orchestrator) Render(ctx context.Context, jobs []models.SampleJob) (models.IndexManifest, error) {
	report := &Report{}
	if err := o.writeIndex(ctx, jobs, report); err != nil {
		return report.Index, err
	}
	return report.Index, nil
}

func failureRecord(id, label string, err error, at time.Time) models.FailureRecord {
	rec := models.FailureRecord{JobID: id, Label: label, Error: err.Error(), FailedAt: at.UTC()}
	var ex *services.ExhaustedError
	if errors.As(err, &ex) {
		rec.Issues = ex.Issues()
	}
	return rec
}

// sourceParts loads a sample as model input. Text samples are inlined as
// text; documents and images are sent as blobs.
func (o *Orchestrator) sourceParts(job models.SampleJob) ([]services.Part, error) {
	data, err := o.readFile(job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	mime := samples.MIMEType(job.SourcePath)
	switch {
	case mime == "":
		return nil, fmt.Errorf("unsupported sample type: %s", job.RelativeSourcePath)
	case strings.HasPrefix(mime, "text/"):
		return []services.Part{services.TextPart("---SOURCE---\n" + string(data) + "\n---END SOURCE---")}, nil
	default:
		return []services.Part{services.BlobPart(mime, data)}, nil
	}
}

// processJob runs generate, judge, audit and the optional extension for one
// job, then commits its artifacts. Calls are sequential since each depends
// on the previous answer.
func (o *Orchestrator) processJob(ctx context.Context, task worker.Task[models.SampleJob], rep services.Reporter) (models.GenerationResult, error) {
	job := task.Payload
	res := models.GenerationResult{Job: job}

	source, err := o.sourceParts(job)
	if err != nil {
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	call := func(label, model, prompt string) services.Call {
		parts := append(append([]services.Part(nil), source...), services.TextPart(prompt))
		return services.Call{
			Label:             label,
			DebugDir:          RawDir(job.ID),
			Model:             model,
			SystemInstruction: services.SystemInstruction(),
			Parts:             parts,
			Reporter:          rep,
		}
	}
	promptCfg := services.QuizPromptConfig{
		QuestionCount: job.QuestionCount,
		Subject:       job.Subject,
		Board:         job.Board,
		SourceName:    job.RelativeSourcePath,
	}

	quiz, err := services.GenerateStructured(ctx, o.client, call("quiz", o.cfg.QuizModel, services.BuildQuizPrompt(promptCfg)), schema.Quiz)
	res.Usage = res.Usage.Add(quiz.Usage)
	if err != nil {
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	res.Quiz = withDefaults(quiz.Value, job)

	judge, err := services.GenerateStructured(ctx, o.client, call("judge", o.cfg.JudgeModel, services.BuildJudgePrompt(res.Quiz)), schema.Judge)
	res.Usage = res.Usage.Add(judge.Usage)
	if err != nil {
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	res.Judgement = judge.Value

	audit, err := services.GenerateStructured(ctx, o.client, call("audit", o.cfg.JudgeModel, services.BuildAuditPrompt(res.Quiz, res.Judgement)), schema.Audit)
	res.Usage = res.Usage.Add(audit.Usage)
	if err != nil {
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	res.Audit = audit.Value

	if o.cfg.Extend {
		if err := o.extend(ctx, &res, promptCfg, call); err != nil {
			return res, fmt.Errorf("job %s: %w", job.ID, err)
		}
	}

	res.Signals = metrics.Compute(QuizText(res.Quiz), o.cfg.Repetition)
	res.GeneratedAt = o.now().UTC()
	if err := o.commit(ctx, res); err != nil {
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return res, nil
}

func (o *Orchestrator) extend(ctx context.Context, res *models.GenerationResult, cfg services.QuizPromptConfig, call func(label, model, prompt string) services.Call) error {
	cfg.QuestionCount = o.cfg.ExtensionCount
	basePrompts := make([]string, len(res.Quiz.Questions))
	for i, q := range res.Quiz.Questions {
		basePrompts[i] = q.Prompt
	}

	ext, err := services.GenerateStructured(ctx, o.client, call("extension", o.cfg.QuizModel, services.BuildExtensionPrompt(cfg, res.Quiz)), schema.ExtensionSpec(basePrompts))
	res.Usage = res.Usage.Add(ext.Usage)
	if err != nil {
		return err
	}
	quiz := withDefaults(ext.Value, res.Job)
	quiz.Mode = models.ModeExtension
	res.Extension = &quiz

	judge, err := services.GenerateStructured(ctx, o.client, call("extension-judge", o.cfg.JudgeModel, services.BuildJudgePrompt(quiz)), schema.Judge)
	res.Usage = res.Usage.Add(judge.Usage)
	if err != nil {
		return err
	}
	res.ExtensionJudgement = &judge.Value

	audit, err := services.GenerateStructured(ctx, o.client, call("extension-audit", o.cfg.JudgeModel, services.BuildAuditPrompt(quiz, judge.Value)), schema.Audit)
	res.Usage = res.Usage.Add(audit.Usage)
	if err != nil {
		return err
	}
	res.ExtensionAudit = &audit.Value
	return nil
}

func withDefaults(q models.QuizGeneration, job models.SampleJob) models.QuizGeneration {
	if q.Subject == "" {
		q.Subject = job.Subject
	}
	if q.Board == "" {
		q.Board = job.Board
	}
	return q
}

// commit writes every artifact of a job. quiz.json goes last so its presence
// implies the rest were written.
func (o *Orchestrator) commit(ctx context.Context, res models.GenerationResult) error {
	type item struct {
		kind, model string
		data        any
	}
	items := []item{
		{models.KindQuizJudgement, o.cfg.JudgeModel, res.Judgement},
		{models.KindQuizAudit, o.cfg.JudgeModel, res.Audit},
		{models.KindSlopSignals, "", res.Signals},
	}
	if res.Extension != nil {
		items = append(items,
			item{models.KindExtensionJudgement, o.cfg.JudgeModel, res.ExtensionJudgement},
			item{models.KindExtensionAudit, o.cfg.JudgeModel, res.ExtensionAudit},
			item{models.KindExtension, o.cfg.QuizModel, res.Extension},
		)
	}
	items = append(items, item{models.KindQuiz, o.cfg.QuizModel, res.Quiz})

	if res.Extension == nil {
		// An earlier run may have extended this job.
		for _, kind := range []string{models.KindExtension, models.KindExtensionJudgement, models.KindExtensionAudit} {
			if err := o.out.Remove(ctx, ArtifactKey(res.Job.ID, kind)); err != nil {
				return fmt.Errorf("remove stale %s: %w", kind, err)
			}
		}
	}

	for _, it := range items {
		a, err := newArtifact(res.Job.ID, it.kind, it.model, res.GeneratedAt, it.data)
		if err != nil {
			return err
		}
		if err := writeArtifact(ctx, o.out, a, ArtifactKey(res.Job.ID, it.kind)); err != nil {
			return err
		}
	}
	return nil
}

// QuizText is the prose of a quiz used for text-quality signals.
func QuizText(q models.QuizGeneration) string {
	var b strings.Builder
	for _, question := range q.Questions {
		b.WriteString(question.Prompt)
		b.WriteString("\n\n")
		if question.Explanation != "" {
			b.WriteString(question.Explanation)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

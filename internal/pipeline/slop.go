package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gcse-quizgen/internal/metrics"
	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/samples"
	"gcse-quizgen/internal/schema"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

// SlopReport is the content of slop/<id>.json.
type SlopReport struct {
	Source     string                 `json:"source"`
	Characters int                    `json:"characters"`
	Repetition string                 `json:"repetition"`
	Signals    models.SlopAutoSignals `json:"signals"`
	Judgement  *models.SlopJudgement  `json:"judgement,omitempty"`
}

// SlopKey is the store key of a slop report.
func SlopKey(id string) string {
	return storage.Join(slopDir, id+".json")
}

// IsSlopSource reports whether a sample can be evaluated as text.
func IsSlopSource(job models.SampleJob) bool {
	mime := samples.MIMEType(job.SourcePath)
	return strings.HasPrefix(mime, "text/") || mime == "application/pdf"
}

// EvaluateSlop computes text signals for each text sample and, with judge
// set, asks the model for a slop judgement. Failures never stop sibling
// files.
func (o *Orchestrator) EvaluateSlop(ctx context.Context, jobs []models.SampleJob, judge bool) ([]SlopReport, []models.FailureRecord, error) {
	var tasks []worker.Task[models.SampleJob]
	for _, j := range jobs {
		if !IsSlopSource(j) {
			o.logger.Debug("skipping non-text sample", "job", j.ID)
			continue
		}
		tasks = append(tasks, worker.Task[models.SampleJob]{ID: j.ID, Label: j.Label(), Payload: j})
	}

	pool := &worker.Pool{
		Concurrency:    o.cfg.Concurrency,
		Status:         o.cfg.Status,
		StatusInterval: o.cfg.StatusInterval,
		Out:            o.statusOut,
		Logger:         o.logger,
		Publisher:      o.publisher,
		RunID:          o.cfg.RunID,
	}
	outcomes, err := worker.Run(ctx, pool, tasks, func(ctx context.Context, task worker.Task[models.SampleJob], rep services.Reporter) (SlopReport, error) {
		return o.evaluateOne(ctx, task.Payload, judge, rep)
	})

	var reports []SlopReport
	var failures []models.FailureRecord
	for _, out := range outcomes {
		switch {
		case out.Skipped:
		case out.Err != nil:
			failures = append(failures, failureRecord(out.ID, out.Label, out.Err, o.now()))
		default:
			reports = append(reports, out.Value)
		}
	}
	return reports, failures, err
}

func (o *Orchestrator) evaluateOne(ctx context.Context, job models.SampleJob, judge bool, rep services.Reporter) (SlopReport, error) {
	data, err := o.readFile(job.SourcePath)
	if err != nil {
		return SlopReport{}, fmt.Errorf("job %s: read sample: %w", job.ID, err)
	}
	text, err := o.extractor.ExtractTextFromBytes(data, filepath.Ext(job.SourcePath))
	if err != nil {
		return SlopReport{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	report := SlopReport{
		Source:     job.RelativeSourcePath,
		Characters: utf8.RuneCountInString(text),
		Repetition: o.cfg.Repetition.String(),
		Signals:    metrics.Compute(text, o.cfg.Repetition),
	}
	var model string
	if judge {
		model = o.cfg.JudgeModel
		res, err := services.GenerateStructured(ctx, o.client, services.Call{
			Label:             "slop",
			DebugDir:          storage.Join(slopDir, rawDir, job.ID),
			Model:             model,
			SystemInstruction: services.SystemInstruction(),
			Parts:             []services.Part{services.TextPart(services.BuildSlopPrompt(text))},
			Reporter:          rep,
		}, schema.SlopJudgementFor(text))
		if err != nil {
			return report, fmt.Errorf("job %s: %w", job.ID, err)
		}
		report.Judgement = &res.Value
	}

	a, err := newArtifact(job.ID, models.KindSlopJudgement, model, o.now().UTC(), report)
	if err != nil {
		return report, err
	}
	if err := writeArtifact(ctx, o.out, a, SlopKey(job.ID)); err != nil {
		return report, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return report, nil
}

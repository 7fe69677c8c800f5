package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gcse-quizgen/internal/checkpoint"
	"gcse-quizgen/internal/config"
	"gcse-quizgen/internal/metrics"
	"gcse-quizgen/internal/pipeline"
	"gcse-quizgen/internal/samples"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

type stage string

const (
	stageGenerate stage = "generate"
	stageRender   stage = "render"
	stageAll      stage = "all"
)

func parseStage(s string) (stage, error) {
	switch st := stage(strings.ToLower(strings.TrimSpace(s))); st {
	case stageGenerate, stageRender, stageAll:
		return st, nil
	default:
		return "", fmt.Errorf("invalid stage %q (want generate, render or all)", s)
	}
}

// clampConcurrency caps n at the pool maximum.
func clampConcurrency(n int, logger *slog.Logger) int {
	if n > worker.MaxConcurrency {
		logger.Warn("concurrency capped", "requested", n, "max", worker.MaxConcurrency)
		return worker.MaxConcurrency
	}
	return n
}

type generateOptions struct {
	stage             string
	seed              uint64
	limit             uint
	maxPrefix         uint
	status            string
	statusInterval    time.Duration
	concurrency       int
	retryFailed       bool
	dryRun            bool
	extend            bool
	extensionCount    int
	questionCount     int
	subject           string
	checkpointBackend string
	continueOnFailure bool
	dataRoot          string
	outputDir         string
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate, judge and audit quizzes for every sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runGenerate(cmd, cfg, ctx.logger, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.stage, "stage", string(stageGenerate), "Stage to run: generate, render or all")
	flags.Uint64Var(&opts.seed, "seed", 0, "Shuffle jobs reproducibly with this seed")
	flags.UintVar(&opts.limit, "limit", 0, "Cap the number of jobs after filtering (0 = no cap)")
	flags.UintVar(&opts.maxPrefix, "maxPrefix", 0, "Only run samples whose numeric file prefix is at most this value")
	flags.StringVar(&opts.status, "status", string(worker.StatusInteractive), "Progress display: interactive, plain or off")
	flags.DurationVar(&opts.statusInterval, "status-interval", 0, "Progress refresh interval (0 = mode default)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, fmt.Sprintf("Concurrent jobs (max %d)", worker.MaxConcurrency))
	flags.BoolVar(&opts.retryFailed, "retry-failed", false, "Only rerun jobs listed in failures.json")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Print the job plan without calling the model")
	flags.BoolVar(&opts.extend, "extend", false, "Generate an extension batch for each quiz")
	flags.IntVar(&opts.extensionCount, "extension-count", 0, "Questions per extension batch")
	flags.IntVar(&opts.questionCount, "questions", 0, "Questions per quiz")
	flags.StringVar(&opts.subject, "subject", "", "Subject for every job instead of the folder name")
	flags.StringVar(&opts.checkpointBackend, "checkpoint-backend", "file", "Checkpoint backend: file or redis")
	flags.BoolVar(&opts.continueOnFailure, "continue-on-failure", false, "Keep running other jobs after a failure")
	flags.StringVar(&opts.dataRoot, "data", "", "Sample corpus root (default QUIZGEN_DATA_ROOT)")
	flags.StringVar(&opts.outputDir, "out", "", "Output directory (default QUIZGEN_OUTPUT_DIR)")

	return cmd
}

func runGenerate(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, opts generateOptions) error {
	runCtx := cmd.Context()
	flags := cmd.Flags()
	stdout := cmd.OutOrStdout()

	st, err := parseStage(opts.stage)
	if err != nil {
		return err
	}
	statusMode, err := worker.ParseStatusMode(opts.status)
	if err != nil {
		return err
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = opts.concurrency
	}
	if flags.Changed("questions") {
		cfg.QuestionCount = opts.questionCount
	}
	if flags.Changed("extension-count") {
		cfg.ExtensionCount = opts.extensionCount
	}
	if flags.Changed("data") {
		cfg.DataRoot = opts.dataRoot
	}
	if flags.Changed("out") {
		cfg.OutputDir = opts.outputDir
	}
	if opts.checkpointBackend != "file" && opts.checkpointBackend != "redis" {
		return fmt.Errorf("invalid checkpoint backend %q (want file or redis)", opts.checkpointBackend)
	}
	if opts.checkpointBackend == "redis" && cfg.RedisURL == "" {
		return errors.New("--checkpoint-backend=redis requires REDIS_URL")
	}

	needsModel := st != stageRender && !opts.dryRun
	if err := cfg.Validate(needsModel); err != nil {
		return err
	}
	cfg.Concurrency = clampConcurrency(cfg.Concurrency, logger)

	sampleOpts := samples.Options{
		QuestionCount: cfg.QuestionCount,
		Subject:       opts.subject,
		Limit:         int(opts.limit),
	}
	var seed *uint64
	if flags.Changed("seed") {
		seed = &opts.seed
		sampleOpts.Seed = seed
	}
	if flags.Changed("maxPrefix") {
		maxPrefix := int(opts.maxPrefix)
		sampleOpts.MaxPrefix = &maxPrefix
	}

	out := storage.NewDir(cfg.OutputDir)
	// all covers every sample on disk. Filters only choose which of them run,
	// so checkpoint pruning and the index still see the whole corpus.
	all, err := samples.Discover(runCtx, cfg.DataRoot, samples.Options{
		QuestionCount: sampleOpts.QuestionCount,
		Subject:       sampleOpts.Subject,
	})
	if err != nil {
		return fmt.Errorf("discover samples: %w", err)
	}
	jobs := samples.Select(all, sampleOpts)
	strict := !opts.continueOnFailure
	if opts.retryFailed {
		failures, err := pipeline.LoadFailures(runCtx, out)
		if err != nil {
			return err
		}
		ids := make([]string, len(failures))
		for i, f := range failures {
			ids[i] = f.JobID
		}
		jobs = samples.FilterIDs(jobs, ids)
		strict = false
		logger.Info("retrying failed jobs", "ledger", len(failures), "matched", len(jobs))
	}
	logger.Info("✓ Samples discovered", "root", cfg.DataRoot, "samples", len(all), "selected", len(jobs))

	if !opts.dryRun {
		lock, err := pipeline.AcquireRunLock(cfg.OutputDir)
		if err != nil {
			return err
		}
		defer lock.Release()
		logger.Info("✓ Output directory locked", "dir", cfg.OutputDir)
	}

	be, err := openBackends(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	runID := uuid.NewString()
	pcfg := pipeline.Config{
		QuizModel:      cfg.Model,
		JudgeModel:     cfg.JudgeModel,
		Concurrency:    cfg.Concurrency,
		Status:         statusMode,
		StatusInterval: opts.statusInterval,
		Extend:         opts.extend,
		ExtensionCount: cfg.ExtensionCount,
		Strict:         strict,
		Seed:           seed,
		RunID:          runID,
		Repetition:     metrics.RepetitionBrotli,
	}

	var snapshots checkpoint.SnapshotStore = checkpoint.NewFileStore(out, pipeline.CheckpointDir)
	if opts.checkpointBackend == "redis" {
		abs, err := filepath.Abs(cfg.OutputDir)
		if err != nil {
			return err
		}
		snapshots = checkpoint.NewRedisStore(be.redis.Store, checkpoint.RedisKey(abs))
	}
	cp := checkpoint.NewManager(snapshots, checkpoint.Options{
		Keep:          cfg.CheckpointKeep,
		FlushInterval: cfg.CheckpointFlush,
		Logger:        logger,
	})

	pipeOpts := []pipeline.Option{
		pipeline.WithCheckpoint(cp),
		pipeline.WithLogger(logger),
		pipeline.WithStatusOutput(cmd.ErrOrStderr()),
	}
	if be.publisher != nil {
		pipeOpts = append(pipeOpts, pipeline.WithPublisher(be.publisher))
		logger.Info("✓ Progress published", "channel", worker.ProgressChannel(runID))
	}
	if be.index != nil {
		pipeOpts = append(pipeOpts, pipeline.WithIndexSink(be.index))
	}

	var client *services.ModelClient
	if needsModel {
		c, closeFn, err := newModelClient(runCtx, cfg, out, logger)
		if err != nil {
			logger.Error("✗ Model client initialization failed", "error", err)
			return err
		}
		defer closeFn()
		client = c
	}
	orch := pipeline.New(client, out, pcfg, pipeOpts...)

	if opts.dryRun {
		plan, err := orch.Plan(runCtx, jobs)
		if err != nil {
			return err
		}
		renderPlan(stdout, plan)
		return nil
	}

	var failed int
	if st == stageGenerate || st == stageAll {
		report, err := orch.GenerateSubset(runCtx, all, jobs)
		if report != nil {
			printReport(stdout, report)
			failed = len(report.Failed)
		}
		if err != nil {
			return err
		}
	}
	if st == stageRender || st == stageAll {
		manifest, err := orch.Render(runCtx, all)
		if err != nil {
			return err
		}
		pipeline.RenderIndexTable(stdout, manifest)
	}
	if failed > 0 {
		return fmt.Errorf("%d jobs failed; see %s", failed, filepath.Join(cfg.OutputDir, pipeline.FailuresFile))
	}
	return nil
}

func renderPlan(w io.Writer, plan []pipeline.PlanEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Job", "Subject", "Board", "Questions", "Source", "Status"})
	pending := 0
	for i, p := range plan {
		if p.Status != pipeline.PlanDone {
			pending++
		}
		t.AppendRow(table.Row{i + 1, p.Job.ID, p.Job.Subject, p.Job.Board, p.Job.QuestionCount, p.Job.RelativeSourcePath, p.Status})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d jobs", len(plan)), "", "", "", "", fmt.Sprintf("%d to run", pending)})
	t.Render()
}

func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Run %s: %d completed, %d resumed, %d regenerated, %d failed, %d skipped\n",
		r.RunID, len(r.Completed), len(r.Resumed), len(r.Regenerated), len(r.Failed), len(r.Skipped))
	fmt.Fprintf(w, "Tokens: %s prompt, %s thinking, %s output\n",
		humanize.Comma(int64(r.Usage.PromptTokens)), humanize.Comma(int64(r.Usage.ThinkingTokens)), humanize.Comma(int64(r.Usage.OutputTokens)))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  ✗ %s: %s\n", f.Label, f.Error)
	}
}

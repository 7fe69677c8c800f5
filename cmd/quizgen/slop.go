package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gcse-quizgen/internal/metrics"
	"gcse-quizgen/internal/pipeline"
	"gcse-quizgen/internal/samples"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

func newSlopCommand(ctx *commandContext) *cobra.Command {
	var (
		dir         string
		outputDir   string
		judge       bool
		repetition  string
		status      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "slop",
		Short: "Score text samples with slop signals and, optionally, a model judgement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger
			runCtx := cmd.Context()
			flags := cmd.Flags()

			if flags.Changed("dir") {
				cfg.DataRoot = dir
			}
			if flags.Changed("out") {
				cfg.OutputDir = outputDir
			}
			if flags.Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			statusMode, err := worker.ParseStatusMode(status)
			if err != nil {
				return err
			}
			if err := cfg.Validate(judge); err != nil {
				return err
			}
			cfg.Concurrency = clampConcurrency(cfg.Concurrency, logger)

			jobs, err := samples.Discover(runCtx, cfg.DataRoot, samples.Options{})
			if err != nil {
				return fmt.Errorf("discover samples: %w", err)
			}
			logger.Info("✓ Samples discovered", "root", cfg.DataRoot, "files", len(jobs))

			lock, err := pipeline.AcquireRunLock(cfg.OutputDir)
			if err != nil {
				return err
			}
			defer lock.Release()

			out := storage.NewDir(cfg.OutputDir)
			var client *services.ModelClient
			if judge {
				c, closeFn, err := newModelClient(runCtx, cfg, out, logger)
				if err != nil {
					logger.Error("✗ Model client initialization failed", "error", err)
					return err
				}
				defer closeFn()
				client = c
			}

			rep := metrics.ParseRepetition(repetition)
			orch := pipeline.New(client, out, pipeline.Config{
				QuizModel:   cfg.Model,
				JudgeModel:  cfg.JudgeModel,
				Concurrency: cfg.Concurrency,
				Status:      statusMode,
				RunID:       uuid.NewString(),
				Repetition:  rep,
			}, pipeline.WithLogger(logger), pipeline.WithStatusOutput(cmd.ErrOrStderr()))

			reports, failures, err := orch.EvaluateSlop(runCtx, jobs, judge)
			renderSlopTable(cmd.OutOrStdout(), reports)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				for _, f := range failures {
					logger.Error("✗ slop evaluation failed", "job", f.JobID, "error", f.Error)
				}
				return fmt.Errorf("%d of %d files failed", len(failures), len(failures)+len(reports))
			}
			logger.Info("✓ Slop reports written", "dir", filepath.Join(cfg.OutputDir, "slop"), "files", len(reports))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dir, "dir", "", "Directory of .txt, .md and .pdf files (default QUIZGEN_DATA_ROOT)")
	flags.StringVar(&outputDir, "out", "", "Output directory (default QUIZGEN_OUTPUT_DIR)")
	flags.BoolVar(&judge, "judge", false, "Also request a model slop judgement per file")
	flags.StringVar(&repetition, "repetition", "brotli", "Repetition signal: brotli or token-unique")
	flags.StringVar(&status, "status", string(worker.StatusInteractive), "Progress display: interactive, plain or off")
	flags.IntVar(&concurrency, "concurrency", 0, fmt.Sprintf("Concurrent files (max %d)", worker.MaxConcurrency))

	return cmd
}

func renderSlopTable(w io.Writer, reports []pipeline.SlopReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No text samples evaluated")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Source", "Tokens", "Entropy", "Compression", "Template", "Flesch", "Slop"})
	for _, r := range reports {
		s := r.Signals
		verdict := "-"
		if j := r.Judgement; j != nil {
			verdict = "no"
			if j.OverallSlop.Label {
				verdict = "yes"
			}
			verdict = fmt.Sprintf("%s (%s)", verdict, j.OverallSlop.Confidence)
		}
		t.AppendRow(table.Row{
			r.Source,
			s.Tokens,
			fmt.Sprintf("%.2f±%.2f", s.EntropyMean, s.EntropyStd),
			fmt.Sprintf("%.3f", s.CompressionRatio),
			fmt.Sprintf("%.3f", s.TemplateRatio),
			fmt.Sprintf("%.1f", s.FleschReadingEase),
			verdict,
		})
	}
	t.Render()
}

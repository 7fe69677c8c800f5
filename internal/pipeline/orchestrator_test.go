package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gcse-quizgen/internal/checkpoint"
	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/samples"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/services/servicestest"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

func quizJSON(mode string, n int, prefix string) string {
	qs := make([]map[string]any, n)
	for i := range qs {
		qs[i] = map[string]any{
			"id":          fmt.Sprintf("%s%d", prefix, i+1),
			"prompt":      fmt.Sprintf("%s question number %d about cell structure?", prefix, i+1),
			"type":        "short_answer",
			"answer":      []string{"answer"},
			"explanation": "Cells contain organelles with specific jobs.",
		}
	}
	b, _ := json.Marshal(map[string]any{"mode": mode, "questionCount": n, "questions": qs})
	return string(b)
}

const judgeJSON = `{"explanation":"Accurate and grounded.","rubric":[{"criterion":"accuracy","score":0.9,"justification":"Matches the notes."}],"verdict":"approve"}`

const auditJSON = `{"explanation":"Verdict is sound.","verdictAgreement":"agree","confidence":"high"}`

// router answers by prompt kind so concurrent jobs get the right reply.
func router(quiz, extension func() services.Chunk) func(services.Request) servicestest.Response {
	return func(req services.Request) servicestest.Response {
		prompt := req.Parts[len(req.Parts)-1].Text
		var c services.Chunk
		switch {
		case strings.HasPrefix(prompt, "Create a GCSE revision quiz"):
			c = quiz()
		case strings.HasPrefix(prompt, "Extend an existing"):
			c = extension()
		case strings.HasPrefix(prompt, "Judge the quality"):
			c = services.Chunk{Text: judgeJSON}
		case strings.HasPrefix(prompt, "Audit another"):
			c = services.Chunk{Text: auditJSON}
		default:
			c = services.Chunk{Text: "unexpected prompt"}
		}
		return servicestest.Response{Chunks: []services.Chunk{c}}
	}
}

func okRouter() func(services.Request) servicestest.Response {
	return router(
		func() services.Chunk { return services.Chunk{Text: quizJSON("extraction", 6, "q")} },
		func() services.Chunk { return services.Chunk{Text: quizJSON("extension", 2, "x")} },
	)
}

type harness struct {
	root   string
	out    *storage.Dir
	logs   *bytes.Buffer
	logger *slog.Logger
}

func newHarness(t *testing.T, files ...string) *harness {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("Cells are the basic unit of life. The nucleus holds DNA."), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	logs := &bytes.Buffer{}
	return &harness{
		root:   root,
		out:    storage.NewDir(t.TempDir()),
		logs:   logs,
		logger: slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (h *harness) jobs(t *testing.T) []models.SampleJob {
	t.Helper()
	jobs, err := samples.Discover(context.Background(), h.root, samples.Options{QuestionCount: 6})
	if err != nil {
		t.Fatal(err)
	}
	return jobs
}

func (h *harness) orchestrator(p services.Provider, cfg Config, opts ...Option) *Orchestrator {
	client := services.NewModelClient(p,
		services.WithSleeper(func(time.Duration) {}),
		services.WithDebugStore(h.out),
		services.WithLogger(h.logger),
	)
	if cfg.QuizModel == "" {
		cfg.QuizModel = "test-model"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	cfg.Status = worker.StatusOff
	cfg.RunID = "run-test"
	opts = append([]Option{WithLogger(h.logger), WithStatusOutput(io.Discard)}, opts...)
	return New(client, h.out, cfg, opts...)
}

func (h *harness) checkpoint() *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.NewFileStore(h.out, CheckpointDir), checkpoint.Options{Logger: h.logger})
}

func TestGenerateEndToEnd(t *testing.T) {
	h := newHarness(t, "biology/01-cells.txt")
	p := servicestest.New(
		servicestest.Text(quizJSON("extraction", 6, "q")),
		servicestest.Text(judgeJSON),
		servicestest.Text(auditJSON),
	)
	o := h.orchestrator(p, Config{})
	ctx := context.Background()

	report, err := o.Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	const id = "biology-01-cells"
	if !slices.Equal(report.Completed, []string{id}) || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	res := report.Results[0]
	if res.Extension != nil || res.Quiz.QuestionCount != 6 || res.Judgement.Verdict != models.VerdictApprove || res.Audit.VerdictAgreement != models.AgreementAgree {
		t.Errorf("result = %+v", res)
	}
	if res.Quiz.Subject != "Biology" {
		t.Errorf("subject default not applied: %q", res.Quiz.Subject)
	}
	if p.Calls() != 3 {
		t.Errorf("model calls = %d, want 3", p.Calls())
	}

	files, err := h.out.List(ctx, JobDir(id))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"quiz-audit.json", "quiz-judgement.json", "quiz.json", "slop-signals.json"}
	if !slices.Equal(files, want) {
		t.Errorf("artifacts = %v, want %v", files, want)
	}
	for _, f := range files {
		a, err := ReadArtifact(ctx, h.out, storage.Join(JobDir(id), f), nil)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if a.JobID != id || a.Kind+".json" != f {
			t.Errorf("%s envelope = jobId %q kind %q", f, a.JobID, a.Kind)
		}
	}
	var signals models.SlopAutoSignals
	if _, err := ReadArtifact(ctx, h.out, ArtifactKey(id, models.KindSlopSignals), &signals); err != nil || signals.Tokens == 0 {
		t.Errorf("signals = %+v err=%v", signals, err)
	}

	dumps, _ := h.out.List(ctx, RawDir(id))
	if !slices.Equal(dumps, []string{"audit-attempt-1.txt", "judge-attempt-1.txt", "quiz-attempt-1.txt"}) {
		t.Errorf("raw dumps = %v", dumps)
	}

	idx, err := LoadIndex(ctx, h.out)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Jobs) != 1 || idx.Jobs[0].ID != id || idx.Jobs[0].Mode != models.ModeExtraction || len(idx.Jobs[0].Files) != 4 {
		t.Errorf("index = %+v", idx)
	}
	failures, err := LoadFailures(ctx, h.out)
	if err != nil || len(failures) != 0 {
		t.Errorf("failures = %v err=%v", failures, err)
	}
}

func TestGenerateRetryExhaustion(t *testing.T) {
	h := newHarness(t, "chemistry/bonding.txt")
	p := &servicestest.Provider{Handler: func(services.Request) servicestest.Response {
		return servicestest.Text("Sorry, I can't produce JSON today.")
	}}
	o := h.orchestrator(p, Config{})
	ctx := context.Background()

	report, err := o.Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatalf("Generate() error = %v (non-strict runs report failures)", err)
	}
	const id = "chemistry-bonding"
	if len(report.Failed) != 1 {
		t.Fatalf("failed = %+v", report.Failed)
	}
	msg := report.Failed[0].Error
	if !strings.Contains(msg, id) || !strings.Contains(msg, "3 attempts") {
		t.Errorf("failure message %q should name the job and attempt count", msg)
	}
	if p.Calls() != 3 {
		t.Errorf("model calls = %d, want 3", p.Calls())
	}
	if ok, _ := h.out.Exists(ctx, ArtifactKey(id, models.KindQuiz)); ok {
		t.Error("quiz.json written for failed job")
	}
	ledger, _ := LoadFailures(ctx, h.out)
	if len(ledger) != 1 || ledger[0].JobID != id || len(ledger[0].Issues) == 0 {
		t.Errorf("ledger = %+v", ledger)
	}
}

func TestGenerateResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, "physics/forces.txt")
	ctx := context.Background()
	const id = "physics-forces"

	first := &servicestest.Provider{Handler: okRouter()}
	if _, err := h.orchestrator(first, Config{}, WithCheckpoint(h.checkpoint())).Generate(ctx, h.jobs(t)); err != nil {
		t.Fatal(err)
	}

	second := servicestest.New()
	report, err := h.orchestrator(second, Config{}, WithCheckpoint(h.checkpoint())).Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatal(err)
	}
	if second.Calls() != 0 || !slices.Equal(report.Resumed, []string{id}) {
		t.Fatalf("resume made %d calls, report %+v", second.Calls(), report)
	}

	if err := h.out.Remove(ctx, ArtifactKey(id, models.KindQuiz)); err != nil {
		t.Fatal(err)
	}
	third := &servicestest.Provider{Handler: okRouter()}
	report, err = h.orchestrator(third, Config{}, WithCheckpoint(h.checkpoint())).Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatal(err)
	}
	if third.Calls() != 3 || !slices.Equal(report.Regenerated, []string{id}) || !slices.Equal(report.Completed, []string{id}) {
		t.Errorf("regeneration made %d calls, report %+v", third.Calls(), report)
	}
	if !strings.Contains(h.logs.String(), "artifacts are missing") {
		t.Error("regeneration was not logged as a warning")
	}
	if ok, _ := h.out.Exists(ctx, ArtifactKey(id, models.KindQuiz)); !ok {
		t.Error("quiz.json not regenerated")
	}
}

func TestGenerateRejectsSeedMismatch(t *testing.T) {
	h := newHarness(t, "maths/algebra.txt")
	ctx := context.Background()
	two, one := uint64(2), uint64(1)

	first := &servicestest.Provider{Handler: okRouter()}
	if _, err := h.orchestrator(first, Config{Seed: &two}, WithCheckpoint(h.checkpoint())).Generate(ctx, h.jobs(t)); err != nil {
		t.Fatal(err)
	}

	second := &servicestest.Provider{Handler: okRouter()}
	_, err := h.orchestrator(second, Config{Seed: &one}, WithCheckpoint(h.checkpoint())).Generate(ctx, h.jobs(t))
	if !errors.Is(err, checkpoint.ErrSeedMismatch) {
		t.Fatalf("err = %v, want ErrSeedMismatch", err)
	}
	if second.Calls() != 0 {
		t.Errorf("model called %d times before seed check", second.Calls())
	}

	_, err = h.orchestrator(second, Config{}, WithCheckpoint(h.checkpoint())).Plan(ctx, h.jobs(t))
	if !errors.Is(err, checkpoint.ErrSeedMismatch) {
		t.Errorf("Plan() without seed err = %v, want ErrSeedMismatch", err)
	}
}

func TestGenerateStrictStopsBatch(t *testing.T) {
	h := newHarness(t, "a/1.txt", "a/2.txt", "a/3.txt")
	p := &servicestest.Provider{Handler: func(services.Request) servicestest.Response {
		return servicestest.Text("not json")
	}}
	o := h.orchestrator(p, Config{Strict: true, Concurrency: 1})

	report, err := o.Generate(context.Background(), h.jobs(t))
	var stopped *worker.StoppedError
	if !errors.As(err, &stopped) || stopped.ID != "a-1" {
		t.Fatalf("err = %v, want StoppedError for a-1", err)
	}
	if len(report.Failed) != 1 || len(report.Skipped) != 2 {
		t.Errorf("failed=%d skipped=%d, want 1 and 2", len(report.Failed), len(report.Skipped))
	}
	if p.Calls() != 3 {
		t.Errorf("model calls = %d, want 3", p.Calls())
	}
}

func TestGenerateContinuesPastFailures(t *testing.T) {
	h := newHarness(t, "a/good.txt", "a/bad.md")
	var quizCalls atomic.Int64
	p := &servicestest.Provider{Handler: func(req services.Request) servicestest.Response {
		if strings.Contains(req.Parts[len(req.Parts)-1].Text, "a/bad.md") {
			quizCalls.Add(1)
			return servicestest.Text(`{"mode":"extraction","questions":[]}`)
		}
		return okRouter()(req)
	}}
	report, err := h.orchestrator(p, Config{}).Generate(context.Background(), h.jobs(t))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.Completed, []string{"a-good"}) || len(report.Failed) != 1 || report.Failed[0].JobID != "a-bad" {
		t.Errorf("report completed=%v failed=%+v", report.Completed, report.Failed)
	}
	if quizCalls.Load() != 3 {
		t.Errorf("bad job attempts = %d, want 3", quizCalls.Load())
	}
	if len(report.Index.Jobs) != 1 {
		t.Errorf("index jobs = %d, want 1", len(report.Index.Jobs))
	}
}

func TestGenerateSubsetKeepsRecordsOfUnselectedJobs(t *testing.T) {
	h := newHarness(t, "a/good.txt", "a/bad.md")
	ctx := context.Background()
	all := h.jobs(t)
	failBad := &servicestest.Provider{Handler: func(req services.Request) servicestest.Response {
		if strings.Contains(req.Parts[len(req.Parts)-1].Text, "a/bad.md") {
			return servicestest.Text("not json")
		}
		return okRouter()(req)
	}}
	if _, err := h.orchestrator(failBad, Config{}, WithCheckpoint(h.checkpoint())).Generate(ctx, all); err != nil {
		t.Fatal(err)
	}

	// A run limited to the good job leaves the bad job in the ledger.
	idle := servicestest.New()
	report, err := h.orchestrator(idle, Config{}, WithCheckpoint(h.checkpoint())).GenerateSubset(ctx, all, samples.FilterIDs(all, []string{"a-good"}))
	if err != nil {
		t.Fatal(err)
	}
	if idle.Calls() != 0 || !slices.Equal(report.Resumed, []string{"a-good"}) {
		t.Fatalf("limited run made %d calls, report %+v", idle.Calls(), report)
	}
	ledger, _ := LoadFailures(ctx, h.out)
	if len(ledger) != 1 || ledger[0].JobID != "a-bad" {
		t.Fatalf("ledger after limited run = %+v", ledger)
	}

	// Retrying only the failure keeps the good job's checkpoint and index entry.
	retry := &servicestest.Provider{Handler: okRouter()}
	report, err = h.orchestrator(retry, Config{}, WithCheckpoint(h.checkpoint())).GenerateSubset(ctx, all, samples.FilterIDs(all, []string{"a-bad"}))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.Completed, []string{"a-bad"}) || retry.Calls() != 3 {
		t.Fatalf("retry made %d calls, completed %v", retry.Calls(), report.Completed)
	}
	if len(report.Index.Jobs) != 2 {
		t.Errorf("index after retry lists %d jobs, want 2", len(report.Index.Jobs))
	}
	if ledger, _ := LoadFailures(ctx, h.out); len(ledger) != 0 {
		t.Errorf("ledger after retry = %+v", ledger)
	}

	full := servicestest.New()
	report, err = h.orchestrator(full, Config{}, WithCheckpoint(h.checkpoint())).Generate(ctx, all)
	if err != nil {
		t.Fatal(err)
	}
	if full.Calls() != 0 || len(report.Resumed) != 2 {
		t.Errorf("full rerun made %d calls, resumed %v", full.Calls(), report.Resumed)
	}
}

func TestRegenerateWithoutExtendRemovesStaleExtension(t *testing.T) {
	h := newHarness(t, "biology/cells.txt")
	ctx := context.Background()
	const id = "biology-cells"

	p := &servicestest.Provider{Handler: okRouter()}
	if _, err := h.orchestrator(p, Config{Extend: true, ExtensionCount: 2}).Generate(ctx, h.jobs(t)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.out.Exists(ctx, ArtifactKey(id, models.KindExtension)); !ok {
		t.Fatal("extension.json not written by extended run")
	}

	report, err := h.orchestrator(p, Config{}).Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []string{models.KindExtension, models.KindExtensionJudgement, models.KindExtensionAudit} {
		if ok, _ := h.out.Exists(ctx, ArtifactKey(id, kind)); ok {
			t.Errorf("%s left behind by plain run", kind)
		}
	}
	if len(report.Index.Jobs) != 1 || len(report.Index.Jobs[0].Files) != 4 {
		t.Errorf("index = %+v", report.Index.Jobs)
	}
}

func TestGenerateWithExtensionRetriesDuplicates(t *testing.T) {
	h := newHarness(t, "biology/cells.txt")
	var extCalls atomic.Int64
	p := &servicestest.Provider{Handler: router(
		func() services.Chunk { return services.Chunk{Text: quizJSON("extraction", 6, "q")} },
		func() services.Chunk {
			if extCalls.Add(1) == 1 {
				// Same prompts as the base quiz.
				return services.Chunk{Text: quizJSON("extension", 2, "q")}
			}
			return services.Chunk{Text: quizJSON("synthesis", 2, "x")}
		},
	)}
	o := h.orchestrator(p, Config{Extend: true, ExtensionCount: 2})
	ctx := context.Background()

	report, err := o.Generate(ctx, h.jobs(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Completed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	res := report.Results[0]
	if res.Extension == nil || res.Extension.Mode != models.ModeExtension || len(res.Extension.Questions) != 2 {
		t.Fatalf("extension = %+v", res.Extension)
	}
	if res.ExtensionJudgement == nil || res.ExtensionAudit == nil {
		t.Error("extension was not judged and audited")
	}
	if extCalls.Load() != 2 {
		t.Errorf("extension attempts = %d, want 2", extCalls.Load())
	}
	if files := report.Index.Jobs[0].Files; len(files) != 7 {
		t.Errorf("index files = %v, want 7 kinds", files)
	}
}

func TestPlanAndRender(t *testing.T) {
	h := newHarness(t, "biology/cells.txt", "biology/genes.txt")
	ctx := context.Background()
	jobs := h.jobs(t)

	o := h.orchestrator(&servicestest.Provider{Handler: okRouter()}, Config{}, WithCheckpoint(h.checkpoint()))
	if _, err := o.Generate(ctx, jobs[:1]); err != nil {
		t.Fatal(err)
	}

	plan, err := h.orchestrator(servicestest.New(), Config{}, WithCheckpoint(h.checkpoint())).Plan(ctx, jobs)
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].Status != PlanDone || plan[1].Status != PlanPending {
		t.Errorf("plan = %+v", plan)
	}

	if err := h.out.Remove(ctx, IndexFile); err != nil {
		t.Fatal(err)
	}
	m, err := h.orchestrator(servicestest.New(), Config{}).Render(ctx, jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Jobs) != 1 || m.Jobs[0].ID != jobs[0].ID {
		t.Errorf("rendered index = %+v", m)
	}
	var buf bytes.Buffer
	RenderIndexTable(&buf, m)
	if !strings.Contains(buf.String(), "biology/cells.txt") {
		t.Errorf("table missing job:\n%s", buf.String())
	}
}

type recordingSink struct {
	runID   string
	entries []models.IndexEntry
}

func (s *recordingSink) UpsertIndex(_ context.Context, runID string, entries []models.IndexEntry) error {
	s.runID, s.entries = runID, entries
	return nil
}

func TestGenerateMirrorsIndex(t *testing.T) {
	h := newHarness(t, "biology/cells.txt")
	sink := &recordingSink{}
	o := h.orchestrator(&servicestest.Provider{Handler: okRouter()}, Config{}, WithIndexSink(sink))
	if _, err := o.Generate(context.Background(), h.jobs(t)); err != nil {
		t.Fatal(err)
	}
	if sink.runID != "run-test" || len(sink.entries) != 1 {
		t.Errorf("sink got run %q entries %+v", sink.runID, sink.entries)
	}
}

func TestRunLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireRunLock(dir)
	if err != nil {
		t.Fatalf("AcquireRunLock() error = %v", err)
	}
	if _, err := AcquireRunLock(dir); !errors.Is(err, ErrRunLocked) {
		t.Errorf("second lock err = %v, want ErrRunLocked", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	again, err := AcquireRunLock(dir)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Release()
}

package models

import (
	"encoding/json"
	"time"
)

// SampleJob is one sample file scheduled for generation.
type SampleJob struct {
	ID                 string `json:"id"`
	Category           string `json:"category"`
	SourcePath         string `json:"sourcePath"`
	RelativeSourcePath string `json:"relativeSourcePath"`
	QuestionCount      int    `json:"questionCount"`
	Subject            string `json:"subject,omitempty"`
	Board              string `json:"board,omitempty"`
	Prefix             *int   `json:"prefix,omitempty"`
}

// Label is the human-facing name used in logs and the index.
func (j SampleJob) Label() string {
	if j.RelativeSourcePath != "" {
		return j.RelativeSourcePath
	}
	return j.ID
}

// Usage counters as reported by a provider. Values are cumulative within one
// stream unless stated otherwise.
type Usage struct {
	PromptTokens   int `json:"promptTokens"`
	ThinkingTokens int `json:"thinkingTokens"`
	OutputTokens   int `json:"outputTokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:   u.PromptTokens + o.PromptTokens,
		ThinkingTokens: u.ThinkingTokens + o.ThinkingTokens,
		OutputTokens:   u.OutputTokens + o.OutputTokens,
	}
}

// Delta returns the non-negative per-field difference next - u.
func (u Usage) Delta(next Usage) Usage {
	return Usage{
		PromptTokens:   max(next.PromptTokens-u.PromptTokens, 0),
		ThinkingTokens: max(next.ThinkingTokens-u.ThinkingTokens, 0),
		OutputTokens:   max(next.OutputTokens-u.OutputTokens, 0),
	}
}

func (u Usage) Total() int {
	return u.PromptTokens + u.ThinkingTokens + u.OutputTokens
}

// Artifact kinds written per job.
const (
	KindQuiz               = "quiz"
	KindQuizJudgement      = "quiz-judgement"
	KindQuizAudit          = "quiz-audit"
	KindSlopSignals        = "slop-signals"
	KindExtension          = "extension"
	KindExtensionJudgement = "extension-judgement"
	KindExtensionAudit     = "extension-audit"
	KindSlopJudgement      = "slop-judgement"
)

// Artifact is the envelope every JSON output file uses.
type Artifact struct {
	JobID       string          `json:"jobId"`
	Kind        string          `json:"kind"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Model       string          `json:"model,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// GenerationResult is everything one job produced.
type GenerationResult struct {
	Job                SampleJob
	Quiz               QuizGeneration
	Judgement          JudgeVerdict
	Audit              JudgeAudit
	Extension          *QuizGeneration
	ExtensionJudgement *JudgeVerdict
	ExtensionAudit     *JudgeAudit
	Signals            SlopAutoSignals
	Usage              Usage
	GeneratedAt        time.Time
}

// IndexEntry is one row of the batch manifest.
type IndexEntry struct {
	ID            string            `json:"id"`
	Label         string            `json:"label"`
	Category      string            `json:"category"`
	Mode          string            `json:"mode"`
	Subject       string            `json:"subject,omitempty"`
	Board         string            `json:"board,omitempty"`
	QuestionCount int               `json:"questionCount"`
	GeneratedAt   time.Time         `json:"generatedAt"`
	Files         map[string]string `json:"files"`
}

type IndexManifest struct {
	RunID       string       `json:"runId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Jobs        []IndexEntry `json:"jobs"`
}

// FailureRecord is one entry of failures.json.
type FailureRecord struct {
	JobID    string    `json:"jobId"`
	Label    string    `json:"label"`
	Error    string    `json:"error"`
	Issues   []string  `json:"issues,omitempty"`
	FailedAt time.Time `json:"failedAt"`
}

// ProgressSnapshot is published to observers while a batch runs.
type ProgressSnapshot struct {
	RunID          string    `json:"runId"`
	Total          int       `json:"total"`
	Started        int64     `json:"started"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Skipped        int64     `json:"skipped"`
	InFlight       int64     `json:"inFlight"`
	ModelCalls     int64     `json:"modelCalls"`
	ActiveCalls    int64     `json:"activeCalls"`
	Chars          int64     `json:"chars"`
	PromptTokens   int64     `json:"promptTokens"`
	ThinkingTokens int64     `json:"thinkingTokens"`
	OutputTokens   int64     `json:"outputTokens"`
	UploadBytes    int64     `json:"uploadBytes"`
	Elapsed        float64   `json:"elapsedSeconds"`
	At             time.Time `json:"at"`
}

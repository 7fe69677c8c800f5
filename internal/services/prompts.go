package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"gcse-quizgen/internal/models"
)

// QuizPromptConfig describes one generation request.
type QuizPromptConfig struct {
	QuestionCount int
	Subject       string
	Board         string
	SourceName    string
}

const systemInstruction = "You are an expert GCSE examiner and educational assessor. " +
	"Return ONLY a single valid JSON object. No preamble, no markdown, no backticks."

func SystemInstruction() string { return systemInstruction }

func BuildQuizPrompt(cfg QuizPromptConfig) string {
	var b strings.Builder

	b.WriteString("Create a GCSE revision quiz from the attached study material.\n\n")
	b.WriteString("CRITICAL: Return ONLY a valid JSON object matching the response schema.\n\n")
	b.WriteString(fmt.Sprintf("Generate exactly %d questions.\n", cfg.QuestionCount))
	if cfg.Subject != "" {
		b.WriteString(fmt.Sprintf("Subject: %s\n", cfg.Subject))
	}
	if cfg.Board != "" {
		b.WriteString(fmt.Sprintf("Exam board: %s\n", cfg.Board))
	}
	if cfg.SourceName != "" {
		b.WriteString(fmt.Sprintf("Source file: %s\n", cfg.SourceName))
	}

	b.WriteString(`
Mode:
- "extraction" when the material already contains questions: refine and extract them.
- "synthesis" when the material is notes without questions: author new questions from it.

Rules:
- type is one of multiple_choice, short_answer, true_false, numeric
- multiple_choice questions carry 2-4 options; no other type may carry options
- answer is a list of one or more accepted answers
- difficulty is foundation, intermediate or higher
- every question has a unique id
- questionCount equals the number of questions
`)
	return b.String()
}

// BuildExtensionPrompt asks for additional questions that do not repeat the
// base quiz.
func BuildExtensionPrompt(cfg QuizPromptConfig, base models.QuizGeneration) string {
	var b strings.Builder

	b.WriteString("Extend an existing GCSE quiz with NEW questions grounded in the attached study material.\n\n")
	b.WriteString("CRITICAL: Return ONLY a valid JSON object matching the response schema, with mode \"extension\".\n\n")
	b.WriteString(fmt.Sprintf("Generate exactly %d questions.\n", cfg.QuestionCount))
	b.WriteString("Do not repeat or rephrase any of these existing questions:\n")
	for _, q := range base.Questions {
		b.WriteString("- ")
		b.WriteString(q.Prompt)
		b.WriteString("\n")
	}
	b.WriteString("\nUse question ids that do not clash with the existing ones.\n")
	return b.String()
}

func BuildJudgePrompt(quiz models.QuizGeneration) string {
	var b strings.Builder

	b.WriteString("Judge the quality of this GCSE quiz against the attached source material.\n\n")
	b.WriteString("Score each rubric criterion from 0 to 1 with a short justification: ")
	b.WriteString("accuracy, grounding in the source, clarity, answer correctness, difficulty spread.\n")
	b.WriteString("Finish with verdict \"approve\" or \"revise\".\n\n")
	b.WriteString("---QUIZ---\n")
	b.WriteString(mustJSON(quiz))
	b.WriteString("\n---END---\n")
	return b.String()
}

func BuildAuditPrompt(quiz models.QuizGeneration, verdict models.JudgeVerdict) string {
	var b strings.Builder

	b.WriteString("Audit another reviewer's judgement of this GCSE quiz. ")
	b.WriteString("Re-check the quiz against the attached source and state whether you agree with the verdict.\n\n")
	b.WriteString("verdictAgreement is agree, needs_review or disagree; confidence is high, medium or low.\n\n")
	b.WriteString("---QUIZ---\n")
	b.WriteString(mustJSON(quiz))
	b.WriteString("\n---JUDGEMENT---\n")
	b.WriteString(mustJSON(verdict))
	b.WriteString("\n---END---\n")
	return b.String()
}

func BuildSlopPrompt(text string) string {
	var b strings.Builder

	b.WriteString("Assess the following text for slop: filler, irrelevance, unsupported claims, bias, ")
	b.WriteString("poor structure, incoherence and unsuitable tone.\n\n")
	b.WriteString(fmt.Sprintf("Score each axis (%s) from 0 (clean) to 4 (severe). ", strings.Join(models.SlopAxes, ", ")))
	b.WriteString("Quote evidence spans with zero-based character offsets [char_start, char_end) into the text. ")
	b.WriteString("Give annoyance from 1 to 5, domain news, qa or other, and at most 5 top_fixes.\n\n")
	b.WriteString("---TEXT---\n")
	b.WriteString(text)
	b.WriteString("\n---END---\n")
	return b.String()
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

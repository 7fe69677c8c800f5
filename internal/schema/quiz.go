package schema

import (
	"fmt"
	"strings"

	"gcse-quizgen/internal/models"
)

const (
	minOptions = 2
	maxOptions = 4
)

var questionTypes = []any{
	models.QuestionMultipleChoice,
	models.QuestionShortAnswer,
	models.QuestionTrueFalse,
	models.QuestionNumeric,
}

var questionTypeSynonyms = map[string]string{
	"multiple_choice": models.QuestionMultipleChoice,
	"multiplechoice":  models.QuestionMultipleChoice,
	"mcq":             models.QuestionMultipleChoice,
	"mc":              models.QuestionMultipleChoice,
	"short_answer":    models.QuestionShortAnswer,
	"short":           models.QuestionShortAnswer,
	"open":            models.QuestionShortAnswer,
	"true_false":      models.QuestionTrueFalse,
	"true_or_false":   models.QuestionTrueFalse,
	"truefalse":       models.QuestionTrueFalse,
	"boolean":         models.QuestionTrueFalse,
	"numeric":         models.QuestionNumeric,
	"numerical":       models.QuestionNumeric,
	"number":          models.QuestionNumeric,
	"calculation":     models.QuestionNumeric,
}

func quizSchema() map[string]any {
	str := map[string]any{"type": "string", "minLength": 1}
	return map[string]any{
		"type":     "object",
		"required": []any{"mode", "questionCount", "questions"},
		"properties": map[string]any{
			"mode":          map[string]any{"type": "string", "enum": []any{models.ModeExtraction, models.ModeSynthesis, models.ModeExtension}},
			"subject":       map[string]any{"type": "string"},
			"board":         map[string]any{"type": "string"},
			"questionCount": map[string]any{"type": "integer", "minimum": 1},
			"questions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"id", "prompt", "type", "answer", "explanation"},
					"properties": map[string]any{
						"id":          str,
						"prompt":      str,
						"type":        map[string]any{"type": "string", "enum": questionTypes},
						"answer":      map[string]any{"type": "array", "minItems": 1, "items": str},
						"explanation": map[string]any{"type": "string"},
						"options":     map[string]any{"type": "array", "items": str},
						"difficulty": map[string]any{"type": "string", "enum": []any{
							models.DifficultyFoundation, models.DifficultyIntermediate, models.DifficultyHigher,
						}},
					},
				},
			},
		},
	}
}

// Quiz parses quiz generations (extraction, synthesis and extension).
var Quiz = NewSpec[models.QuizGeneration]("quiz", quizSchema(), NormalizeQuiz, checkQuiz)

// NormalizeQuiz repairs common model mistakes in a decoded quiz object. It is
// idempotent.
func NormalizeQuiz(doc map[string]any) map[string]any {
	if doc == nil {
		return doc
	}
	if s, ok := asString(doc["mode"]); ok {
		doc["mode"] = normalizeEnum(s)
	}
	trimStringField(doc, "subject")
	trimStringField(doc, "board")

	raw, isList := doc["questions"].([]any)
	if !isList {
		return doc
	}
	questions := make([]any, 0, len(raw))
	for i, q := range objectList(raw) {
		questions = append(questions, normalizeQuestion(q, i))
	}
	doc["questions"] = questions
	doc["questionCount"] = len(questions)
	return doc
}

func normalizeQuestion(q map[string]any, index int) map[string]any {
	if id, _ := asString(q["id"]); strings.TrimSpace(id) == "" {
		q["id"] = fmt.Sprintf("q%d", index+1)
	} else {
		q["id"] = strings.TrimSpace(id)
	}
	trimStringField(q, "prompt")
	trimStringField(q, "explanation")

	if s, ok := asString(q["type"]); ok {
		key := normalizeEnum(s)
		if canonical, known := questionTypeSynonyms[key]; known {
			key = canonical
		}
		q["type"] = key
	}

	if q["type"] != models.QuestionMultipleChoice {
		delete(q, "options")
	} else if opts, ok := stringList(q["options"]); ok {
		q["options"] = opts
	}

	switch a := q["answer"].(type) {
	case string:
		q["answer"] = []any{strings.TrimSpace(a)}
	case []any:
		q["answer"], _ = stringList(a)
	default:
		delete(q, "answer")
	}

	if s, ok := asString(q["difficulty"]); ok {
		if d := NormalizeDifficulty(s); d != "" {
			q["difficulty"] = d
		} else {
			delete(q, "difficulty")
		}
	} else {
		delete(q, "difficulty")
	}
	return q
}

func checkQuiz(q *models.QuizGeneration) []Issue {
	var issues []Issue
	if q.QuestionCount != len(q.Questions) {
		issues = append(issues, Issue{
			Path:       "/questionCount",
			Constraint: fmt.Sprintf("must equal number of questions (%d)", len(q.Questions)),
			Value:      fmt.Sprint(q.QuestionCount),
		})
	}
	seen := make(map[string]int, len(q.Questions))
	for i, question := range q.Questions {
		if prev, dup := seen[question.ID]; dup {
			issues = append(issues, Issue{
				Path:       indexPath("questions", i, "id"),
				Constraint: fmt.Sprintf("duplicates question %d", prev),
				Value:      question.ID,
			})
		} else {
			seen[question.ID] = i
		}
		if question.Type == models.QuestionMultipleChoice {
			if n := len(question.Options); n < minOptions || n > maxOptions {
				issues = append(issues, Issue{
					Path:       indexPath("questions", i, "options"),
					Constraint: fmt.Sprintf("multiple_choice needs %d-%d options", minOptions, maxOptions),
					Value:      fmt.Sprint(n),
				})
			}
		} else if len(question.Options) > 0 {
			issues = append(issues, Issue{
				Path:       indexPath("questions", i, "options"),
				Constraint: "only multiple_choice questions may carry options",
				Value:      question.Type,
			})
		}
	}
	return issues
}

// ExtensionSpec rejects extension questions whose prompt repeats one of the
// base quiz prompts.
func ExtensionSpec(basePrompts []string) *Spec[models.QuizGeneration] {
	base := make(map[string]bool, len(basePrompts))
	for _, p := range basePrompts {
		base[PromptKey(p)] = true
	}
	return Quiz.WithCheck(func(q *models.QuizGeneration) []Issue {
		var issues []Issue
		for i, question := range q.Questions {
			if base[PromptKey(question.Prompt)] {
				issues = append(issues, Issue{
					Path:       indexPath("questions", i, "prompt"),
					Constraint: "duplicates a base quiz question",
					Value:      truncateValue(question.Prompt),
				})
			}
		}
		return issues
	})
}

// PromptKey is the comparison key used for duplicate detection.
func PromptKey(prompt string) string {
	return canonicalPhrase(prompt, nil)
}

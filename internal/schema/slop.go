package schema

import (
	"fmt"
	"math"
	"strings"

	"gcse-quizgen/internal/models"
)

const (
	maxTopFixes  = 5
	maxAxisScore = 4
)

func slopSchema() map[string]any {
	axes := make([]any, len(models.SlopAxes))
	for i, a := range models.SlopAxes {
		axes[i] = a
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"overall_slop", "domain", "annoyance", "axes", "top_fixes"},
		"properties": map[string]any{
			"overall_slop": map[string]any{
				"type":     "object",
				"required": []any{"label", "confidence"},
				"properties": map[string]any{
					"label":      map[string]any{"type": "boolean"},
					"confidence": map[string]any{"type": "string", "enum": []any{models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow}},
				},
			},
			"domain":    map[string]any{"type": "string", "enum": []any{models.SlopDomainNews, models.SlopDomainQA, models.SlopDomainOther}},
			"annoyance": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
			"axes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"code", "score", "spans", "rationale"},
					"properties": map[string]any{
						"code":  map[string]any{"type": "string", "enum": axes},
						"score": map[string]any{"type": "integer", "minimum": 0, "maximum": maxAxisScore},
						"spans": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":     "object",
								"required": []any{"quote", "char_start", "char_end"},
								"properties": map[string]any{
									"quote":      map[string]any{"type": "string"},
									"char_start": map[string]any{"type": "integer", "minimum": 0},
									"char_end":   map[string]any{"type": "integer", "minimum": 0},
								},
							},
						},
						"rationale": map[string]any{"type": "string"},
					},
				},
			},
			"top_fixes": map[string]any{"type": "array", "maxItems": maxTopFixes, "items": map[string]any{"type": "string"}},
		},
	}
}

// SlopJudgementSpec parses LLM slop judgements.
var SlopJudgementSpec = NewSpec[models.SlopJudgement]("slop-judgement", slopSchema(), NormalizeSlopJudgement, checkSlop)

func NormalizeSlopJudgement(doc map[string]any) map[string]any {
	if doc == nil {
		return doc
	}
	if overall, ok := doc["overall_slop"].(map[string]any); ok {
		switch l := overall["label"].(type) {
		case string:
			switch normalizeEnum(l) {
			case "true", "yes", "slop":
				overall["label"] = true
			case "false", "no", "not_slop":
				overall["label"] = false
			}
		}
		if c, ok := asString(overall["confidence"]); ok {
			overall["confidence"] = NormalizeConfidence(c)
		}
	}
	if s, ok := asString(doc["domain"]); ok {
		switch d := normalizeEnum(s); d {
		case models.SlopDomainNews, models.SlopDomainQA:
			doc["domain"] = d
		default:
			doc["domain"] = models.SlopDomainOther
		}
	}
	if n, ok := asNumber(doc["annoyance"]); ok {
		doc["annoyance"] = int(math.Round(n))
	}
	if _, ok := doc["axes"].([]any); ok {
		axes := objectList(doc["axes"])
		out := make([]any, 0, len(axes))
		for _, a := range axes {
			out = append(out, normalizeAxis(a))
		}
		doc["axes"] = out
	}
	switch fixes := doc["top_fixes"].(type) {
	case []any:
		list, _ := stringList(fixes)
		if len(list) > maxTopFixes {
			list = list[:maxTopFixes]
		}
		doc["top_fixes"] = list
	case string:
		doc["top_fixes"] = []any{strings.TrimSpace(fixes)}
	case nil:
		doc["top_fixes"] = []any{}
	}
	return doc
}

func normalizeAxis(a map[string]any) map[string]any {
	if s, ok := asString(a["code"]); ok {
		key := strings.ToLower(strings.TrimSpace(s))
		for _, code := range models.SlopAxes {
			if strings.ToLower(code) == key {
				a["code"] = code
				break
			}
		}
	}
	if n, ok := asNumber(a["score"]); ok {
		a["score"] = int(math.Round(n))
	}
	trimStringField(a, "rationale")
	if a["spans"] == nil {
		a["spans"] = []any{}
	}
	for _, span := range objectList(a["spans"]) {
		for _, k := range []string{"char_start", "char_end"} {
			if n, ok := asNumber(span[k]); ok {
				span[k] = int(math.Round(n))
			}
		}
	}
	return a
}

func checkSlop(j *models.SlopJudgement) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(j.Axes))
	for i, axis := range j.Axes {
		if seen[axis.Code] {
			issues = append(issues, Issue{
				Path:       indexPath("axes", i, "code"),
				Constraint: "axis scored more than once",
				Value:      axis.Code,
			})
		}
		seen[axis.Code] = true
		for k, span := range axis.Spans {
			if span.CharEnd < span.CharStart {
				issues = append(issues, Issue{
					Path:       indexPath("axes", i, "spans", k),
					Constraint: "char_end must be >= char_start",
					Value:      fmt.Sprintf("[%d, %d)", span.CharStart, span.CharEnd),
				})
			}
		}
	}
	return issues
}

// SlopJudgementFor also checks that every span lies within text.
func SlopJudgementFor(text string) *Spec[models.SlopJudgement] {
	n := len([]rune(text))
	return SlopJudgementSpec.WithCheck(func(j *models.SlopJudgement) []Issue {
		var issues []Issue
		for i, axis := range j.Axes {
			for k, span := range axis.Spans {
				if span.CharEnd > n {
					issues = append(issues, Issue{
						Path:       indexPath("axes", i, "spans", k, "char_end"),
						Constraint: fmt.Sprintf("must not exceed text length %d", n),
						Value:      fmt.Sprint(span.CharEnd),
					})
				}
			}
		}
		return issues
	})
}

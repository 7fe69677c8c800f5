package schema

import (
	"gcse-quizgen/internal/models"
)

var verdictSynonyms = map[string]string{
	"approve":        models.VerdictApprove,
	"approved":       models.VerdictApprove,
	"accept":         models.VerdictApprove,
	"accepted":       models.VerdictApprove,
	"pass":           models.VerdictApprove,
	"revise":         models.VerdictRevise,
	"revision":       models.VerdictRevise,
	"needs_revision": models.VerdictRevise,
	"reject":         models.VerdictRevise,
	"rejected":       models.VerdictRevise,
	"fail":           models.VerdictRevise,
}

var agreementSynonyms = map[string]string{
	"agree":           models.AgreementAgree,
	"agrees":          models.AgreementAgree,
	"agreed":          models.AgreementAgree,
	"yes":             models.AgreementAgree,
	"needs_review":    models.AgreementNeedsReview,
	"review":          models.AgreementNeedsReview,
	"partial":         models.AgreementNeedsReview,
	"partially_agree": models.AgreementNeedsReview,
	"unsure":          models.AgreementNeedsReview,
	"disagree":        models.AgreementDisagree,
	"disagrees":       models.AgreementDisagree,
	"no":              models.AgreementDisagree,
}

func judgeSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"explanation", "rubric", "verdict"},
		"properties": map[string]any{
			"explanation": map[string]any{"type": "string"},
			"rubric": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"criterion", "score", "justification"},
					"properties": map[string]any{
						"criterion":     map[string]any{"type": "string", "minLength": 1},
						"score":         map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"justification": map[string]any{"type": "string"},
					},
				},
			},
			"verdict": map[string]any{"type": "string", "enum": []any{models.VerdictApprove, models.VerdictRevise}},
		},
	}
}

func auditSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"explanation", "verdictAgreement", "confidence"},
		"properties": map[string]any{
			"explanation": map[string]any{"type": "string"},
			"verdictAgreement": map[string]any{"type": "string", "enum": []any{
				models.AgreementAgree, models.AgreementNeedsReview, models.AgreementDisagree,
			}},
			"confidence": map[string]any{"type": "string", "enum": []any{
				models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow,
			}},
		},
	}
}

var (
	Judge = NewSpec[models.JudgeVerdict]("judge", judgeSchema(), NormalizeJudge, nil)
	Audit = NewSpec[models.JudgeAudit]("audit", auditSchema(), NormalizeAudit, nil)
)

func NormalizeJudge(doc map[string]any) map[string]any {
	if doc == nil {
		return doc
	}
	trimStringField(doc, "explanation")
	if s, ok := asString(doc["verdict"]); ok {
		key := normalizeEnum(s)
		if v, known := verdictSynonyms[key]; known {
			key = v
		}
		doc["verdict"] = key
	}
	if _, ok := doc["rubric"].([]any); ok {
		findings := objectList(doc["rubric"])
		out := make([]any, 0, len(findings))
		for _, f := range findings {
			trimStringField(f, "criterion")
			trimStringField(f, "justification")
			if n, ok := asNumber(f["score"]); ok {
				f["score"] = n
			}
			out = append(out, f)
		}
		doc["rubric"] = out
	}
	return doc
}

func NormalizeAudit(doc map[string]any) map[string]any {
	if doc == nil {
		return doc
	}
	trimStringField(doc, "explanation")
	if s, ok := asString(doc["verdictAgreement"]); ok {
		key := normalizeEnum(s)
		if v, known := agreementSynonyms[key]; known {
			key = v
		}
		doc["verdictAgreement"] = key
	}
	switch c := doc["confidence"].(type) {
	case string:
		doc["confidence"] = NormalizeConfidence(c)
	case nil:
		doc["confidence"] = models.ConfidenceMedium
	}
	return doc
}

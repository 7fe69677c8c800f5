package models

const (
	VerdictApprove = "approve"
	VerdictRevise  = "revise"
)

const (
	AgreementAgree       = "agree"
	AgreementNeedsReview = "needs_review"
	AgreementDisagree    = "disagree"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

type JudgeVerdict struct {
	Explanation string          `json:"explanation"`
	Rubric      []RubricFinding `json:"rubric"`
	Verdict     string          `json:"verdict"`
}

type RubricFinding struct {
	Criterion     string  `json:"criterion"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

type JudgeAudit struct {
	Explanation      string `json:"explanation"`
	VerdictAgreement string `json:"verdictAgreement"`
	Confidence       string `json:"confidence"`
}

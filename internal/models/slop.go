package models

// SlopAutoSignals are deterministic text statistics. Field order is part of
// the artifact format.
type SlopAutoSignals struct {
	Tokens             int     `json:"tokens"`
	Sentences          int     `json:"sentences"`
	EntropyMean        float64 `json:"entropyMean"`
	EntropyStd         float64 `json:"entropyStd"`
	IdeaDensity        float64 `json:"ideaDensity"`
	CompressionRatio   float64 `json:"compressionRatio"`
	TemplateRatio      float64 `json:"templateRatio"`
	SubjectiveRatio    float64 `json:"subjectiveRatio"`
	AvgSentenceLen     float64 `json:"avgSentenceLen"`
	FleschReadingEase  float64 `json:"fleschReadingEase"`
	FleschKincaidGrade float64 `json:"fleschKincaidGrade"`
	GunningFog         float64 `json:"gunningFog"`
}

// Slop axis codes, in rubric order.
var SlopAxes = []string{"Density", "Relevance", "Factuality", "Bias", "Structure", "Coherence", "Tone"}

const (
	SlopDomainNews  = "news"
	SlopDomainQA    = "qa"
	SlopDomainOther = "other"
)

type SlopJudgement struct {
	OverallSlop SlopLabel   `json:"overall_slop"`
	Domain      string      `json:"domain"`
	Annoyance   int         `json:"annoyance"`
	Axes        []AxisScore `json:"axes"`
	TopFixes    []string    `json:"top_fixes"`
}

type SlopLabel struct {
	Label      bool   `json:"label"`
	Confidence string `json:"confidence"`
}

type AxisScore struct {
	Code      string `json:"code"`
	Score     int    `json:"score"`
	Spans     []Span `json:"spans"`
	Rationale string `json:"rationale"`
}

// Span is a half-open [CharStart, CharEnd) range into the judged text.
type Span struct {
	Quote     string `json:"quote"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
}

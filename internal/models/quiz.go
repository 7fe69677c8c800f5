package models

// Generation modes.
const (
	ModeExtraction = "extraction"
	ModeSynthesis  = "synthesis"
	ModeExtension  = "extension"
)

// Question types.
const (
	QuestionMultipleChoice = "multiple_choice"
	QuestionShortAnswer    = "short_answer"
	QuestionTrueFalse      = "true_false"
	QuestionNumeric        = "numeric"
)

// Canonical difficulty buckets.
const (
	DifficultyFoundation   = "foundation"
	DifficultyIntermediate = "intermediate"
	DifficultyHigher       = "higher"
)

type QuizGeneration struct {
	Mode          string         `json:"mode"`
	Subject       string         `json:"subject,omitempty"`
	Board         string         `json:"board,omitempty"`
	QuestionCount int            `json:"questionCount"`
	Questions     []QuizQuestion `json:"questions"`
}

type QuizQuestion struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Type        string   `json:"type"`
	Answer      []string `json:"answer"`
	Explanation string   `json:"explanation"`
	Options     []string `json:"options,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
}

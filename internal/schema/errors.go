package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Stage identifies which step of Parse rejected a payload.
type Stage string

const (
	StageSyntax    Stage = "syntax"
	StageSchema    Stage = "schema"
	StageInvariant Stage = "invariant"
)

const maxValueRunes = 80

// Issue is one violated constraint.
type Issue struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
	Value      string `json:"value,omitempty"`
}

func (i Issue) String() string {
	if i.Value == "" {
		return fmt.Sprintf("%s: %s", i.Path, i.Constraint)
	}
	return fmt.Sprintf("%s: %s (got %s)", i.Path, i.Constraint, i.Value)
}

// Error is returned by Spec.Parse. Every Error is worth retrying: the model
// produced something that could not be turned into a valid record.
type Error struct {
	Spec   string
	Stage  Stage
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("%s %s validation failed: %s", e.Spec, e.Stage, strings.Join(parts, "; "))
}

// Messages flattens the issues into display lines.
func (e *Error) Messages() []string {
	out := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		out[i] = is.String()
	}
	return out
}

// truncateValue renders v as compact JSON cut to maxValueRunes.
func truncateValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		s = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprintf("%v", t)
		} else {
			s = string(b)
		}
	}
	return Truncate(s, maxValueRunes)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

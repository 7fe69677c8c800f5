package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"gcse-quizgen/internal/models"
)

// canonicalPhrase lowercases s, turns punctuation into spaces, drops filler
// words and collapses whitespace.
func canonicalPhrase(s string, fillers map[string]bool) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	words := strings.Fields(mapped)
	kept := words[:0]
	for _, w := range words {
		if !fillers[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

var confidenceFillers = map[string]bool{"confidence": true, "level": true, "score": true}

var confidenceSynonyms = map[string]string{
	"high":                 models.ConfidenceHigh,
	"very high":            models.ConfidenceHigh,
	"highly confident":     models.ConfidenceHigh,
	"strongly confident":   models.ConfidenceHigh,
	"very confident":       models.ConfidenceHigh,
	"confident":            models.ConfidenceHigh,
	"certain":              models.ConfidenceHigh,
	"sure":                 models.ConfidenceHigh,
	"strong":               models.ConfidenceHigh,
	"medium":               models.ConfidenceMedium,
	"med":                  models.ConfidenceMedium,
	"mid":                  models.ConfidenceMedium,
	"moderate":             models.ConfidenceMedium,
	"moderately confident": models.ConfidenceMedium,
	"fairly confident":     models.ConfidenceMedium,
	"somewhat confident":   models.ConfidenceMedium,
	"reasonably confident": models.ConfidenceMedium,
	"average":              models.ConfidenceMedium,
	"fair":                 models.ConfidenceMedium,
	"low":                  models.ConfidenceLow,
	"very low":             models.ConfidenceLow,
	"not confident":        models.ConfidenceLow,
	"slightly confident":   models.ConfidenceLow,
	"unsure":               models.ConfidenceLow,
	"uncertain":            models.ConfidenceLow,
	"weak":                 models.ConfidenceLow,
	"doubtful":             models.ConfidenceLow,
}

// NormalizeConfidence maps free text onto high|medium|low. Confidence is
// advisory, so anything unrecognised becomes medium.
func NormalizeConfidence(s string) string {
	phrase := canonicalPhrase(s, confidenceFillers)
	if v, ok := confidenceSynonyms[phrase]; ok {
		return v
	}
	words := strings.Fields(phrase)
	has := func(keys ...string) bool {
		for _, w := range words {
			for _, k := range keys {
				if w == k {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("low", "not", "unsure", "uncertain", "weak", "doubtful"):
		return models.ConfidenceLow
	case has("medium", "moderate", "moderately", "fairly", "somewhat", "mid"):
		return models.ConfidenceMedium
	case has("high", "highly", "strongly", "certain", "confident", "sure"):
		return models.ConfidenceHigh
	}
	return models.ConfidenceMedium
}

var difficultyFillers = map[string]bool{"difficulty": true, "level": true, "tier": true, "question": true}

var difficultySynonyms = map[string]string{
	"foundation":   models.DifficultyFoundation,
	"easy":         models.DifficultyFoundation,
	"basic":        models.DifficultyFoundation,
	"simple":       models.DifficultyFoundation,
	"beginner":     models.DifficultyFoundation,
	"low":          models.DifficultyFoundation,
	"recall":       models.DifficultyFoundation,
	"intermediate": models.DifficultyIntermediate,
	"medium":       models.DifficultyIntermediate,
	"moderate":     models.DifficultyIntermediate,
	"average":      models.DifficultyIntermediate,
	"mid":          models.DifficultyIntermediate,
	"standard":     models.DifficultyIntermediate,
	"higher":       models.DifficultyHigher,
	"hard":         models.DifficultyHigher,
	"difficult":    models.DifficultyHigher,
	"advanced":     models.DifficultyHigher,
	"challenging":  models.DifficultyHigher,
	"high":         models.DifficultyHigher,
	"stretch":      models.DifficultyHigher,
}

// NormalizeDifficulty maps free text onto the three canonical buckets. An
// empty result means the input was not recognised.
func NormalizeDifficulty(s string) string {
	phrase := canonicalPhrase(s, difficultyFillers)
	if v, ok := difficultySynonyms[phrase]; ok {
		return v
	}
	for _, w := range strings.Fields(phrase) {
		if v, ok := difficultySynonyms[w]; ok {
			return v
		}
	}
	return ""
}

// normalizeEnum lowercases s and joins words with underscores.
func normalizeEnum(s string) string {
	return strings.Join(strings.Fields(canonicalPhrase(s, nil)), "_")
}

// asNumber accepts JSON numbers and numeric strings.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func stringList(v any) ([]any, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, true
}

func objectList(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func trimStringField(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		m[key] = strings.TrimSpace(s)
	}
}

func indexPath(parts ...any) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "/%v", p)
	}
	return b.String()
}

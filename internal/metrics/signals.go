// Package metrics computes deterministic text-quality signals ("slop"
// signals) from a plain text blob.
package metrics

import (
	"bytes"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/cases"

	"gcse-quizgen/internal/models"
)

// Repetition selects how CompressionRatio is computed.
type Repetition int

const (
	// RepetitionBrotli is compressed bytes / input bytes. Lower means more
	// repetitive text.
	RepetitionBrotli Repetition = iota
	// RepetitionTokenUnique is token count / unique token count. Higher means
	// more repetitive text.
	RepetitionTokenUnique
)

func (r Repetition) String() string {
	if r == RepetitionTokenUnique {
		return "token-unique"
	}
	return "brotli"
}

// ParseRepetition maps a config value onto a variant. Unknown values fall back
// to brotli.
func ParseRepetition(s string) Repetition {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "token-unique", "token_unique", "tokens":
		return RepetitionTokenUnique
	default:
		return RepetitionBrotli
	}
}

const (
	contentWordMinRunes  = 4
	complexWordSyllables = 3
	brotliQuality        = 9
)

var (
	tokenPattern    = regexp.MustCompile(`[\p{L}\p{N}']+`)
	sentencePattern = regexp.MustCompile(`[.!?]+["')\]]*(?:\s+|$)|\n\s*\n`)
)

// ComputeAutoSignals uses the brotli repetition variant.
func ComputeAutoSignals(text string) models.SlopAutoSignals {
	return Compute(text, RepetitionBrotli)
}

// Compute returns the signal vector for text. Identical input always yields
// identical output and every field is finite.
func Compute(text string, rep Repetition) models.SlopAutoSignals {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return models.SlopAutoSignals{}
	}
	n := float64(len(tokens))
	sentences := CountSentences(text)
	if sentences == 0 {
		sentences = 1
	}

	mean, std := surprisal(tokens)

	syllables, complexWords, contentWords, subjective := 0, 0, 0, 0
	for _, tok := range tokens {
		s := CountSyllables(tok)
		syllables += s
		if s >= complexWordSyllables {
			complexWords++
		}
		if isContentWord(tok) {
			contentWords++
		}
		if _, ok := subjectiveLexicon[tok]; ok {
			subjective++
		}
	}

	asl := n / float64(sentences)
	asw := float64(syllables) / n

	out := models.SlopAutoSignals{
		Tokens:             len(tokens),
		Sentences:          sentences,
		EntropyMean:        mean,
		EntropyStd:         std,
		IdeaDensity:        float64(contentWords) / float64(sentences),
		CompressionRatio:   repetition(text, tokens, rep),
		TemplateRatio:      templateRatio(tokens),
		SubjectiveRatio:    float64(subjective) / n,
		AvgSentenceLen:     asl,
		FleschReadingEase:  206.835 - 1.015*asl - 84.6*asw,
		FleschKincaidGrade: 0.39*asl + 11.8*asw - 15.59,
		GunningFog:         0.4 * (asl + 100*float64(complexWords)/n),
	}
	return finite(out)
}

// Tokenize case-folds text and returns its word tokens in order.
func Tokenize(text string) []string {
	// Casers carry state, so one per call.
	raw := tokenPattern.FindAllString(cases.Fold().String(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.Trim(t, "'")
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// CountSentences counts segments that contain at least one token.
func CountSentences(text string) int {
	count := 0
	for _, seg := range sentencePattern.Split(text, -1) {
		if tokenPattern.MatchString(seg) {
			count++
		}
	}
	return count
}

// surprisal returns the population mean and standard deviation of
// -log2 p(token) over every token position.
func surprisal(tokens []string) (float64, float64) {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	n := float64(len(tokens))
	values := make([]float64, len(tokens))
	var sum float64
	for i, t := range tokens {
		values[i] = -math.Log2(float64(counts[t]) / n)
		sum += values[i]
	}
	mean := sum / n
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func repetition(text string, tokens []string, rep Repetition) float64 {
	if rep == RepetitionTokenUnique {
		unique := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			unique[t] = struct{}{}
		}
		return float64(len(tokens)) / float64(len(unique))
	}
	raw := []byte(text)
	if len(raw) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotliQuality)
	if _, err := w.Write(raw); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return float64(buf.Len()) / float64(len(raw))
}

// templateRatio is the share of token positions covered by a bigram that
// occurs more than once.
func templateRatio(tokens []string) float64 {
	if len(tokens) < 2 {
		return 0
	}
	type bigram struct{ a, b string }
	counts := make(map[bigram]int, len(tokens))
	for i := 0; i+1 < len(tokens); i++ {
		counts[bigram{tokens[i], tokens[i+1]}]++
	}
	covered := make([]bool, len(tokens))
	for i := 0; i+1 < len(tokens); i++ {
		if counts[bigram{tokens[i], tokens[i+1]}] > 1 {
			covered[i] = true
			covered[i+1] = true
		}
	}
	hits := 0
	for _, c := range covered {
		if c {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func isContentWord(tok string) bool {
	if len([]rune(tok)) < contentWordMinRunes {
		return false
	}
	_, stop := stopwords[tok]
	return !stop
}

// CountSyllables is a vowel-group heuristic with silent-e and consonant+"le"
// handling. Tokens without letters count as one syllable.
func CountSyllables(word string) int {
	letters := make([]rune, 0, len(word))
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return 1
	}
	count := 0
	prevVowel := false
	for _, r := range letters {
		v := isVowel(r)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}
	n := len(letters)
	if n > 2 && letters[n-1] == 'e' && count > 1 {
		consonantLE := letters[n-2] == 'l' && !isVowel(letters[n-3])
		if !consonantLE && !isVowel(letters[n-2]) {
			count--
		}
	}
	if count < 1 {
		count = 1
	}
	return count
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func finite(s models.SlopAutoSignals) models.SlopAutoSignals {
	for _, f := range []*float64{
		&s.EntropyMean, &s.EntropyStd, &s.IdeaDensity, &s.CompressionRatio,
		&s.TemplateRatio, &s.SubjectiveRatio, &s.AvgSentenceLen,
		&s.FleschReadingEase, &s.FleschKincaidGrade, &s.GunningFog,
	} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	return s
}

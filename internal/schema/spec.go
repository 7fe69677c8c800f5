// Package schema turns loosely structured model output into validated domain
// records. Parsing runs in three stages: a structural JSON parse, a
// normalisation pass that repairs common model mistakes, and strict
// validation (JSON Schema followed by record invariants).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec describes one structured response type.
type Spec[T any] struct {
	Name      string
	Schema    map[string]any
	Normalize func(map[string]any) map[string]any
	Check     func(*T) []Issue

	compiled *jsonschema.Schema
}

// NewSpec compiles schema once. Schemas are static so a compile failure is a
// programming error and panics.
func NewSpec[T any](name string, schema map[string]any, normalize func(map[string]any) map[string]any, check func(*T) []Issue) *Spec[T] {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("schema %s: marshal: %v", name, err))
	}
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema %s: add resource: %v", name, err))
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s: compile: %v", name, err))
	}
	return &Spec[T]{Name: name, Schema: schema, Normalize: normalize, Check: check, compiled: compiled}
}

// WithCheck returns a copy of s that also runs extra after the built-in
// invariants.
func (s *Spec[T]) WithCheck(extra func(*T) []Issue) *Spec[T] {
	cp := *s
	base := s.Check
	cp.Check = func(v *T) []Issue {
		var issues []Issue
		if base != nil {
			issues = append(issues, base(v)...)
		}
		return append(issues, extra(v)...)
	}
	return &cp
}

// Parse runs the full pipeline over a raw model response.
func (s *Spec[T]) Parse(text string) (T, error) {
	var zero T
	doc, err := s.decode(text)
	if err != nil {
		return zero, err
	}
	return s.ParseValue(doc)
}

// ParseValue runs normalisation and validation over an already decoded object.
func (s *Spec[T]) ParseValue(doc map[string]any) (T, error) {
	var zero T
	if s.Normalize != nil {
		doc = s.Normalize(doc)
	}
	// Round-trip so the validator only ever sees encoding/json types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return zero, &Error{Spec: s.Name, Stage: StageSyntax, Issues: []Issue{{Path: "/", Constraint: "re-encode: " + err.Error()}}}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return zero, &Error{Spec: s.Name, Stage: StageSyntax, Issues: []Issue{{Path: "/", Constraint: "re-decode: " + err.Error()}}}
	}
	if err := s.compiled.Validate(generic); err != nil {
		return zero, &Error{Spec: s.Name, Stage: StageSchema, Issues: schemaIssues(err, generic)}
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &Error{Spec: s.Name, Stage: StageSchema, Issues: []Issue{{Path: "/", Constraint: err.Error()}}}
	}
	if s.Check != nil {
		if issues := s.Check(&out); len(issues) > 0 {
			return zero, &Error{Spec: s.Name, Stage: StageInvariant, Issues: issues}
		}
	}
	return out, nil
}

// Validate checks an already typed value against the schema and invariants
// without normalising it.
func (s *Spec[T]) Validate(v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Name, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode %s: %w", s.Name, err)
	}
	if err := s.compiled.Validate(generic); err != nil {
		return &Error{Spec: s.Name, Stage: StageSchema, Issues: schemaIssues(err, generic)}
	}
	if s.Check != nil {
		if issues := s.Check(&v); len(issues) > 0 {
			return &Error{Spec: s.Name, Stage: StageInvariant, Issues: issues}
		}
	}
	return nil
}

func (s *Spec[T]) decode(text string) (map[string]any, error) {
	body := StripCodeFences(text)
	if !strings.HasPrefix(body, "{") {
		return nil, &Error{Spec: s.Name, Stage: StageSyntax, Issues: []Issue{{
			Path:       "/",
			Constraint: "response must be a JSON object",
			Value:      truncateValue(body),
		}}}
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, &Error{Spec: s.Name, Stage: StageSyntax, Issues: []Issue{{
			Path:       "/",
			Constraint: "invalid JSON: " + err.Error(),
			Value:      truncateValue(body),
		}}}
	}
	return doc, nil
}

// StripCodeFences removes a surrounding markdown code fence and whitespace.
func StripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// LooksLikeJSON reports whether text could be a JSON object response.
func LooksLikeJSON(text string) bool {
	return strings.HasPrefix(StripCodeFences(text), "{")
}

func schemaIssues(err error, doc any) []Issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "/", Constraint: err.Error()}}
	}
	var leaves []*jsonschema.ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	seen := make(map[string]bool, len(leaves))
	issues := make([]Issue, 0, len(leaves))
	for _, leaf := range leaves {
		path := leaf.InstanceLocation
		if path == "" {
			path = "/"
		}
		constraint := leaf.Message
		if kw := lastSegment(leaf.KeywordLocation); kw != "" {
			constraint = kw + ": " + leaf.Message
		}
		key := path + "\x00" + constraint
		if seen[key] {
			continue
		}
		seen[key] = true
		is := Issue{Path: path, Constraint: constraint}
		if v, found := lookupPointer(doc, leaf.InstanceLocation); found {
			is.Value = truncateValue(v)
		}
		issues = append(issues, is)
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

func lastSegment(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		return loc[i+1:]
	}
	return loc
}

// lookupPointer resolves a JSON pointer inside a decoded document.
func lookupPointer(doc any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return doc, true
	}
	cur := doc
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Package rules owns the evaluation rule document: the Bloom's Taxonomy verb
// lists, the level-to-class mappings, the credit-point ranges, the banned
// phrase list and the model selection that drive every prompt.
//
// The document is process-wide shared state. Store is the only way to read
// or mutate it; readers always receive a deep copy.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"lobuilder/internal/transparency"
)

// EnvironSentinel is the API_key value meaning "read the key from the environment".
const EnvironSentinel = "environ"

// DefaultAPIKeyEnv is the environment variable consulted for EnvironSentinel.
const DefaultAPIKeyEnv = "GOOGLE_API_KEY"

// Class is a Bloom's Taxonomy class name as used for document keys.
type Class string

const (
	Knowledge     Class = "KNOWLEDGE"
	Comprehension Class = "COMPREHENSION"
	Application   Class = "APPLICATION"
	Analysis      Class = "ANALYSIS"
	Synthesis     Class = "SYNTHESIS"
	Evaluation    Class = "EVALUATION"
)

// Classes lists the six taxonomy classes in prompt order.
var Classes = []Class{Knowledge, Comprehension, Application, Analysis, Synthesis, Evaluation}

// CreditPoints lists the unit weights that have an outcome-count range, in prompt order.
var CreditPoints = []int{6, 12, 24}

// MinLevel and MaxLevel bound the unit levels.
const (
	MinLevel = 1
	MaxLevel = 6
)

// Range is an inclusive [min, max] outcome-count range.
type Range [2]int

// Min returns the lower bound.
func (r Range) Min() int { return r[0] }

// Max returns the upper bound.
func (r Range) Max() int { return r[1] }

// Contains reports whether n lies within the range.
func (r Range) Contains(n int) bool { return n >= r[0] && n <= r[1] }

// UnmarshalJSON requires exactly two integers.
func (r *Range) UnmarshalJSON(b []byte) error {
	var v []int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("%w: range needs exactly two integers, got %d", transparency.ErrInvalidRuleValue, len(v))
	}
	r[0], r[1] = v[0], v[1]
	return nil
}

// EvaluationConfig is the rule document. JSON keys match the durable format exactly.
type EvaluationConfig struct {
	SelectedModel   string   `json:"selected_model"`
	APIKey          string   `json:"API_key"`
	AvailableModels []string `json:"available_models"`

	Knowledge     []string `json:"KNOWLEDGE"`
	Comprehension []string `json:"COMPREHENSION"`
	Application   []string `json:"APPLICATION"`
	Analysis      []string `json:"ANALYSIS"`
	Synthesis     []string `json:"SYNTHESIS"`
	Evaluation    []string `json:"EVALUATION"`

	Level1 string `json:"Level 1"`
	Level2 string `json:"Level 2"`
	Level3 string `json:"Level 3"`
	Level4 string `json:"Level 4"`
	Level5 string `json:"Level 5"`
	Level6 string `json:"Level 6"`

	Points6  Range `json:"6 Points"`
	Points12 Range `json:"12 Points"`
	Points24 Range `json:"24 Points"`

	Banned []string `json:"BANNED"`
}

// Keys lists every top-level document key in durable order.
var Keys = []string{
	"selected_model", "API_key", "available_models",
	"KNOWLEDGE", "COMPREHENSION", "APPLICATION", "ANALYSIS", "SYNTHESIS", "EVALUATION",
	"Level 1", "Level 2", "Level 3", "Level 4", "Level 5", "Level 6",
	"6 Points", "12 Points", "24 Points",
	"BANNED",
}

// field returns a pointer to the field stored under key, or nil.
func (c *EvaluationConfig) field(key string) interface{} {
	switch key {
	case "selected_model":
		return &c.SelectedModel
	case "API_key":
		return &c.APIKey
	case "available_models":
		return &c.AvailableModels
	case "KNOWLEDGE":
		return &c.Knowledge
	case "COMPREHENSION":
		return &c.Comprehension
	case "APPLICATION":
		return &c.Application
	case "ANALYSIS":
		return &c.Analysis
	case "SYNTHESIS":
		return &c.Synthesis
	case "EVALUATION":
		return &c.Evaluation
	case "Level 1":
		return &c.Level1
	case "Level 2":
		return &c.Level2
	case "Level 3":
		return &c.Level3
	case "Level 4":
		return &c.Level4
	case "Level 5":
		return &c.Level5
	case "Level 6":
		return &c.Level6
	case "6 Points":
		return &c.Points6
	case "12 Points":
		return &c.Points12
	case "24 Points":
		return &c.Points24
	case "BANNED":
		return &c.Banned
	}
	return nil
}

// Value returns the current value stored under key.
func (c *EvaluationConfig) Value(key string) (interface{}, bool) {
	p := c.field(key)
	if p == nil {
		return nil, false
	}
	switch v := p.(type) {
	case *string:
		return *v, true
	case *[]string:
		return slices.Clone(*v), true
	case *Range:
		return *v, true
	}
	return nil, false
}

// Clone returns a deep copy.
func (c *EvaluationConfig) Clone() *EvaluationConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.AvailableModels = slices.Clone(c.AvailableModels)
	out.Knowledge = slices.Clone(c.Knowledge)
	out.Comprehension = slices.Clone(c.Comprehension)
	out.Application = slices.Clone(c.Application)
	out.Analysis = slices.Clone(c.Analysis)
	out.Synthesis = slices.Clone(c.Synthesis)
	out.Evaluation = slices.Clone(c.Evaluation)
	out.Banned = slices.Clone(c.Banned)
	return &out
}

// Words returns the verb list of a taxonomy class.
func (c *EvaluationConfig) Words(class Class) []string {
	switch class {
	case Knowledge:
		return c.Knowledge
	case Comprehension:
		return c.Comprehension
	case Application:
		return c.Application
	case Analysis:
		return c.Analysis
	case Synthesis:
		return c.Synthesis
	case Evaluation:
		return c.Evaluation
	}
	return nil
}

// LevelName returns the configured class-name string for a unit level.
func (c *EvaluationConfig) LevelName(level int) (string, error) {
	switch level {
	case 1:
		return c.Level1, nil
	case 2:
		return c.Level2, nil
	case 3:
		return c.Level3, nil
	case 4:
		return c.Level4, nil
	case 5:
		return c.Level5, nil
	case 6:
		return c.Level6, nil
	}
	return "", fmt.Errorf("level %d: %w", level, transparency.ErrInvalidLevel)
}

// LevelClasses splits a level mapping into taxonomy classes.
func (c *EvaluationConfig) LevelClasses(level int) ([]Class, error) {
	name, err := c.LevelName(level)
	if err != nil {
		return nil, err
	}
	return ParseClasses(name)
}

// CountRange returns the outcome-count range for a credit-point weight.
func (c *EvaluationConfig) CountRange(creditPoints int) (Range, bool) {
	switch creditPoints {
	case 6:
		return c.Points6, true
	case 12:
		return c.Points12, true
	case 24:
		return c.Points24, true
	}
	return Range{}, false
}

// ResolveAPIKey returns the credential to use: the literal key, or the
// environment variable named by envVar when the key is EnvironSentinel.
func (c *EvaluationConfig) ResolveAPIKey(envVar string) (string, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == EnvironSentinel {
		if envVar == "" {
			envVar = DefaultAPIKeyEnv
		}
		key = strings.TrimSpace(os.Getenv(envVar))
	}
	if key == "" {
		return "", transparency.ErrMissingCredential
	}
	return key, nil
}

// ParseClasses parses a comma-separated class list ("Application, Analysis").
// Matching is case-insensitive.
func ParseClasses(s string) ([]Class, error) {
	var out []Class
	for _, part := range strings.Split(s, ",") {
		name := strings.ToUpper(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if !slices.Contains(Classes, Class(name)) {
			return nil, fmt.Errorf("%w: unknown taxonomy class %q", transparency.ErrInvalidRuleValue, strings.TrimSpace(part))
		}
		out = append(out, Class(name))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty taxonomy class list", transparency.ErrInvalidRuleValue)
	}
	return out, nil
}

// Validate checks the document invariants: every level maps to known classes,
// ranges are ordered and non-negative, and a model is selected. The selected
// model need not appear in available_models; that list only feeds the form.
func (c *EvaluationConfig) Validate() error {
	for level := MinLevel; level <= MaxLevel; level++ {
		if _, err := c.LevelClasses(level); err != nil {
			return fmt.Errorf("Level %d: %w", level, err)
		}
	}
	for _, cp := range CreditPoints {
		r, _ := c.CountRange(cp)
		if r.Min() < 0 || r.Max() < r.Min() {
			return fmt.Errorf("%w: %d Points range [%d,%d] must satisfy 0 <= min <= max",
				transparency.ErrInvalidRuleValue, cp, r.Min(), r.Max())
		}
	}
	if strings.TrimSpace(c.SelectedModel) == "" {
		return fmt.Errorf("%w: selected_model is empty", transparency.ErrInvalidRuleValue)
	}
	return nil
}

// checkOffered rejects a selected model missing from a non-empty
// available_models list.
func checkOffered(c *EvaluationConfig) error {
	if len(c.AvailableModels) > 0 && !slices.Contains(c.AvailableModels, c.SelectedModel) {
		return fmt.Errorf("%w: selected_model %q is not in available_models", transparency.ErrInvalidRuleValue, c.SelectedModel)
	}
	return nil
}

// Parse decodes and validates a rule document. Every key must be present.
func Parse(data []byte) (*EvaluationConfig, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules document is not valid JSON: %w", err)
	}
	for _, key := range Keys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("rules document is missing key %q", key)
		}
	}

	var cfg EvaluationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rules document has a malformed value: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rules document is invalid: %w", err)
	}
	return &cfg, nil
}

// Marshal encodes the document in its durable form.
func (c *EvaluationConfig) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

package rules

import (
	"fmt"
	"strconv"
	"strings"

	"lobuilder/internal/transparency"
)

// JoinComma renders a word list the way the admin form displays it.
func JoinComma(words []string) string {
	return strings.Join(words, ", ")
}

// SplitComma parses an admin-form word list. Blank entries are dropped.
func SplitComma(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if w := strings.TrimSpace(part); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// RangeToDash renders a range as "min-max".
func RangeToDash(r Range) string {
	return strconv.Itoa(r.Min()) + "-" + strconv.Itoa(r.Max())
}

// DashToRange parses "min-max" into a range.
func DashToRange(s string) (Range, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w: %q is not of the form min-max", transparency.ErrInvalidRuleValue, s)
	}
	var r Range
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q is not of the form min-max", transparency.ErrInvalidRuleValue, s)
		}
		r[i] = n
	}
	return r, nil
}

// Form is the admin settings form: every editable field as entered text.
// Word lists are comma-separated and ranges are "min-max".
type Form struct {
	Model         string
	APIKey        string
	Knowledge     string
	Comprehension string
	Application   string
	Analysis      string
	Synthesis     string
	Evaluation    string
	Banned        string
	Levels        [6]string
	CP6           string
	CP12          string
	CP24          string
}

// FormFrom renders the current document as an admin form.
func FormFrom(cfg *EvaluationConfig) Form {
	return Form{
		Model:         cfg.SelectedModel,
		APIKey:        cfg.APIKey,
		Knowledge:     JoinComma(cfg.Knowledge),
		Comprehension: JoinComma(cfg.Comprehension),
		Application:   JoinComma(cfg.Application),
		Analysis:      JoinComma(cfg.Analysis),
		Synthesis:     JoinComma(cfg.Synthesis),
		Evaluation:    JoinComma(cfg.Evaluation),
		Banned:        JoinComma(cfg.Banned),
		Levels:        [6]string{cfg.Level1, cfg.Level2, cfg.Level3, cfg.Level4, cfg.Level5, cfg.Level6},
		CP6:           RangeToDash(cfg.Points6),
		CP12:          RangeToDash(cfg.Points12),
		CP24:          RangeToDash(cfg.Points24),
	}
}

// Updates converts the form into key/value replacements in document order.
func (f Form) Updates() ([]Update, error) {
	cp6, err := DashToRange(f.CP6)
	if err != nil {
		return nil, fmt.Errorf("6 Points: %w", err)
	}
	cp12, err := DashToRange(f.CP12)
	if err != nil {
		return nil, fmt.Errorf("12 Points: %w", err)
	}
	cp24, err := DashToRange(f.CP24)
	if err != nil {
		return nil, fmt.Errorf("24 Points: %w", err)
	}

	updates := []Update{
		{"selected_model", strings.TrimSpace(f.Model)},
		{"API_key", strings.TrimSpace(f.APIKey)},
		{"KNOWLEDGE", SplitComma(f.Knowledge)},
		{"COMPREHENSION", SplitComma(f.Comprehension)},
		{"APPLICATION", SplitComma(f.Application)},
		{"ANALYSIS", SplitComma(f.Analysis)},
		{"SYNTHESIS", SplitComma(f.Synthesis)},
		{"EVALUATION", SplitComma(f.Evaluation)},
		{"BANNED", SplitComma(f.Banned)},
	}
	for i, lvl := range f.Levels {
		updates = append(updates, Update{fmt.Sprintf("Level %d", i+1), strings.TrimSpace(lvl)})
	}
	updates = append(updates,
		Update{"6 Points", cp6},
		Update{"12 Points", cp12},
		Update{"24 Points", cp24},
	)
	return updates, nil
}

// WordsForLevel collects the verbs of every class a level maps to.
func WordsForLevel(cfg *EvaluationConfig, level int) ([]string, error) {
	classes, err := cfg.LevelClasses(level)
	if err != nil {
		return nil, err
	}
	var words []string
	for _, class := range classes {
		words = append(words, cfg.Words(class)...)
	}
	return words, nil
}

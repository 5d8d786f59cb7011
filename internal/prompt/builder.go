// Package prompt renders the evaluation and comparison prompts.
//
// The output is a text contract: the verdict parser anchors on the quoting
// convention and the STATUS:/SUGGESTION: tokens written here, so any change to
// those spellings must be made in both packages together. Rendering is pure
// and deterministic; identical inputs give byte-identical prompts.
package prompt

import (
	"fmt"
	"strings"

	"lobuilder/internal/logging"
	"lobuilder/internal/rules"
	"lobuilder/internal/transparency"
)

// NoOutcomesPlaceholder stands in for an outcome block with nothing to evaluate.
const NoOutcomesPlaceholder = "'(no outcomes provided)'"

// Tokens shared with the verdict parser.
const (
	StatusToken     = "STATUS:"
	SuggestionToken = "SUGGESTION:"
	AnalysisHeading = "**LO Analysis**"
	SummaryHeading  = "**SUMMARY**"
)

// Request is the unit being evaluated.
type Request struct {
	Level        int
	UnitName     string
	CreditPoints int
	Outcomes     []string
}

// Build renders the evaluation prompt for req under cfg. A level outside 1..6
// is rejected; it is never clamped.
func Build(cfg *rules.EvaluationConfig, req Request) (string, error) {
	levelName, err := cfg.LevelName(req.Level)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	var sb strings.Builder

	sb.WriteString("You are a Learning Outcome Evaluation tool for Units in a University. ")
	sb.WriteString("You must follow the following rules and respond with a SPECIFIC FORMAT.\n\n")

	sb.WriteString("RULE-- Every Learning Outcome must adhere to Bloom's Taxonomy. The best verbs for each class of Bloom's Taxonomy are:\n")
	for _, class := range rules.Classes {
		fmt.Fprintf(&sb, "%s: %s.\n", class, strings.Join(cfg.Words(class), ", "))
	}

	sb.WriteString("RULE-- Units have 6 levels and they should ONLY focus on specific Bloom's classes:\n")
	for level := rules.MinLevel; level <= rules.MaxLevel; level++ {
		name, _ := cfg.LevelName(level)
		fmt.Fprintf(&sb, "Level %d: %s.\n", level, name)
	}

	sb.WriteString("RULE-- Units are also measured by their Credit Points and will have an acceptable range for how many Learning Outcomes there should be:\n")
	for _, cp := range rules.CreditPoints {
		r, _ := cfg.CountRange(cp)
		fmt.Fprintf(&sb, "%d Points: %d to %d Learning Outcomes.\n", cp, r.Min(), r.Max())
	}

	sb.WriteString("RULE-- The following words and phrases should never be used in Learning Outcomes:\n")
	sb.WriteString(strings.Join(cfg.Banned, ", "))

	sb.WriteString("\n\n**CRITICAL OUTPUT FORMAT INSTRUCTIONS**\n")
	sb.WriteString("You MUST structure your response EXACTLY as follows:\n\n")
	sb.WriteString(AnalysisHeading + "\n\n")
	fmt.Fprintf(&sb, "Check all Learning Outcomes are appropriate for %s Level (Level %d).\n", levelName, req.Level)
	sb.WriteString("For EACH learning outcome, write ONE paragraph in this EXACT format:\n")
	sb.WriteString("'[outcome text exactly as provided]' - " + StatusToken + "[GOOD/NEEDS_REVISION/COULD_IMPROVE] - [Your evaluation in one or two sentences. ")
	sb.WriteString("If STATUS is NEEDS_REVISION or COULD_IMPROVE, end with: " + SuggestionToken + " '[your specific suggested revision]']\n\n")
	sb.WriteString("Status definitions:\n")
	sb.WriteString("- Use STATUS:GOOD when the outcome is appropriate for the level and needs no changes\n")
	sb.WriteString("- Use STATUS:NEEDS_REVISION when the outcome is at the wrong Bloom's level or has serious issues\n")
	sb.WriteString("- Use STATUS:COULD_IMPROVE when the outcome is acceptable but could be strengthened\n\n")
	fmt.Fprintf(&sb, "Learning Outcomes to evaluate for Level %d Unit called %s worth %d points:\n\n",
		req.Level, req.UnitName, req.CreditPoints)
	sb.WriteString(OutcomeBlock(req.Outcomes))
	sb.WriteString("\n\n")

	sb.WriteString(SummaryHeading + "\n\n")
	sb.WriteString("In one or two sentences, provide an overall evaluation of all Learning Outcomes, ")
	if r, ok := cfg.CountRange(req.CreditPoints); ok {
		fmt.Fprintf(&sb, "noting if the quantity is appropriate for a %d-point unit (should have %d to %d outcomes) ",
			req.CreditPoints, r.Min(), r.Max())
	} else {
		fmt.Fprintf(&sb, "noting if the quantity is appropriate for a %d-point unit ", req.CreditPoints)
	}
	sb.WriteString("and if they align with the expected Bloom's level.\n")

	out := sb.String()
	logging.PromptDebug("built prompt for %q level %d: %d outcomes, %d chars",
		req.UnitName, req.Level, len(QuoteOutcomes(req.Outcomes)), len(out))
	return out, nil
}

// QuoteOutcomes trims each outcome, drops blank ones and wraps the rest in
// single quotes unless they are already quoted.
func QuoteOutcomes(outcomes []string) []string {
	quoted := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if !(strings.HasPrefix(o, "'") && strings.HasSuffix(o, "'")) {
			o = "'" + o + "'"
		}
		quoted = append(quoted, o)
	}
	return quoted
}

// OutcomeBlock renders the quoted outcomes one per line, or the placeholder.
func OutcomeBlock(outcomes []string) string {
	quoted := QuoteOutcomes(outcomes)
	if len(quoted) == 0 {
		return NoOutcomesPlaceholder
	}
	return strings.Join(quoted, "\n")
}

// ValidateLevel reports transparency.ErrInvalidLevel for levels outside 1..6.
func ValidateLevel(level int) error {
	if level < rules.MinLevel || level > rules.MaxLevel {
		return fmt.Errorf("level %d: %w", level, transparency.ErrInvalidLevel)
	}
	return nil
}

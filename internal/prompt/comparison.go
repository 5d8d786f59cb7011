package prompt

import (
	"fmt"
	"strings"
)

// Pair is an original outcome and the rewrite suggested for it.
type Pair struct {
	Original  string
	Rewritten string
}

// BuildComparison renders one prompt asking the model to judge every pair,
// answering GOOD or BAD on its own line in pair order.
func BuildComparison(unitName string, level int, pairs []Pair) (string, error) {
	if err := ValidateLevel(level); err != nil {
		return "", fmt.Errorf("build comparison prompt: %w", err)
	}
	if len(pairs) == 0 {
		return "", fmt.Errorf("build comparison prompt: no pairs to compare")
	}

	var sb strings.Builder

	sb.WriteString("You are evaluating the quality of rewritten learning outcomes.\n\n")
	fmt.Fprintf(&sb, "Unit: %s\nLevel: %d\n\n", unitName, level)

	for i, p := range pairs {
		fmt.Fprintf(&sb, "PAIR %d\n", i+1)
		fmt.Fprintf(&sb, "ORIGINAL OUTCOME: \"%s\"\n", strings.TrimSpace(p.Original))
		fmt.Fprintf(&sb, "REWRITTEN OUTCOME: \"%s\"\n\n", strings.TrimSpace(p.Rewritten))
	}

	sb.WriteString("For each pair, evaluate if the REWRITTEN outcome is an improvement over the ORIGINAL by considering:\n")
	fmt.Fprintf(&sb, "1. Does it use more appropriate action verbs for Level %d?\n", level)
	sb.WriteString("2. Is it more specific and measurable?\n")
	sb.WriteString("3. Does it better align with Bloom's Taxonomy level requirements?\n")
	sb.WriteString("4. Is it clearer and more actionable?\n\n")

	fmt.Fprintf(&sb, "Respond with EXACTLY %d line(s), one per pair in order. ", len(pairs))
	sb.WriteString("Each line must be exactly one word: either \"GOOD\" if the rewrite is an improvement or maintains quality, ")
	sb.WriteString("or \"BAD\" if the rewrite is worse or introduces problems.\n\n")
	sb.WriteString("YOUR RESPONSE (one word per line only):")

	return sb.String(), nil
}

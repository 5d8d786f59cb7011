package verdict

import (
	"regexp"
	"strconv"
	"strings"

	"lobuilder/internal/logging"
)

// ComparisonVerdict judges whether a suggested rewrite improved an outcome.
type ComparisonVerdict string

const (
	Better       ComparisonVerdict = "GOOD"
	Worse        ComparisonVerdict = "BAD"
	Undetermined ComparisonVerdict = "UNKNOWN"
	Failed       ComparisonVerdict = "ERROR"
)

var (
	comparisonTokenRe = regexp.MustCompile(`\b(GOOD|BAD)\b`)
	pairNumberRe      = regexp.MustCompile(`^(?:PAIR\s*)?(\d+)\s*[.):\-]`)
)

// ParseComparison reads one GOOD/BAD token per answer line for n pairs.
// Lines without a token are skipped. A numbered line ("2. GOOD",
// "PAIR 2: BAD") fills that pair; otherwise lines fill pairs in order.
// Pairs left without an answer are Undetermined.
func ParseComparison(response string, n int) []ComparisonVerdict {
	out := make([]ComparisonVerdict, n)
	next := 0

	for _, raw := range strings.Split(response, "\n") {
		line := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, "**", "")))
		if line == "" {
			continue
		}
		m := comparisonTokenRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		pos := -1
		if num := pairNumberRe.FindStringSubmatch(line); num != nil {
			if k, err := strconv.Atoi(num[1]); err == nil && k >= 1 && k <= n && out[k-1] == "" {
				pos = k - 1
			}
		}
		if pos < 0 {
			for next < n && out[next] != "" {
				next++
			}
			if next >= n {
				break
			}
			pos = next
		}
		out[pos] = ComparisonVerdict(m[1])
	}

	missing := 0
	for i := range out {
		if out[i] == "" {
			out[i] = Undetermined
			missing++
		}
	}
	if missing > 0 {
		logging.ParserDebug("comparison response answered %d of %d pairs", n-missing, n)
	}
	return out
}

package rewritetest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"lobuilder/internal/verdict"
)

// Report is the result of one tester run.
type Report struct {
	RunID      string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
}

// Counts returns the number of units per label.
func (r *Report) Counts() map[Label]int {
	counts := make(map[Label]int)
	for _, res := range r.Results {
		counts[res.Label]++
	}
	return counts
}

// StatusKeys orders the keys of StatusCounts.
var StatusKeys = []string{
	string(verdict.Good), string(verdict.NeedsRevision), string(verdict.CouldImprove),
	string(verdict.Unknown), string(LabelError), string(LabelNoOutcome),
}

// StatusCounts returns the number of units per model verdict on the sampled
// outcome. Failed units count as ERROR and units without outcomes as NO_OUTCOME.
func (r *Report) StatusCounts() map[string]int {
	counts := make(map[string]int)
	for _, res := range r.Results {
		switch {
		case res.Label == LabelError, res.Label == LabelNoOutcome:
			counts[string(res.Label)]++
		case res.Status == "":
			counts[string(verdict.Unknown)]++
		default:
			counts[string(res.Status)]++
		}
	}
	return counts
}

// Revised returns the number of units that received a suggested rewrite.
func (r *Report) Revised() int {
	n := 0
	for _, res := range r.Results {
		if res.Rewritten != "" {
			n++
		}
	}
	return n
}

// SuccessRate is GOOD / (GOOD + BAD). ok is false when no rewrite was judged.
func (r *Report) SuccessRate() (rate float64, ok bool) {
	c := r.Counts()
	judged := c[LabelGood] + c[LabelBad]
	if judged == 0 {
		return 0, false
	}
	return float64(c[LabelGood]) / float64(judged), true
}

// ByLevel returns label counts per unit level.
func (r *Report) ByLevel() map[int]map[Label]int {
	out := make(map[int]map[Label]int)
	for _, res := range r.Results {
		if out[res.Level] == nil {
			out[res.Level] = make(map[Label]int)
		}
		out[res.Level][res.Label]++
	}
	return out
}

// Levels returns the levels present in the report, ascending.
func (r *Report) Levels() []int {
	var levels []int
	for l := range r.ByLevel() {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// Examples returns up to n results with the given label, in report order.
func (r *Report) Examples(label Label, n int) []Result {
	var out []Result
	for _, res := range r.Results {
		if len(out) == n {
			break
		}
		if res.Label == label {
			out = append(out, res)
		}
	}
	return out
}

var csvHeader = []string{"unitcode", "title", "level", "original_outcome", "rewritten_outcome", "status", "evaluation", "error", "processing_time"}

// WriteCSV writes one row per unit result.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, res := range r.Results {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		seconds := ""
		if res.Duration > 0 {
			seconds = strconv.FormatFloat(res.Duration.Seconds(), 'f', 3, 64)
		}
		row := []string{
			res.Code, res.Title, strconv.Itoa(res.Level), res.Original, res.Rewritten,
			string(res.Status), string(res.Label), errMsg, seconds,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the report to path.
func (r *Report) SaveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Summary renders the plain-text totals printed at the end of a run.
func (r *Report) Summary() string {
	var sb strings.Builder
	c := r.Counts()
	fmt.Fprintf(&sb, "Total units processed: %d\n", len(r.Results))
	fmt.Fprintf(&sb, "Outcomes needing revision: %d\n", r.Revised())
	fmt.Fprintf(&sb, "Already good outcomes: %d\n", c[LabelAlreadyGood])
	fmt.Fprintf(&sb, "Good rewrites: %d\n", c[LabelGood])
	fmt.Fprintf(&sb, "Bad rewrites: %d\n", c[LabelBad])
	fmt.Fprintf(&sb, "Unknown: %d\n", c[LabelUnknown])
	fmt.Fprintf(&sb, "Errors: %d\n", c[LabelError])
	fmt.Fprintf(&sb, "No outcome: %d\n", c[LabelNoOutcome])

	sc := r.StatusCounts()
	parts := make([]string, 0, len(StatusKeys))
	for _, k := range StatusKeys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, sc[k]))
	}
	fmt.Fprintf(&sb, "Verdicts: %s\n", strings.Join(parts, " "))
	if rate, ok := r.SuccessRate(); ok {
		fmt.Fprintf(&sb, "\nRewrite Success Rate: %.1f%%\n", rate*100)
	}

	levels := r.Levels()
	if len(levels) > 0 {
		sb.WriteString("\nResults by Level:\n")
		byLevel := r.ByLevel()
		for _, l := range levels {
			var parts []string
			for _, label := range Labels {
				if n := byLevel[l][label]; n > 0 {
					parts = append(parts, fmt.Sprintf("%s=%d", label, n))
				}
			}
			fmt.Fprintf(&sb, "  Level %d: %s\n", l, strings.Join(parts, " "))
		}
	}
	return sb.String()
}

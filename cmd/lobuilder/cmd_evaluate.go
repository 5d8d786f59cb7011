package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/prompt"
	"lobuilder/internal/verdict"
)

var (
	evalLevel        string
	evalUnitName     string
	evalCreditPoints string
	evalOutcomes     []string
	evalFile         string
	evalCompare      bool
	evalJSON         bool
	evalRaw          bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a unit's Learning Outcomes",
	Long: `Builds the evaluation prompt from the active rules, sends it to the
configured model, and prints one verdict per outcome.

Outcomes come from repeated --outcome flags or from --file (one per line,
"-" for stdin).`,
	Example: `  lobuilder evaluate --level 3 --unit "Data Structures" --credit-points 6 \
    --outcome "Explain how a hash table resolves collisions" \
    --outcome "Understand trees"`,
	RunE: runEvaluate,
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the evaluation prompt without calling the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readOutcomesInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		level, err := strconv.Atoi(strings.TrimSpace(evalLevel))
		if err != nil {
			return fmt.Errorf("level must be an integer: %q", evalLevel)
		}
		cp, err := strconv.Atoi(strings.TrimSpace(evalCreditPoints))
		if err != nil {
			return fmt.Errorf("credit points must be an integer: %q", evalCreditPoints)
		}
		p, err := prompt.Build(openRules().Get(), prompt.Request{
			Level:        level,
			UnitName:     evalUnitName,
			CreditPoints: cp,
			Outcomes:     evaluation.SplitOutcomes(text),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{evaluateCmd, promptCmd} {
		c.Flags().StringVarP(&evalLevel, "level", "l", "", "Unit level (1-6)")
		c.Flags().StringVarP(&evalUnitName, "unit", "u", "", "Unit name")
		c.Flags().StringVarP(&evalCreditPoints, "credit-points", "p", "6", "Credit points (6, 12 or 24)")
		c.Flags().StringArrayVarP(&evalOutcomes, "outcome", "o", nil, "Learning outcome (repeatable)")
		c.Flags().StringVarP(&evalFile, "file", "f", "", "Read outcomes from file, one per line (- for stdin)")
		_ = c.MarkFlagRequired("level")
	}
	evaluateCmd.Flags().BoolVar(&evalCompare, "compare", false, "Judge each suggested rewrite against its original")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the result as JSON")
	evaluateCmd.Flags().BoolVar(&evalRaw, "raw", false, "Also print the raw model response")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	text, err := readOutcomesInput(cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := openApp(appCfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var out *evaluation.Outcome
	if evalCompare {
		out = evaluateWithCompare(ctx, a, text)
	} else {
		out = a.orch.EvaluateText(ctx, evalLevel, evalUnitName, evalCreditPoints, text)
	}

	w := cmd.OutOrStdout()
	if evalJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomeJSON(out)); err != nil {
			return err
		}
	} else {
		printOutcome(w, out)
	}
	if out.Failed() {
		return fmt.Errorf("evaluation failed: %s", out.Message())
	}
	return nil
}

// evaluateWithCompare validates the text inputs the same way EvaluateText does
// and then asks for comparisons as well.
func evaluateWithCompare(ctx context.Context, a *app, text string) *evaluation.Outcome {
	level, lerr := strconv.Atoi(strings.TrimSpace(evalLevel))
	cp, cerr := strconv.Atoi(strings.TrimSpace(evalCreditPoints))
	if lerr != nil || cerr != nil {
		// Let EvaluateText produce the validation failure.
		return a.orch.EvaluateText(ctx, evalLevel, evalUnitName, evalCreditPoints, text)
	}
	return a.orch.Evaluate(ctx, evaluation.Request{
		Level:        level,
		UnitName:     evalUnitName,
		CreditPoints: cp,
		Outcomes:     evaluation.SplitOutcomes(text),
		Compare:      true,
	})
}

func readOutcomesInput(stdin io.Reader) (string, error) {
	lines := append([]string(nil), evalOutcomes...)
	switch evalFile {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading outcomes from stdin: %w", err)
		}
		lines = append(lines, string(b))
	default:
		b, err := os.ReadFile(evalFile)
		if err != nil {
			return "", fmt.Errorf("reading outcomes file: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

func printOutcome(w io.Writer, out *evaluation.Outcome) {
	if out.Failed() {
		fmt.Fprintln(w, errorStyle.Render("Error: ")+out.Message())
		printHints(w, out.Hints())
		return
	}

	header := fmt.Sprintf("Evaluation %s", out.ID)
	if out.Model != "" {
		header += " (" + out.Model + ")"
	}
	fmt.Fprintln(w, titleStyle.Render(header))

	if out.Result.Empty() {
		fmt.Fprintln(w, out.Message())
		printHints(w, out.Hints())
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderMarkdown(w, out.Raw))
		return
	}

	comparisons := map[int]evaluation.Comparison{}
	for _, c := range out.Comparisons {
		comparisons[c.Index] = c
	}

	for _, v := range out.Verdicts() {
		label := fmt.Sprintf("%d.", v.Index)
		if !v.Matched {
			label = "?."
		}
		fmt.Fprintf(w, "%s %s %s\n", label, badge(v.DisplayStatus()), v.Quoted)
		if v.Feedback != "" {
			fmt.Fprintln(w, outcomeStyle.Render(v.Feedback))
		}
		if v.HasSuggestion() {
			fmt.Fprintln(w, outcomeStyle.Render("Suggestion: "+v.Suggestion))
			if c, ok := comparisons[v.Index]; ok {
				fmt.Fprintln(w, detailStyle.Render("Rewrite judged: "+string(c.Verdict)))
			}
		}
	}

	if out.Result.Summary != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Summary"))
		fmt.Fprintln(w, out.Result.Summary)
	}

	counts := out.Result.Counts()
	fmt.Fprintln(w)
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("GOOD=%d NEEDS_REVISION=%d COULD_IMPROVE=%d UNKNOWN=%d  (%v)",
		counts[verdict.Good], counts[verdict.NeedsRevision], counts[verdict.CouldImprove],
		counts[verdict.Unknown], out.Duration.Round(1e6))))

	if evalRaw {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderMarkdown(w, out.Raw))
	}
}

func printHints(w io.Writer, hints []string) {
	for _, h := range hints {
		fmt.Fprintln(w, mutedStyle.Render("  hint: "+h))
	}
}

type outcomeVerdictJSON struct {
	Index         int    `json:"index"`
	Matched       bool   `json:"matched"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status"`
	DisplayStatus string `json:"display_status"`
	Feedback      string `json:"feedback,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
	RewriteJudged string `json:"rewrite_judged,omitempty"`
}

type outcomeOutputJSON struct {
	ID       string               `json:"id"`
	OK       bool                 `json:"ok"`
	State    string               `json:"state"`
	Model    string               `json:"model,omitempty"`
	Message  string               `json:"message,omitempty"`
	Hints    []string             `json:"hints,omitempty"`
	Verdicts []outcomeVerdictJSON `json:"verdicts"`
	Summary  string               `json:"summary,omitempty"`
	Raw      string               `json:"raw,omitempty"`
}

func outcomeJSON(out *evaluation.Outcome) outcomeOutputJSON {
	o := outcomeOutputJSON{
		ID:       out.ID,
		OK:       !out.Failed(),
		State:    string(out.State),
		Model:    out.Model,
		Message:  out.Message(),
		Hints:    out.Hints(),
		Verdicts: []outcomeVerdictJSON{},
		Summary:  out.Result.Summary,
	}
	comparisons := map[int]evaluation.Comparison{}
	for _, c := range out.Comparisons {
		comparisons[c.Index] = c
	}
	for _, v := range out.Verdicts() {
		vj := outcomeVerdictJSON{
			Index:         v.Index,
			Matched:       v.Matched,
			Outcome:       v.Quoted,
			Status:        string(v.Status),
			DisplayStatus: string(v.DisplayStatus()),
			Feedback:      v.Feedback,
			Suggestion:    v.Suggestion,
		}
		if c, ok := comparisons[v.Index]; ok && v.HasSuggestion() {
			vj.RewriteJudged = string(c.Verdict)
		}
		o.Verdicts = append(o.Verdicts, vj)
	}
	if evalRaw || out.Result.Empty() {
		o.Raw = out.Raw
	}
	return o
}

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/logging"
	"lobuilder/internal/rewritetest"
)

var (
	testerFraction     float64
	testerSeed         uint64
	testerCreditPoints int
	testerDelay        time.Duration
	testerConcurrency  int
	testerOutput       string
	testerExamples     int
	testerQuiet        bool
)

var rewriteTestCmd = &cobra.Command{
	Use:   "rewrite-test <units.csv>",
	Short: "Measure how often suggested rewrites improve on the original outcome",
	Long: `Samples units from a CSV export (columns code, title, level, Outcomes),
evaluates the first outcome of each, and when the model proposes a rewrite
asks a second time whether the rewrite is better.

Each unit is labelled ALREADY_GOOD, GOOD, BAD, UNKNOWN, ERROR or NO_OUTCOME.
Results are written to a CSV file and recorded in the history store.`,
	Args: cobra.ExactArgs(1),
	RunE: runRewriteTest,
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List rewrite-test runs, or show the results of one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent evaluations",
	RunE:  runHistory,
}

func init() {
	rewriteTestCmd.Flags().Float64Var(&testerFraction, "fraction", -1, "Fraction of units to sample (default tester.sample_fraction)")
	rewriteTestCmd.Flags().Uint64Var(&testerSeed, "seed", 0, "Sampling seed (default tester.seed)")
	rewriteTestCmd.Flags().IntVar(&testerCreditPoints, "credit-points", 0, "Credit points sent with every unit (default tester.credit_points)")
	rewriteTestCmd.Flags().DurationVar(&testerDelay, "delay", -1, "Pause per model call (default tester.request_delay)")
	rewriteTestCmd.Flags().IntVar(&testerConcurrency, "concurrency", 0, "Units evaluated in parallel (default tester.concurrency)")
	rewriteTestCmd.Flags().StringVarP(&testerOutput, "output", "o", "", "Results CSV (default rewrite_test_results_<timestamp>.csv)")
	rewriteTestCmd.Flags().IntVar(&testerExamples, "examples", 3, "Example rewrites printed per label")
	rewriteTestCmd.Flags().BoolVarP(&testerQuiet, "quiet", "q", false, "Do not print per-unit progress")

	runsCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows")
}

func runRewriteTest(cmd *cobra.Command, args []string) error {
	units, err := rewritetest.LoadUnits(args[0])
	if err != nil {
		return err
	}

	tc := appCfg.Tester
	fraction := tc.SampleFraction
	if cmd.Flags().Changed("fraction") {
		fraction = testerFraction
	}
	seed := tc.Seed
	if cmd.Flags().Changed("seed") {
		seed = testerSeed
	}
	cp := tc.CreditPoints
	if testerCreditPoints > 0 {
		cp = testerCreditPoints
	}
	delay := appCfg.GetRequestDelay()
	if cmd.Flags().Changed("delay") {
		delay = testerDelay
	}
	concurrency := tc.Concurrency
	if testerConcurrency > 0 {
		concurrency = testerConcurrency
	}

	a, err := openApp(appCfg, evaluation.WithRetry(evaluation.RetryPolicy{
		MaxAttempts: tc.MaxAttempts,
		Backoff:     appCfg.GetRetryDelay(),
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []rewritetest.Option{
		rewritetest.WithSource(filepath.Base(args[0])),
		rewritetest.WithModel(a.rules.Get().SelectedModel),
		rewritetest.WithSample(fraction, seed),
		rewritetest.WithCreditPoints(cp),
		rewritetest.WithRequestDelay(delay),
		rewritetest.WithConcurrency(concurrency),
	}
	if a.history != nil {
		opts = append(opts, rewritetest.WithSink(a.history))
	}
	errOut := cmd.ErrOrStderr()
	if !testerQuiet {
		opts = append(opts, rewritetest.WithProgress(func(done, total int, r rewritetest.Result) {
			fmt.Fprintf(errOut, "[%d/%d] %s %s\n", done, total, r.Code, r.Label)
		}))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := rewritetest.New(a.orch, opts...).Run(ctx, units)
	if runErr != nil && !errors.Is(runErr, ctx.Err()) {
		return runErr
	}

	out := testerOutput
	if out == "" {
		out = fmt.Sprintf("rewrite_test_results_%s.csv", report.StartedAt.Format("20060102_150405"))
	}
	if err := report.SaveCSV(out); err != nil {
		return fmt.Errorf("saving results: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, titleStyle.Render("Rewrite test "+report.RunID))
	fmt.Fprint(w, report.Summary())
	printExamples(cmd, report)
	fmt.Fprintf(w, "\nResults saved to %s\n", out)
	logging.Tester("run %s saved to %s", report.RunID, out)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	return nil
}

func printExamples(cmd *cobra.Command, report *rewritetest.Report) {
	if testerExamples <= 0 {
		return
	}
	w := cmd.OutOrStdout()
	for _, label := range []rewritetest.Label{rewritetest.LabelGood, rewritetest.LabelBad} {
		examples := report.Examples(label, testerExamples)
		if len(examples) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nExample %s rewrites:\n", label)
		for _, r := range examples {
			fmt.Fprintf(w, "  %s (level %d)\n", r.Code, r.Level)
			fmt.Fprintln(w, detailStyle.Render("Original:  "+r.Original))
			fmt.Fprintln(w, detailStyle.Render("Rewritten: "+r.Rewritten))
		}
	}
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := openApp(appCfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.history == nil {
		return errors.New("history store is disabled")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if len(args) == 1 {
		results, err := a.history.RunResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "CODE\tLEVEL\tSTATUS\tEVALUATION\tMS\tERROR")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", r.Code, r.Level, r.Status, r.Evaluation, r.DurationMs, r.Error)
		}
		return nil
	}

	runs, err := a.history.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tSOURCE\tMODEL\tUNITS\tSUCCESS\tSTARTED")
	for _, r := range runs {
		rate := "-"
		if r.Counts[string(rewritetest.LabelGood)]+r.Counts[string(rewritetest.LabelBad)] > 0 {
			rate = strconv.FormatFloat(r.SuccessRate*100, 'f', 1, 64) + "%"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Source, r.Model, r.Units, rate,
			r.StartedAt.Local().Format(time.DateTime))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(appCfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.history == nil {
		return errors.New("history store is disabled")
	}

	recs, err := a.history.ListEvaluations(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tUNIT\tLEVEL\tCP\tSTATE\tGOOD\tREVISE\tIMPROVE\tUNKNOWN\tWHEN")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n", r.ID, r.UnitName, r.Level, r.CreditPoints,
			r.State, r.Good, r.NeedsRevision, r.CouldImprove, r.Unknown, r.CreatedAt.Local().Format(time.DateTime))
	}
	return nil
}

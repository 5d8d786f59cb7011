package rewritetest

import (
	"context"
	"sync"
	"time"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/logging"
	"lobuilder/internal/store"
	"lobuilder/internal/verdict"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Label is the tester's verdict on one unit.
type Label string

const (
	LabelAlreadyGood Label = "ALREADY_GOOD"
	LabelGood        Label = "GOOD"
	LabelBad         Label = "BAD"
	LabelUnknown     Label = "UNKNOWN"
	LabelError       Label = "ERROR"
	LabelNoOutcome   Label = "NO_OUTCOME"
)

// Labels lists every label in report order.
var Labels = []Label{LabelAlreadyGood, LabelGood, LabelBad, LabelUnknown, LabelError, LabelNoOutcome}

// Defaults used when an option is left unset.
const (
	DefaultSampleFraction = 0.2
	DefaultSeed           = 42
	DefaultCreditPoints   = 6
	DefaultRequestDelay   = 2 * time.Second
	DefaultConcurrency    = 1
)

// Evaluator runs one evaluation. *evaluation.Orchestrator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req evaluation.Request) *evaluation.Outcome
}

// Sink persists runs and unit results. *store.Store satisfies it.
type Sink interface {
	SaveRun(ctx context.Context, run store.Run) error
	SaveUnitResult(ctx context.Context, res store.UnitResult) error
}

// Result is the outcome of testing one unit.
type Result struct {
	Code      string
	Title     string
	Level     int
	Original  string
	Rewritten string
	Status    verdict.Status
	Label     Label
	Err       error
	Duration  time.Duration
}

// Tester runs sampled units through evaluation and comparison.
type Tester struct {
	eval         Evaluator
	sink         Sink
	source       string
	model        string
	fraction     float64
	seed         uint64
	creditPoints int
	delay        time.Duration
	concurrency  int
	progress     func(done, total int, r Result)
}

// Option configures a Tester.
type Option func(*Tester)

// WithSink records the run and every unit result.
func WithSink(s Sink) Option { return func(t *Tester) { t.sink = s } }

// WithSource names the input for reports and the run record.
func WithSource(name string) Option { return func(t *Tester) { t.source = name } }

// WithModel records the model the run used.
func WithModel(name string) Option { return func(t *Tester) { t.model = name } }

// WithSample sets the sampled fraction and the sampling seed.
func WithSample(fraction float64, seed uint64) Option {
	return func(t *Tester) {
		t.fraction = fraction
		t.seed = seed
	}
}

// WithCreditPoints sets the weight sent for every unit; the CSV has none.
func WithCreditPoints(cp int) Option { return func(t *Tester) { t.creditPoints = cp } }

// WithRequestDelay sets the pause a worker takes after each model call.
func WithRequestDelay(d time.Duration) Option { return func(t *Tester) { t.delay = d } }

// WithConcurrency bounds the number of units in flight.
func WithConcurrency(n int) Option { return func(t *Tester) { t.concurrency = n } }

// WithProgress is called after every unit completes.
func WithProgress(fn func(done, total int, r Result)) Option {
	return func(t *Tester) { t.progress = fn }
}

// New creates a tester.
func New(eval Evaluator, opts ...Option) *Tester {
	t := &Tester{
		eval:         eval,
		fraction:     DefaultSampleFraction,
		seed:         DefaultSeed,
		creditPoints: DefaultCreditPoints,
		delay:        DefaultRequestDelay,
		concurrency:  DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.concurrency < 1 {
		t.concurrency = 1
	}
	return t
}

// Run samples units and tests each one. Cancelling ctx stops scheduling new
// units; the report holds the units that finished, and ctx.Err() is returned.
func (t *Tester) Run(ctx context.Context, units []Unit) (*Report, error) {
	sample := Sample(units, t.fraction, t.seed)
	report := &Report{
		RunID:     uuid.NewString(),
		Source:    t.source,
		StartedAt: time.Now(),
	}

	logging.Tester("run %s: %d units with outcomes sampled to %d (fraction %.2f, seed %d)",
		report.RunID, countWithOutcomes(units), len(sample), t.fraction, t.seed)
	logging.Tester("run %s: estimated %d model calls", report.RunID, len(sample)*2)
	t.saveRun(ctx, report)

	results := make([]*Result, len(sample))
	var (
		mu   sync.Mutex
		done int
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, u := range sample {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			r := t.processUnit(gCtx, u)
			results[i] = &r
			t.saveResult(ctx, report.RunID, r)

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			t.reportProgress(report, n, len(sample), r)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, *r)
		}
	}
	report.FinishedAt = time.Now()
	t.saveRun(ctx, report)

	rate, _ := report.SuccessRate()
	errMsg := ""
	if err := ctx.Err(); err != nil {
		errMsg = err.Error()
		logging.TesterWarn("run %s interrupted after %d of %d units", report.RunID, len(report.Results), len(sample))
	}
	logging.AuditWithRequest(report.RunID).TesterRun(t.source, len(report.Results), rate,
		report.FinishedAt.Sub(report.StartedAt).Milliseconds(), errMsg)
	return report, ctx.Err()
}

// processUnit tests the first outcome of u.
func (t *Tester) processUnit(ctx context.Context, u Unit) Result {
	start := time.Now()
	r := Result{Code: u.Code, Title: u.Title, Level: u.Level, Original: u.FirstOutcome()}

	if r.Original == "" {
		logging.TesterWarn("no valid outcome found for %s", u.Code)
		r.Label = LabelNoOutcome
		t.auditUnit(r)
		return r
	}

	out := t.eval.Evaluate(ctx, evaluation.Request{
		Level:        u.Level,
		UnitName:     u.Title,
		CreditPoints: t.creditPoints,
		Outcomes:     []string{r.Original},
		Compare:      true,
	})
	r.Label, r.Status, r.Rewritten = classify(out)
	r.Err = out.Err
	r.Duration = time.Since(start)

	calls := 1
	if len(out.Comparisons) > 0 {
		calls = 2
	}
	t.pause(ctx, calls)

	t.auditUnit(r)
	return r
}

// classify labels a unit from its evaluation.
func classify(out *evaluation.Outcome) (Label, verdict.Status, string) {
	status := verdict.Unknown
	if vs := out.Verdicts(); len(vs) > 0 {
		status = vs[0].Status
	}
	if len(out.Comparisons) > 0 {
		c := out.Comparisons[0]
		switch c.Verdict {
		case verdict.Better:
			return LabelGood, status, c.Rewritten
		case verdict.Worse:
			return LabelBad, status, c.Rewritten
		case verdict.Failed:
			return LabelError, status, c.Rewritten
		default:
			return LabelUnknown, status, c.Rewritten
		}
	}
	switch {
	case out.Failed():
		return LabelError, status, ""
	case out.Result.Empty():
		return LabelUnknown, status, ""
	}
	return LabelAlreadyGood, status, ""
}

func (t *Tester) pause(ctx context.Context, calls int) {
	if t.delay <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(calls) * t.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (t *Tester) reportProgress(report *Report, done, total int, r Result) {
	logging.Tester("processed %d/%d: %s - %s => %s", done, total, r.Code, r.Title, r.Label)
	if done%10 == 0 && done < total {
		avg := time.Since(report.StartedAt) / time.Duration(done)
		logging.Tester("progress %d/%d, ETA %v", done, total, (avg * time.Duration(total-done)).Round(time.Second))
	}
	if t.progress != nil {
		t.progress(done, total, r)
	}
}

func (t *Tester) auditUnit(r Result) {
	errMsg := ""
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	logging.Audit().TesterUnit(r.Code, string(r.Label), r.Duration.Milliseconds(), errMsg)
}

// StatusCountPrefix marks StatusCounts entries in a stored run's counts, which
// otherwise hold label counts.
const StatusCountPrefix = "status:"

func (t *Tester) saveRun(ctx context.Context, report *Report) {
	if t.sink == nil {
		return
	}
	rate, _ := report.SuccessRate()
	counts := make(map[string]int)
	for label, n := range report.Counts() {
		counts[string(label)] = n
	}
	for status, n := range report.StatusCounts() {
		counts[StatusCountPrefix+status] = n
	}
	run := store.Run{
		ID:             report.RunID,
		Source:         report.Source,
		Model:          t.model,
		SampleFraction: t.fraction,
		Seed:           int64(t.seed),
		Units:          len(report.Results),
		Counts:         counts,
		SuccessRate:    rate,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
	}
	if err := t.sink.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logging.TesterWarn("failed to save run %s: %v", report.RunID, err)
	}
}

func (t *Tester) saveResult(ctx context.Context, runID string, r Result) {
	if t.sink == nil {
		return
	}
	errMsg := ""
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	res := store.UnitResult{
		RunID:      runID,
		Code:       r.Code,
		Title:      r.Title,
		Level:      r.Level,
		Original:   r.Original,
		Rewritten:  r.Rewritten,
		Status:     string(r.Status),
		Evaluation: string(r.Label),
		Error:      errMsg,
		DurationMs: r.Duration.Milliseconds(),
	}
	if err := t.sink.SaveUnitResult(context.WithoutCancel(ctx), res); err != nil {
		logging.TesterWarn("failed to save result %s/%s: %v", runID, r.Code, err)
	}
}

func countWithOutcomes(units []Unit) int {
	n := 0
	for _, u := range units {
		if u.Outcomes != "" {
			n++
		}
	}
	return n
}

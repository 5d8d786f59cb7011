// Package evaluation drives one unit's outcomes through the pipeline:
// prompt, generation, parsing and, for the rewrite tester, a second-pass
// comparison of every suggested rewrite.
//
// Failures never escape as raw errors. Each call returns an Outcome whose
// State is DONE or ERROR; Outcome.Message gives the text to show a user.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lobuilder/internal/llm"
	"lobuilder/internal/logging"
	"lobuilder/internal/prompt"
	"lobuilder/internal/rules"
	"lobuilder/internal/store"
	"lobuilder/internal/transparency"
	"lobuilder/internal/verdict"

	"github.com/google/uuid"
)

// State is a step of an evaluation.
type State string

const (
	StateBuilt    State = "BUILT"
	StateSent     State = "SENT"
	StateParsed   State = "PARSED"
	StateCompared State = "COMPARED"
	StateDone     State = "DONE"
	StateError    State = "ERROR"
)

// NoStructureMessage is shown when the response had no per-outcome verdicts.
const NoStructureMessage = transparency.NoStructureMessage

// RuleSource supplies the current rule document.
type RuleSource interface {
	Get() *rules.EvaluationConfig
}

// Recorder persists finished evaluations.
type Recorder interface {
	RecordEvaluation(ctx context.Context, rec store.EvaluationRecord) error
}

// Request is one unit to evaluate.
type Request struct {
	Level        int
	UnitName     string
	CreditPoints int
	Outcomes     []string

	// Compare asks for the second-pass judgement of every suggested rewrite.
	Compare bool
}

// Comparison is the judgement of one suggested rewrite.
type Comparison struct {
	Index     int
	Original  string
	Rewritten string
	Verdict   verdict.ComparisonVerdict
}

// Outcome is the result of one evaluation.
type Outcome struct {
	ID          string
	Request     Request
	State       State
	Trail       []State
	Model       string
	Prompt      string
	Raw         string
	Result      verdict.Result
	Comparisons []Comparison
	Err         error
	Duration    time.Duration
}

// Verdicts returns the parsed per-outcome verdicts.
func (o *Outcome) Verdicts() []verdict.Verdict {
	return o.Result.Verdicts
}

// Message is the user-facing text for a failed or structureless evaluation,
// and empty for a successful one.
func (o *Outcome) Message() string {
	if c := o.problem(); c != nil {
		return c.UserMessage()
	}
	return ""
}

// Hints lists recovery steps for a failed or unstructured evaluation.
func (o *Outcome) Hints() []string {
	if c := o.problem(); c != nil {
		return transparency.GetRecoveryGuide(c.Category)
	}
	return nil
}

// problem classifies what went wrong, if anything. A finished evaluation with
// no verdicts counts as a parse problem without being a failure.
func (o *Outcome) problem() *transparency.ClassifiedError {
	if o.Err != nil {
		return transparency.Classify(o.Err)
	}
	if o.State == StateDone && o.Result.Empty() {
		return transparency.Classify(transparency.ErrUnstructuredResponse)
	}
	return nil
}

// Failed reports whether the evaluation ended in ERROR.
func (o *Outcome) Failed() bool {
	return o.State == StateError
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

func (o *Outcome) fail(err error) {
	o.Err = err
	o.advance(StateError)
}

// Orchestrator evaluates units against the live rule document.
type Orchestrator struct {
	rules     RuleSource
	client    llm.Client
	apiKeyEnv string
	recorder  Recorder
	retry     RetryPolicy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAPIKeyEnv names the environment variable read for the "environ" key.
func WithAPIKeyEnv(name string) Option {
	return func(o *Orchestrator) { o.apiKeyEnv = name }
}

// WithRecorder persists every finished evaluation.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRetry retries failed generation calls. Interactive use has no retries.
func WithRetry(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// New creates an orchestrator.
func New(source RuleSource, client llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rules:     source,
		client:    client,
		apiKeyEnv: rules.DefaultAPIKeyEnv,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EvaluateText is the caller-facing entry point: level and credit points
// arrive as text and outcomes as one newline-separated block.
func (o *Orchestrator) EvaluateText(ctx context.Context, level, unitName, creditPoints, outcomesText string) *Outcome {
	lvl, errL := strconv.Atoi(strings.TrimSpace(level))
	cp, errC := strconv.Atoi(strings.TrimSpace(creditPoints))
	if errL != nil || errC != nil {
		out := &Outcome{
			ID:      uuid.NewString(),
			Request: Request{UnitName: unitName, Outcomes: SplitOutcomes(outcomesText)},
		}
		out.fail(fmt.Errorf("level %q, credit points %q: %w", level, creditPoints, transparency.ErrNonIntegerInput))
		o.finish(ctx, out, time.Now())
		return out
	}
	return o.Evaluate(ctx, Request{
		Level:        lvl,
		UnitName:     unitName,
		CreditPoints: cp,
		Outcomes:     SplitOutcomes(outcomesText),
	})
}

// Evaluate runs one unit through the pipeline.
func (o *Orchestrator) Evaluate(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	out := &Outcome{ID: uuid.NewString(), Request: req}
	defer o.finish(ctx, out, start)

	cfg := o.rules.Get()
	out.Model = cfg.SelectedModel
	outcomes := Candidates(req.Outcomes)

	text, err := prompt.Build(cfg, prompt.Request{
		Level:        req.Level,
		UnitName:     req.UnitName,
		CreditPoints: req.CreditPoints,
		Outcomes:     req.Outcomes,
	})
	if err != nil {
		out.fail(err)
		return out
	}
	out.Prompt = text
	out.advance(StateBuilt)

	key, err := cfg.ResolveAPIKey(o.apiKeyEnv)
	if err != nil {
		out.fail(err)
		return out
	}

	client := o.client
	if tc, ok := client.(*llm.TracingClient); ok {
		client = tc.WithRequestID(out.ID)
	}

	raw, err := o.generate(ctx, client, llm.Request{Prompt: text, Model: cfg.SelectedModel, APIKey: key})
	if err != nil {
		out.fail(err)
		return out
	}
	out.Raw = raw
	out.advance(StateSent)

	out.Result = verdict.Parse(raw, outcomes)
	out.advance(StateParsed)
	if out.Result.Empty() {
		logging.Get(logging.CategoryEvaluation).Warn("evaluation %s: response had no structured verdicts", out.ID)
	}

	if req.Compare {
		if err := o.compare(ctx, client, out, outcomes, cfg.SelectedModel, key); err != nil {
			out.fail(err)
			return out
		}
	}

	out.advance(StateDone)
	return out
}

// compare judges every suggested rewrite in one batched call.
func (o *Orchestrator) compare(ctx context.Context, client llm.Client, out *Outcome, outcomes []string, model, key string) error {
	var pairs []prompt.Pair
	for _, v := range out.Result.Verdicts {
		if !v.HasSuggestion() {
			continue
		}
		original := v.Quoted
		if v.Matched && v.Index >= 1 && v.Index <= len(outcomes) {
			original = outcomes[v.Index-1]
		}
		pairs = append(pairs, prompt.Pair{Original: original, Rewritten: v.Suggestion})
		out.Comparisons = append(out.Comparisons, Comparison{Index: v.Index, Original: original, Rewritten: v.Suggestion})
	}
	if len(pairs) == 0 {
		out.advance(StateCompared)
		return nil
	}

	text, err := prompt.BuildComparison(out.Request.UnitName, out.Request.Level, pairs)
	if err != nil {
		return err
	}
	raw, err := o.generate(ctx, client, llm.Request{Prompt: text, Model: model, APIKey: key})
	if err != nil {
		for i := range out.Comparisons {
			out.Comparisons[i].Verdict = verdict.Failed
		}
		return err
	}

	for i, cv := range verdict.ParseComparison(raw, len(pairs)) {
		out.Comparisons[i].Verdict = cv
	}
	out.advance(StateCompared)
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, client llm.Client, req llm.Request) (string, error) {
	var lastErr error
	attempts := o.retry.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := client.Generate(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}
		logging.Get(logging.CategoryEvaluation).Warn("generation attempt %d/%d failed: %v; retrying in %v", attempt, attempts, err, o.retry.Backoff)
		if err := o.retry.wait(ctx); err != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}

// retryable reports whether err is a service failure worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return transparency.Classify(err).Category == transparency.ErrorCategoryService
}

func (o *Orchestrator) finish(ctx context.Context, out *Outcome, start time.Time) {
	out.Duration = time.Since(start)

	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
		logging.Get(logging.CategoryEvaluation).Warn("evaluation %s of %q failed after %v: %v",
			out.ID, out.Request.UnitName, out.Trail, out.Err)
	} else {
		logging.Evaluation("evaluation %s of %q done: %d verdicts in %v",
			out.ID, out.Request.UnitName, len(out.Result.Verdicts), out.Duration)
	}
	logging.AuditWithRequest(out.ID).EvaluationDone(out.Request.UnitName, string(out.State),
		len(out.Result.Verdicts), out.Duration.Milliseconds(), errMsg)

	if o.recorder == nil {
		return
	}
	counts := out.Result.Counts()
	rec := store.EvaluationRecord{
		ID:            out.ID,
		UnitName:      out.Request.UnitName,
		Level:         out.Request.Level,
		CreditPoints:  out.Request.CreditPoints,
		Model:         out.Model,
		State:         string(out.State),
		Verdicts:      len(out.Result.Verdicts),
		Good:          counts[verdict.Good],
		NeedsRevision: counts[verdict.NeedsRevision],
		CouldImprove:  counts[verdict.CouldImprove],
		Unknown:       counts[verdict.Unknown],
		Summary:       out.Result.Summary,
		Error:         errMsg,
		DurationMs:    out.Duration.Milliseconds(),
	}
	if err := o.recorder.RecordEvaluation(context.WithoutCancel(ctx), rec); err != nil {
		logging.Get(logging.CategoryEvaluation).Error("failed to record evaluation %s: %v", out.ID, err)
	}
}

// SplitOutcomes splits a newline-separated outcome block into lines.
func SplitOutcomes(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Candidates returns the non-blank outcomes, trimmed, in order. Verdict
// indices are positions in this list.
func Candidates(outcomes []string) []string {
	var out []string
	for _, o := range outcomes {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lobuilder/internal/llm"
	"lobuilder/internal/rules"
	"lobuilder/internal/store"
	"lobuilder/internal/transparency"
	"lobuilder/internal/verdict"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evalResponse = `**LO Analysis**

'create computer algorithms for novel problems' - STATUS:NEEDS_REVISION - Too high for Level 3. SUGGESTION: 'implement computer algorithms to solve defined problems'

'analyse the correctness and complexity of algorithms' - STATUS:GOOD - Appropriate.

**SUMMARY**

Two outcomes is below the 3-5 range for a 6-point unit.
`

func testRules(t *testing.T) *rules.Store {
	t.Helper()
	cfg := rules.Default()
	cfg.APIKey = "test-key"
	return rules.NewStore(cfg)
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []store.EvaluationRecord
}

func (f *fakeRecorder) RecordEvaluation(_ context.Context, rec store.EvaluationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func TestEvaluate_Success(t *testing.T) {
	var got llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		got = req
		return evalResponse, nil
	})
	rec := &fakeRecorder{}
	o := New(testRules(t), client, WithRecorder(rec))

	out := o.Evaluate(context.Background(), Request{
		Level:        3,
		UnitName:     "Algorithms",
		CreditPoints: 6,
		Outcomes:     []string{"create computer algorithms for novel problems", "", "analyse the correctness and complexity of algorithms"},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, []State{StateBuilt, StateSent, StateParsed, StateDone}, out.Trail)
	assert.Empty(t, out.Message())
	assert.NotEmpty(t, out.ID)

	assert.Equal(t, "test-key", got.APIKey)
	assert.Equal(t, "gemini-2.5-flash", got.Model)
	assert.Equal(t, out.Prompt, got.Prompt)
	assert.Contains(t, got.Prompt, "Algorithms")

	require.Len(t, out.Verdicts(), 2)
	assert.Equal(t, verdict.NeedsRevision, out.Verdicts()[0].Status)
	assert.Equal(t, 2, out.Verdicts()[1].Index)
	assert.Contains(t, out.Result.Summary, "3-5 range")

	require.Len(t, rec.recs, 1)
	assert.Equal(t, out.ID, rec.recs[0].ID)
	assert.Equal(t, "DONE", rec.recs[0].State)
	assert.Equal(t, 1, rec.recs[0].Good)
	assert.Equal(t, 1, rec.recs[0].NeedsRevision)
}

func TestEvaluate_TracingClientCountsEveryCall(t *testing.T) {
	tc := llm.NewTracingClient(llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "REWRITTEN OUTCOME") {
			return "1. GOOD", nil
		}
		return evalResponse, nil
	}))
	o := New(testRules(t), tc)

	out := o.Evaluate(context.Background(), Request{
		Level:        3,
		UnitName:     "Algorithms",
		CreditPoints: 6,
		Outcomes:     []string{"create computer algorithms for novel problems"},
		Compare:      true,
	})

	require.Equal(t, StateDone, out.State)
	stats := tc.Stats()
	assert.Equal(t, 2, stats.Calls, "generation and comparison both reach the shared counters")
	assert.Zero(t, stats.Failures)
}

func TestEvaluate_InvalidLevelMakesNoCall(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return "", nil
	})
	o := New(testRules(t), client)

	for _, level := range []int{0, 7, -1} {
		out := o.Evaluate(context.Background(), Request{Level: level, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})
		assert.Equal(t, StateError, out.State)
		assert.ErrorIs(t, out.Err, transparency.ErrInvalidLevel)
		assert.Equal(t, "ERROR: Level must be an integer 1-6.", out.Message())
	}
	assert.Zero(t, calls)
}

func TestEvaluate_MissingCredentialMakesNoCall(t *testing.T) {
	t.Setenv("LOBUILDER_TEST_KEY", "")
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return "", nil
	})
	cfg := rules.Default()
	cfg.APIKey = rules.EnvironSentinel
	o := New(rules.NewStore(cfg), client, WithAPIKeyEnv("LOBUILDER_TEST_KEY"))

	out := o.Evaluate(context.Background(), Request{Level: 2, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	assert.Zero(t, calls)
	assert.ErrorIs(t, out.Err, transparency.ErrMissingCredential)
	assert.Equal(t, []State{StateBuilt, StateError}, out.Trail)
	assert.Contains(t, out.Message(), "Missing API key")
}

func TestEvaluate_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("LOBUILDER_TEST_KEY", "env-key")
	var key string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		key = req.APIKey
		return evalResponse, nil
	})
	cfg := rules.Default()
	cfg.APIKey = rules.EnvironSentinel
	o := New(rules.NewStore(cfg), client, WithAPIKeyEnv("LOBUILDER_TEST_KEY"))

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})
	require.NoError(t, out.Err)
	assert.Equal(t, "env-key", key)
}

func TestEvaluate_ServiceErrorMessage(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "", &transparency.ServiceError{Provider: "genai", Model: "m", Err: errors.New("429 quota exhausted")}
	})
	o := New(testRules(t), client)

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	assert.True(t, out.Failed())
	assert.True(t, strings.HasPrefix(out.Message(), "ERROR during generation:"))
	assert.True(t, strings.HasSuffix(out.Message(), "Try again in 1 minute."))
	assert.Equal(t, transparency.GetRecoveryGuide(transparency.ErrorCategoryService), out.Hints())
}

func TestEvaluate_UnstructuredResponse(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "Sorry, I can't help with that.", nil
	})
	o := New(testRules(t), client)

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.Result.Empty())
	assert.Equal(t, NoStructureMessage, out.Message())
	assert.Equal(t, transparency.GetRecoveryGuide(transparency.ErrorCategoryParse), out.Hints())
	assert.False(t, out.Failed())
	assert.Equal(t, "Sorry, I can't help with that.", out.Raw)
}

func TestEvaluate_ReadsLiveRules(t *testing.T) {
	var models []string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		models = append(models, req.Model)
		return evalResponse, nil
	})
	rs := testRules(t)
	o := New(rs, client)
	req := Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}}

	o.Evaluate(context.Background(), req)
	require.NoError(t, rs.Replace("selected_model", "gemini-2.5-pro"))
	o.Evaluate(context.Background(), req)

	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro"}, models)
}

func TestEvaluate_Compare(t *testing.T) {
	var prompts []string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		prompts = append(prompts, req.Prompt)
		if len(prompts) == 1 {
			return evalResponse, nil
		}
		return "1. GOOD", nil
	})
	o := New(testRules(t), client)

	out := o.Evaluate(context.Background(), Request{
		Level:        3,
		UnitName:     "Algorithms",
		CreditPoints: 6,
		Outcomes:     []string{"create computer algorithms for novel problems", "analyse the correctness and complexity of algorithms"},
		Compare:      true,
	})

	require.NoError(t, out.Err)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "implement computer algorithms to solve defined problems")
	assert.Equal(t, []State{StateBuilt, StateSent, StateParsed, StateCompared, StateDone}, out.Trail)
	require.Len(t, out.Comparisons, 1)
	assert.Equal(t, Comparison{
		Index:     1,
		Original:  "create computer algorithms for novel problems",
		Rewritten: "implement computer algorithms to solve defined problems",
		Verdict:   verdict.Better,
	}, out.Comparisons[0])
}

func TestEvaluate_CompareWithoutSuggestionsMakesOneCall(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return "'x' - STATUS:GOOD - fine.", nil
	})
	o := New(testRules(t), client)

	out := o.Evaluate(context.Background(), Request{Level: 1, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}, Compare: true})

	require.NoError(t, out.Err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, out.Comparisons)
}

func TestEvaluate_CompareFailure(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		if calls == 1 {
			return evalResponse, nil
		}
		return "", &transparency.ServiceError{Provider: "genai", Err: errors.New("unavailable")}
	})
	o := New(testRules(t), client)

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6,
		Outcomes: []string{"create computer algorithms for novel problems"}, Compare: true})

	assert.Equal(t, StateError, out.State)
	require.Len(t, out.Comparisons, 1)
	assert.Equal(t, verdict.Failed, out.Comparisons[0].Verdict)
}

func TestEvaluate_RetriesServiceErrors(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		if calls < 3 {
			return "", &transparency.ServiceError{Provider: "genai", Err: errors.New("503 unavailable")}
		}
		return evalResponse, nil
	})
	o := New(testRules(t), client, WithRetry(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}))

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	require.NoError(t, out.Err)
	assert.Equal(t, 3, calls)
}

func TestEvaluate_RetryAttemptsAreTotal(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		wantCalls int
	}{
		{"zero value", RetryPolicy{}, 1},
		{"one attempt", RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond}, 1},
		{"three attempts", RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
				calls++
				return "", &transparency.ServiceError{Provider: "genai", Err: errors.New("503 unavailable")}
			})
			o := New(testRules(t), client, WithRetry(tt.policy))

			out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

			assert.True(t, out.Failed())
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestEvaluate_DoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return "", transparency.ErrMissingCredential
	})
	o := New(testRules(t), client, WithRetry(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}))

	out := o.Evaluate(context.Background(), Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	assert.True(t, out.Failed())
	assert.Equal(t, 1, calls)
}

func TestEvaluate_RetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		cancel()
		return "", &transparency.ServiceError{Provider: "genai", Err: errors.New("503 unavailable")}
	})
	o := New(testRules(t), client, WithRetry(RetryPolicy{MaxAttempts: 5, Backoff: time.Hour}))

	out := o.Evaluate(ctx, Request{Level: 3, UnitName: "U", CreditPoints: 6, Outcomes: []string{"x"}})

	assert.True(t, out.Failed())
	assert.Equal(t, 1, calls)
}

func TestEvaluateText(t *testing.T) {
	var prompt string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		prompt = req.Prompt
		return evalResponse, nil
	})
	o := New(testRules(t), client)

	out := o.EvaluateText(context.Background(), " 3 ", "Algorithms", "6", "first outcome\r\nsecond outcome\r\n")
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Request.Level)
	assert.Equal(t, 6, out.Request.CreditPoints)
	assert.Contains(t, prompt, "'first outcome'")
	assert.Contains(t, prompt, "'second outcome'")
}

func TestEvaluateText_NonInteger(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return "", nil
	})
	rec := &fakeRecorder{}
	o := New(testRules(t), client, WithRecorder(rec))

	for _, tc := range [][2]string{{"three", "6"}, {"3", "six"}, {"", ""}} {
		out := o.EvaluateText(context.Background(), tc[0], "U", tc[1], "x")
		assert.ErrorIs(t, out.Err, transparency.ErrNonIntegerInput)
		assert.Equal(t, "ERROR: Level and Credit Points must be integers.", out.Message())
	}
	assert.Zero(t, calls)
	assert.Len(t, rec.recs, 3)
}

func TestSplitOutcomesAndCandidates(t *testing.T) {
	assert.Nil(t, SplitOutcomes("  \n "))
	assert.Equal(t, []string{"a", "", "b"}, SplitOutcomes("a\r\n\r\nb"))
	assert.Equal(t, []string{"a", "b"}, Candidates([]string{" a ", "", "  ", "b"}))
	assert.Nil(t, Candidates(nil))
}

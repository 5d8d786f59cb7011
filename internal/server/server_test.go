package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/llm"
	"lobuilder/internal/rules"
	"lobuilder/internal/server"
	"lobuilder/internal/store"
	"lobuilder/internal/transparency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelResponse = `**LO Analysis**

'understand sorting' - STATUS:NEEDS_REVISION - "Understand" is banned. SUGGESTION: 'apply sorting algorithms'

'analyse complexity' - STATUS:GOOD - Appropriate.

**SUMMARY**

Two outcomes is too few for a 6-point unit.
`

type testEnv struct {
	srv       *server.Server
	rules     *rules.Store
	rulesPath string
	history   *store.Store
}

func newTestServer(t *testing.T, client llm.Client) *testEnv {
	t.Helper()
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.json")
	cfg := rules.Default()
	cfg.APIKey = "secret-key"
	data, err := cfg.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rulesPath, data, 0644))
	rs := rules.Open(rulesPath)

	history, err := store.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	orch := evaluation.New(rs, client, evaluation.WithRecorder(history))
	srv := server.New(server.Config{ListenAddr: ":0"}, rs, orch, history)
	return &testEnv{srv: srv, rules: rs, rulesPath: rulesPath, history: history}
}

func okModel() llm.Client {
	return llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return modelResponse, nil
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

// ─── Health ────────────────────────────────────────────────────────────

func TestServer_Health(t *testing.T) {
	env := newTestServer(t, okModel())
	rec := doJSON(t, env.srv, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "loaded", body["rules_status"])
}

// ─── Evaluate ──────────────────────────────────────────────────────────

func TestServer_Evaluate(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "POST", "/api/evaluate",
		`{"level": 3, "unit_name": "Algorithms", "credit_points": "6", "outcomes": ["understand sorting", "analyse complexity"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.EvaluateResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.OK)
	assert.Equal(t, "DONE", resp.State)
	require.Len(t, resp.Verdicts, 2)
	assert.Equal(t, "NEEDS_REVISION", resp.Verdicts[0].Status)
	assert.Equal(t, "apply sorting algorithms", resp.Verdicts[0].Suggestion)
	assert.Equal(t, "GOOD", resp.Verdicts[1].Status)
	assert.Equal(t, 1, resp.Counts["GOOD"])
	assert.Contains(t, resp.Summary, "too few")
	assert.Empty(t, resp.Raw)

	recs, err := env.history.ListEvaluations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, resp.ID, recs[0].ID)
}

func TestServer_Evaluate_OutcomesAsText(t *testing.T) {
	var prompt string
	env := newTestServer(t, llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		prompt = req.Prompt
		return modelResponse, nil
	}))

	rec := doJSON(t, env.srv, "POST", "/api/evaluate",
		`{"level": "3", "unit_name": "Algorithms", "credit_points": 6, "outcomes": "understand sorting\nanalyse complexity"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, prompt, "'understand sorting'\n'analyse complexity'")
}

func TestServer_Evaluate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		client  llm.Client
		body    string
		status  int
		message string
	}{
		{
			name:   "invalid JSON",
			client: okModel(),
			body:   `{`,
			status: http.StatusBadRequest,
		},
		{
			name:    "non-integer level",
			client:  okModel(),
			body:    `{"level": "three", "unit_name": "U", "credit_points": 6, "outcomes": "x"}`,
			status:  http.StatusBadRequest,
			message: "ERROR: Level and Credit Points must be integers.",
		},
		{
			name:    "level out of range",
			client:  okModel(),
			body:    `{"level": 9, "unit_name": "U", "credit_points": 6, "outcomes": "x"}`,
			status:  http.StatusBadRequest,
			message: "ERROR: Level must be an integer 1-6.",
		},
		{
			name: "service failure",
			client: llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
				return "", &transparency.ServiceError{Provider: "genai", Err: errors.New("quota exhausted")}
			}),
			body:   `{"level": 2, "unit_name": "U", "credit_points": 6, "outcomes": "x"}`,
			status: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, tt.client)
			rec := doJSON(t, env.srv, "POST", "/api/evaluate", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.message != "" {
				var resp server.EvaluateResponse
				decodeJSON(t, rec, &resp)
				assert.False(t, resp.OK)
				assert.Equal(t, tt.message, resp.Message)
			}
		})
	}
}

func TestServer_Evaluate_UnstructuredIncludesRaw(t *testing.T) {
	env := newTestServer(t, llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "I cannot help with that.", nil
	}))
	rec := doJSON(t, env.srv, "POST", "/api/evaluate", `{"level": 1, "unit_name": "U", "credit_points": 6, "outcomes": "x"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.EvaluateResponse
	decodeJSON(t, rec, &resp)
	assert.Empty(t, resp.Verdicts)
	assert.Equal(t, evaluation.NoStructureMessage, resp.Message)
	assert.Contains(t, resp.Hints, "Retry the evaluation")
	assert.Equal(t, "I cannot help with that.", resp.Raw)
}

func TestServer_ListEvaluations(t *testing.T) {
	env := newTestServer(t, okModel())
	doJSON(t, env.srv, "POST", "/api/evaluate", `{"level": 3, "unit_name": "A", "credit_points": 6, "outcomes": "x"}`)
	doJSON(t, env.srv, "POST", "/api/evaluate", `{"level": 3, "unit_name": "B", "credit_points": 6, "outcomes": "x"}`)

	rec := doJSON(t, env.srv, "GET", "/api/evaluations?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []store.EvaluationRecord
	decodeJSON(t, rec, &recs)
	assert.Len(t, recs, 1)

	rec = doJSON(t, env.srv, "GET", "/api/evaluations?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ─── Rules ─────────────────────────────────────────────────────────────

func TestServer_GetRulesRedactsKey(t *testing.T) {
	env := newTestServer(t, okModel())
	rec := doJSON(t, env.srv, "GET", "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	decodeJSON(t, rec, &doc)
	assert.Equal(t, "********", doc["API_key"])
	assert.Equal(t, "gemini-2.5-flash", doc["selected_model"])
	assert.NotContains(t, rec.Body.String(), "secret-key")
}

func TestServer_GetRule(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "GET", "/api/rules/Level%203", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "Application, Analysis", body["value"])

	rec = doJSON(t, env.srv, "GET", "/api/rules/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReplaceRule(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "PUT", "/api/rules/BANNED", `{"value": ["understand", "grasp"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"understand", "grasp"}, env.rules.Get().Banned)

	onDisk, err := os.ReadFile(env.rulesPath)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "grasp")

	rec = doJSON(t, env.srv, "PUT", "/api/rules/6%20Points", `{"value": [2, 4]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, rules.Range{2, 4}, env.rules.Get().Points6)
}

func TestServer_ReplaceRule_Rejections(t *testing.T) {
	env := newTestServer(t, okModel())
	before := env.rules.Get()

	tests := []struct {
		path, body string
		status     int
	}{
		{"/api/rules/NOPE", `{"value": 1}`, http.StatusNotFound},
		{"/api/rules/BANNED", `{"value": "not a list"}`, http.StatusBadRequest},
		{"/api/rules/6%20Points", `{"value": [1, 2, 3]}`, http.StatusBadRequest},
		{"/api/rules/selected_model", `{"value": ""}`, http.StatusBadRequest},
		{"/api/rules/BANNED", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := doJSON(t, env.srv, "PUT", tt.path, tt.body)
		assert.Equal(t, tt.status, rec.Code, "%s %s: %s", tt.path, tt.body, rec.Body.String())
	}
	assert.Equal(t, before, env.rules.Get())
}

func TestServer_ReplaceRule_UnlistedModel(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "PUT", "/api/rules/selected_model", `{"value": "gpt-unknown"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gpt-unknown", env.rules.Get().SelectedModel)

	rec = doJSON(t, env.srv, "GET", "/api/rules/selected_model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-unknown")
}

func TestServer_ReplaceRule_RedactedKeyKeepsStoredKey(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "PUT", "/api/rules/API_key", `{"value": "********"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "secret-key", env.rules.Get().APIKey)

	rec = doJSON(t, env.srv, "PUT", "/api/rules/API_key", `{"value": "new-key"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "new-key", env.rules.Get().APIKey)
}

func TestServer_ApplyFormAndReset(t *testing.T) {
	env := newTestServer(t, okModel())

	form := server.FormBody{
		Model:         "gemini-2.5-pro",
		APIKey:        "********",
		Knowledge:     "define, list",
		Comprehension: "explain",
		Application:   "apply",
		Analysis:      "analyse",
		Synthesis:     "design",
		Evaluation:    "judge",
		Banned:        "understand",
		Levels:        [6]string{"Knowledge", "Comprehension", "Application", "Analysis", "Synthesis", "Evaluation"},
		CP6:           "2-4",
		CP12:          "4-6",
		CP24:          "6-8",
	}
	body, err := json.Marshal(form)
	require.NoError(t, err)

	rec := doJSON(t, env.srv, "PUT", "/api/rules", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := env.rules.Get()
	assert.Equal(t, "gemini-2.5-pro", got.SelectedModel)
	assert.Equal(t, "secret-key", got.APIKey, "redacted key keeps the stored one")
	assert.Equal(t, []string{"define", "list"}, got.Knowledge)
	assert.Equal(t, rules.Range{2, 4}, got.Points6)

	rec = doJSON(t, env.srv, "POST", "/api/rules/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rules.Default(), env.rules.Get())
}

func TestServer_ApplyForm_BadRange(t *testing.T) {
	env := newTestServer(t, okModel())
	before := env.rules.Get()

	rec := doJSON(t, env.srv, "PUT", "/api/rules", `{"selected_model": "gemini-2.5-flash", "6 Points": "three"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, before, env.rules.Get())
}

func TestServer_ApplyForm_UnlistedModel(t *testing.T) {
	env := newTestServer(t, okModel())
	before := env.rules.Get()

	f := rules.FormFrom(before)
	f.Model = "gpt-unknown"
	body, err := json.Marshal(server.FormBody{
		Model:         f.Model,
		APIKey:        "********",
		Knowledge:     f.Knowledge,
		Comprehension: f.Comprehension,
		Application:   f.Application,
		Analysis:      f.Analysis,
		Synthesis:     f.Synthesis,
		Evaluation:    f.Evaluation,
		Banned:        f.Banned,
		Levels:        f.Levels,
		CP6:           f.CP6,
		CP12:          f.CP12,
		CP24:          f.CP24,
	})
	require.NoError(t, err)

	rec := doJSON(t, env.srv, "PUT", "/api/rules", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "available_models")
	assert.Equal(t, before, env.rules.Get())
}

func TestServer_Words(t *testing.T) {
	env := newTestServer(t, okModel())

	rec := doJSON(t, env.srv, "GET", "/api/rules/words/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Level int      `json:"level"`
		Words []string `json:"words"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 1, body.Level)
	assert.Contains(t, body.Words, "define")
	assert.Contains(t, body.Words, "explain")

	for _, path := range []string{"/api/rules/words/0", "/api/rules/words/x"} {
		rec = doJSON(t, env.srv, "GET", path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

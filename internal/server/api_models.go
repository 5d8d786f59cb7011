package server

import (
	"encoding/json"
	"strings"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/rules"
)

// Loose accepts a JSON number or string and keeps its text, so that
// non-integer input reaches the evaluator and is rejected there.
type Loose string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Loose) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = Loose(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = Loose(n.String())
	return nil
}

// String returns the raw text.
func (l Loose) String() string { return string(l) }

// EvaluateRequest is the body of POST /api/evaluate. Outcomes may be a list
// or one newline-separated string.
type EvaluateRequest struct {
	Level        Loose           `json:"level"`
	UnitName     string          `json:"unit_name"`
	CreditPoints Loose           `json:"credit_points"`
	Outcomes     json.RawMessage `json:"outcomes"`
}

// OutcomesText returns the outcomes as one newline-separated block.
func (r EvaluateRequest) OutcomesText() string {
	if len(r.Outcomes) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(r.Outcomes, &list); err == nil {
		return strings.Join(list, "\n")
	}
	var text string
	if err := json.Unmarshal(r.Outcomes, &text); err == nil {
		return text
	}
	return ""
}

// VerdictJSON is one verdict in an evaluation response.
type VerdictJSON struct {
	Index         int    `json:"index"`
	Matched       bool   `json:"matched"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status"`
	DisplayStatus string `json:"display_status"`
	Feedback      string `json:"feedback"`
	Suggestion    string `json:"suggestion,omitempty"`
}

// EvaluateResponse is the body returned by POST /api/evaluate.
type EvaluateResponse struct {
	ID       string         `json:"id"`
	OK       bool           `json:"ok"`
	State    string         `json:"state"`
	Model    string         `json:"model,omitempty"`
	Message  string         `json:"message,omitempty"`
	Hints    []string       `json:"hints,omitempty"`
	Verdicts []VerdictJSON  `json:"verdicts"`
	Summary  string         `json:"summary,omitempty"`
	Counts   map[string]int `json:"counts"`
	Raw      string         `json:"raw,omitempty"`
}

func newEvaluateResponse(out *evaluation.Outcome) EvaluateResponse {
	resp := EvaluateResponse{
		ID:       out.ID,
		OK:       !out.Failed(),
		State:    string(out.State),
		Model:    out.Model,
		Message:  out.Message(),
		Hints:    out.Hints(),
		Verdicts: []VerdictJSON{},
		Summary:  out.Result.Summary,
		Counts:   map[string]int{},
	}
	for _, v := range out.Verdicts() {
		resp.Verdicts = append(resp.Verdicts, VerdictJSON{
			Index:         v.Index,
			Matched:       v.Matched,
			Outcome:       v.Quoted,
			Status:        string(v.Status),
			DisplayStatus: string(v.DisplayStatus()),
			Feedback:      v.Feedback,
			Suggestion:    v.Suggestion,
		})
	}
	for st, n := range out.Result.Counts() {
		resp.Counts[string(st)] = n
	}
	if out.Result.Empty() {
		resp.Raw = out.Raw
	}
	return resp
}

// FormBody is the body of PUT /api/rules: every admin field at once, in the
// comma- and dash-separated text forms the admin page edits.
type FormBody struct {
	Model         string    `json:"selected_model"`
	APIKey        string    `json:"API_key"`
	Knowledge     string    `json:"KNOWLEDGE"`
	Comprehension string    `json:"COMPREHENSION"`
	Application   string    `json:"APPLICATION"`
	Analysis      string    `json:"ANALYSIS"`
	Synthesis     string    `json:"SYNTHESIS"`
	Evaluation    string    `json:"EVALUATION"`
	Banned        string    `json:"BANNED"`
	Levels        [6]string `json:"levels"`
	CP6           string    `json:"6 Points"`
	CP12          string    `json:"12 Points"`
	CP24          string    `json:"24 Points"`
}

// Form converts the body to a rules.Form.
func (b FormBody) Form() rules.Form {
	return rules.Form{
		Model:         b.Model,
		APIKey:        b.APIKey,
		Knowledge:     b.Knowledge,
		Comprehension: b.Comprehension,
		Application:   b.Application,
		Analysis:      b.Analysis,
		Synthesis:     b.Synthesis,
		Evaluation:    b.Evaluation,
		Banned:        b.Banned,
		Levels:        b.Levels,
		CP6:           b.CP6,
		CP12:          b.CP12,
		CP24:          b.CP24,
	}
}

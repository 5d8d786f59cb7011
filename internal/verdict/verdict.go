// Package verdict recovers per-outcome verdicts from free-text model output.
//
// The model is asked for one line per outcome of the form
//
//	'outcome text' - STATUS:GOOD - feedback. SUGGESTION: 'rewrite'
//
// but nothing guarantees it complies, so every step degrades instead of
// failing: a missing status becomes UNKNOWN, an unrecognisable quote is kept
// as an unmatched verdict, and a response with no quoted lines at all yields
// an empty Result that callers must not read as "all good".
package verdict

import "strings"

// Status is the model's judgement of one outcome.
type Status string

const (
	Good          Status = "GOOD"
	NeedsRevision Status = "NEEDS_REVISION"
	CouldImprove  Status = "COULD_IMPROVE"
	Unknown       Status = "UNKNOWN"
)

// Revisable reports whether the status carries a suggested rewrite.
func (s Status) Revisable() bool {
	return s == NeedsRevision || s == CouldImprove
}

// ParseStatus maps a status token to a Status. Unrecognised tokens are Unknown.
func ParseStatus(token string) Status {
	t := strings.ToUpper(strings.TrimSpace(token))
	t = strings.Trim(t, "[]")
	t = strings.ReplaceAll(t, " ", "_")
	switch {
	case t == "GOOD":
		return Good
	case t == "NEEDS_REVISION" || t == "NEEDS":
		return NeedsRevision
	case t == "COULD_IMPROVE" || t == "COULD":
		return CouldImprove
	}
	return Unknown
}

// Verdict is the parsed judgement of one outcome.
type Verdict struct {
	// Index is the 1-based position of the outcome this verdict belongs to.
	// For unmatched verdicts it is the fallback position assigned.
	Index   int
	Matched bool

	// Quoted is the outcome text as the model echoed it.
	Quoted     string
	Status     Status
	Feedback   string
	Suggestion string // empty unless Status is revisable
}

// HasSuggestion reports whether a rewrite was offered.
func (v Verdict) HasSuggestion() bool {
	return v.Suggestion != ""
}

var displayKeywords = []struct {
	status   Status
	keywords []string
}{
	{Good, []string{"is good", "is appropriate", "appropriate for", "correctly", "well-aligned"}},
	{NeedsRevision, []string{"needs revision", "should be revised", "too high", "too low", "wrong level"}},
	{CouldImprove, []string{"could improve", "could be strengthened", "consider"}},
}

// DisplayStatus is the status to show a user. When the model gave no parseable
// status, the feedback wording decides; Status itself stays Unknown.
func (v Verdict) DisplayStatus() Status {
	if v.Status != Unknown {
		return v.Status
	}
	fb := strings.ToLower(v.Feedback)
	for _, group := range displayKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(fb, kw) {
				return group.status
			}
		}
	}
	return Unknown
}

// Result is everything recovered from one evaluation response.
type Result struct {
	Verdicts []Verdict
	Summary  string
}

// Empty reports that the response had no usable per-outcome structure.
func (r Result) Empty() bool {
	return len(r.Verdicts) == 0
}

// Counts tallies verdicts by parsed status.
func (r Result) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, v := range r.Verdicts {
		counts[v.Status]++
	}
	return counts
}

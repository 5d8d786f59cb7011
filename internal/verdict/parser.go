package verdict

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"lobuilder/internal/logging"
)

var (
	statusRe     = regexp.MustCompile(`(?i)STATUS:\s*\[?\s*(\w+(?:\s(?:REVISION|IMPROVE)\b)?)\s*\]?`)
	suggestionRe = regexp.MustCompile(`(?i)SUGGESTION:\s*`)
	listMarkerRe = regexp.MustCompile(`^(?:[-*•]\s+|\d+[.)]\s+)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// quoteRunes open and close an echoed outcome.
const quoteRunes = "'\"‘’“”`"

type section int

const (
	sectionNone section = iota
	sectionAnalysis
	sectionSummary
)

// record is a verdict under construction.
type record struct {
	quoted     string
	status     Status
	statusSeen bool
	feedback   []string
	suggestion string
}

// Parse recovers one verdict per quoted line in response. outcomes are the
// inputs in prompt order; they are used to resolve each verdict's Index.
func Parse(response string, outcomes []string) Result {
	var (
		records []*record
		current *record
		summary []string
		sec     = sectionNone
	)

	closeCurrent := func() {
		if current != nil {
			records = append(records, current)
			current = nil
		}
	}

	for _, raw := range strings.Split(response, "\n") {
		line := cleanLine(raw)
		if line == "" {
			continue
		}

		if next, rest, ok := heading(line); ok {
			closeCurrent()
			sec = next
			if rest != "" && sec == sectionSummary {
				summary = append(summary, rest)
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		opens := opensWithQuote(line)
		if sec == sectionSummary && !(opens && statusRe.MatchString(line)) {
			summary = append(summary, line)
			continue
		}

		if opens {
			closeCurrent()
			current = openRecord(line)
			continue
		}
		if current != nil {
			current.continueWith(line)
		}
	}
	closeCurrent()

	verdicts := resolve(records, outcomes)
	logging.ParserDebug("parsed %d verdicts from %d chars (%d outcomes)", len(verdicts), len(response), len(outcomes))

	return Result{
		Verdicts: verdicts,
		Summary:  strings.Join(summary, " "),
	}
}

// cleanLine trims the line and strips list markers and bold markers.
func cleanLine(raw string) string {
	line := strings.TrimSpace(raw)
	line = strings.ReplaceAll(line, "**", "")
	line = strings.TrimSpace(line)
	line = listMarkerRe.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// heading recognises the section markers the prompt asks for, with or
// without markdown decoration. rest is any text following "SUMMARY:".
func heading(line string) (section, string, bool) {
	bare := strings.TrimSpace(strings.TrimLeft(line, "#"))
	upper := strings.ToUpper(bare)

	switch {
	case upper == "LO ANALYSIS" || upper == "LO ANALYSIS:":
		return sectionAnalysis, "", true
	case upper == "SUMMARY" || upper == "SUMMARY:":
		return sectionSummary, "", true
	case strings.HasPrefix(upper, "SUMMARY:"):
		return sectionSummary, strings.TrimSpace(bare[len("SUMMARY:"):]), true
	}
	return sectionNone, "", false
}

func opensWithQuote(line string) bool {
	r, _ := utf8.DecodeRuneInString(line)
	return strings.ContainsRune(quoteRunes, r)
}

func openRecord(line string) *record {
	rec := &record{status: Unknown}

	statusLoc := statusRe.FindStringSubmatchIndex(line)
	suggLoc := suggestionRe.FindStringIndex(line)

	limit := len(line)
	switch {
	case statusLoc != nil:
		limit = statusLoc[0]
	case suggLoc != nil:
		limit = suggLoc[0]
	}

	_, openWidth := utf8.DecodeRuneInString(line)
	head := line[openWidth:limit]
	closeIdx := strings.LastIndexAny(head, quoteRunes)
	var tail string
	if closeIdx >= 0 {
		rec.quoted = head[:closeIdx]
		_, w := utf8.DecodeRuneInString(head[closeIdx:])
		tail = head[closeIdx+w:]
	} else {
		rec.quoted = head
	}
	rec.quoted = strings.TrimSpace(rec.quoted)

	rest := line[limit:]
	if statusLoc != nil {
		rec.status = ParseStatus(line[statusLoc[2]:statusLoc[3]])
		rec.statusSeen = true
		rest = line[statusLoc[1]:]
	} else if s := trimSeparators(tail); s != "" {
		rec.feedback = append(rec.feedback, s)
	}

	rec.absorb(rest)
	return rec
}

// continueWith folds a continuation line into the open record.
func (r *record) continueWith(line string) {
	if !r.statusSeen {
		if loc := statusRe.FindStringSubmatchIndex(line); loc != nil {
			if before := trimSeparators(line[:loc[0]]); before != "" {
				r.feedback = append(r.feedback, before)
			}
			r.status = ParseStatus(line[loc[2]:loc[3]])
			r.statusSeen = true
			line = line[loc[1]:]
		}
	}
	r.absorb(line)
}

// absorb splits text into feedback and an optional suggestion.
func (r *record) absorb(text string) {
	if loc := suggestionRe.FindStringIndex(text); loc != nil {
		if fb := trimSeparators(text[:loc[0]]); fb != "" {
			r.feedback = append(r.feedback, fb)
		}
		if s := cleanSuggestion(text[loc[1]:]); s != "" {
			r.suggestion = s
		}
		return
	}
	if fb := trimSeparators(text); fb != "" {
		r.feedback = append(r.feedback, fb)
	}
}

func (r *record) verdict() Verdict {
	v := Verdict{
		Quoted:   r.quoted,
		Status:   r.status,
		Feedback: strings.Join(r.feedback, " "),
	}
	if r.status.Revisable() {
		v.Suggestion = r.suggestion
	}
	return v
}

func trimSeparators(s string) string {
	return strings.Trim(s, " \t-–—:|")
}

func cleanSuggestion(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, "["))
	if r, w := utf8.DecodeRuneInString(s); strings.ContainsRune(quoteRunes, r) {
		inner := s[w:]
		if end := strings.LastIndexAny(inner, quoteRunes); end > 0 {
			return strings.TrimSpace(inner[:end])
		}
		s = inner
	}
	s = strings.TrimRight(s, "]")
	return strings.TrimSpace(strings.Trim(s, quoteRunes))
}

// normalize folds case, unifies quote characters and collapses whitespace.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, quoteRunes)
	s = strings.NewReplacer("‘", "'", "’", "'", "“", "\"", "”", "\"").Replace(s)
	s = spaceRe.ReplaceAllString(strings.ToLower(s), " ")
	return strings.TrimSpace(s)
}

// resolve assigns each record an outcome index. Matches are resolved for
// every record first, so a fallback can never take a position that a later
// record matches.
func resolve(records []*record, outcomes []string) []Verdict {
	keys := make([]string, len(outcomes))
	for i, o := range outcomes {
		keys[i] = normalize(o)
	}

	verdicts := make([]Verdict, len(records))
	used := make(map[int]bool)
	var unmatched []int

	for i, rec := range records {
		verdicts[i] = rec.verdict()
		idx := bestMatch(normalize(rec.quoted), keys, used)
		if idx < 0 {
			unmatched = append(unmatched, i)
			continue
		}
		verdicts[i].Index = idx + 1
		verdicts[i].Matched = true
		used[idx] = true
	}

	next := 0
	for _, i := range unmatched {
		for used[next] {
			next++
		}
		used[next] = true
		verdicts[i].Index = next + 1
		logging.ParserDebug("unmatched verdict %q assigned fallback position %d", verdicts[i].Quoted, next+1)
	}

	sort.SliceStable(verdicts, func(a, b int) bool {
		return verdicts[a].Index < verdicts[b].Index
	})
	return verdicts
}

// bestMatch returns the outcome whose text contains, or is contained in, q
// with the longest overlap. Ties prefer an unused outcome, then the earlier one.
func bestMatch(q string, keys []string, used map[int]bool) int {
	if q == "" {
		return -1
	}
	best, bestLen := -1, 0
	for i, k := range keys {
		if k == "" {
			continue
		}
		overlap := 0
		switch {
		case strings.Contains(k, q):
			overlap = len(q)
		case strings.Contains(q, k):
			overlap = len(k)
		}
		if overlap == 0 {
			continue
		}
		if overlap > bestLen || (overlap == bestLen && used[best] && !used[i]) {
			best, bestLen = i, overlap
		}
	}
	return best
}

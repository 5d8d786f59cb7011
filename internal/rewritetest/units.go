// Package rewritetest measures how often the model's suggested rewrites are
// judged better than the outcomes they replace, across a sample of units
// exported as CSV.
package rewritetest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
)

// OutcomeSeparator separates outcomes within the Outcomes column.
const OutcomeSeparator = "|*|"

// AssessmentSeparator separates an outcome from its assessment annotation.
const AssessmentSeparator = "|"

// Unit is one row of the input CSV.
type Unit struct {
	Code     string
	Title    string
	Level    int
	Outcomes string
}

// OutcomeTexts splits the Outcomes column and strips assessment annotations.
// Blank entries are kept so positions line up with the source column.
func (u Unit) OutcomeTexts() []string {
	if strings.TrimSpace(u.Outcomes) == "" {
		return nil
	}
	parts := strings.Split(u.Outcomes, OutcomeSeparator)
	out := make([]string, len(parts))
	for i, p := range parts {
		if j := strings.Index(p, AssessmentSeparator); j >= 0 {
			p = p[:j]
		}
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// FirstOutcome returns the first outcome's text, or "" when there is none.
func (u Unit) FirstOutcome() string {
	texts := u.OutcomeTexts()
	if len(texts) == 0 {
		return ""
	}
	return texts[0]
}

var requiredColumns = []string{"code", "title", "level", "Outcomes"}

// ReadUnits parses the unit CSV. The header row must name the code, title,
// level and Outcomes columns; other columns are ignored.
func ReadUnits(r io.Reader) ([]Unit, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unit CSV is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("unit CSV missing column %q", name)
		}
	}

	get := func(rec []string, name string) string {
		i := col[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var units []Unit
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read unit CSV: %w", err)
		}
		level, err := parseLevel(get(rec, "level"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		units = append(units, Unit{
			Code:     get(rec, "code"),
			Title:    get(rec, "title"),
			Level:    level,
			Outcomes: get(rec, "Outcomes"),
		})
	}
	return units, nil
}

// parseLevel accepts "3" and exported floats such as "3.0".
func parseLevel(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("level %q is not an integer", s)
	}
	return int(f), nil
}

// LoadUnits reads the unit CSV at path.
func LoadUnits(path string) ([]Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadUnits(f)
}

// Sample keeps the units that have outcomes and returns int(n*fraction) of
// them, chosen deterministically by seed. A fraction of 1 or more keeps all.
func Sample(units []Unit, fraction float64, seed uint64) []Unit {
	var withOutcomes []Unit
	for _, u := range units {
		if strings.TrimSpace(u.Outcomes) != "" {
			withOutcomes = append(withOutcomes, u)
		}
	}
	if fraction >= 1 {
		return withOutcomes
	}
	n := int(float64(len(withOutcomes)) * fraction)
	if n <= 0 {
		return nil
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(len(withOutcomes))
	out := make([]Unit, n)
	for i := range out {
		out[i] = withOutcomes[perm[i]]
	}
	return out
}

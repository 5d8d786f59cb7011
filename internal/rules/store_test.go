package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lobuilder/internal/transparency"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, path string, cfg *EvaluationConfig) {
	t.Helper()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestOpen_MissingFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")

	s := Open(path)
	res := s.LoadResult()

	assert.Equal(t, FellBackToDefault, res.Status)
	assert.Equal(t, "embedded", res.Source)
	assert.Error(t, res.Reason)
	if diff := cmp.Diff(Default(), s.Get()); diff != "" {
		t.Errorf("fallback document differs from default (-want +got):\n%s", diff)
	}
}

func TestOpen_CorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"selected_model": `), 0644))

	s := Open(path)
	assert.Equal(t, FellBackToDefault, s.LoadResult().Status)
	assert.Equal(t, "gemini-2.5-flash", s.Get().SelectedModel)
}

func TestOpen_MissingKeyFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"selected_model": "gemini-2.5-flash"}`), 0644))

	s := Open(path)
	assert.Equal(t, FellBackToDefault, s.LoadResult().Status)
	assert.Contains(t, s.LoadResult().Reason.Error(), "missing key")
}

func TestOpen_DefaultPathOverride(t *testing.T) {
	dir := t.TempDir()
	custom := Default()
	custom.Banned = []string{"grasp"}
	defaultPath := filepath.Join(dir, "rules_default.json")
	writeDoc(t, defaultPath, custom)

	s := Open(filepath.Join(dir, "missing.json"), WithDefaultPath(defaultPath))
	assert.Equal(t, defaultPath, s.LoadResult().Source)
	assert.Equal(t, []string{"grasp"}, s.Get().Banned)
}

func TestOpen_LoadsValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	cfg := Default()
	cfg.SelectedModel = "gemini-2.5-pro"
	writeDoc(t, path, cfg)

	s := Open(path)
	assert.Equal(t, Loaded, s.LoadResult().Status)
	assert.Equal(t, path, s.LoadResult().Source)
	assert.Equal(t, "gemini-2.5-pro", s.Get().SelectedModel)
}

func TestGet_ReturnsIndependentCopy(t *testing.T) {
	s := NewStore(Default())

	first := s.Get()
	first.Banned[0] = "mutated"
	first.Points6[0] = 99

	second := s.Get()
	assert.Equal(t, "understand", second.Banned[0])
	assert.Equal(t, 3, second.Points6.Min())
}

func TestReplace_PersistsWholeDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rules.json")
	s := Open(path)

	require.NoError(t, s.Replace("BANNED", []string{"grasp", "know"}))
	require.NoError(t, s.Replace("6 Points", Range{2, 4}))
	require.NoError(t, s.Replace("Level 6", json.RawMessage(`"Synthesis, Evaluation"`)))

	reopened := Open(path)
	require.Equal(t, Loaded, reopened.LoadResult().Status)
	got := reopened.Get()
	assert.Equal(t, []string{"grasp", "know"}, got.Banned)
	assert.Equal(t, Range{2, 4}, got.Points6)
	assert.Equal(t, "Synthesis, Evaluation", got.Level6)
	assert.Equal(t, s.Get(), got)
}

func TestReplace_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
		want  error
	}{
		{"unknown key", "NOT_A_KEY", "x", transparency.ErrUnknownRuleKey},
		{"string for list", "BANNED", "understand", transparency.ErrInvalidRuleValue},
		{"list for string", "selected_model", []string{"a"}, transparency.ErrInvalidRuleValue},
		{"three-element range", "12 Points", []int{1, 2, 3}, transparency.ErrInvalidRuleValue},
		{"inverted range", "12 Points", Range{7, 5}, transparency.ErrInvalidRuleValue},
		{"unknown class", "Level 2", "Comprehension, Memorising", transparency.ErrInvalidRuleValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.json")
			s := Open(path)
			before := s.Get()

			err := s.Replace(tt.key, tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, s.Get(), "rejected replace must leave the document unchanged")

			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "rejected replace must not persist")
		})
	}
}

func TestReplace_ConcurrentWritersNeverCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := Open(path)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.Replace("BANNED", []string{fmt.Sprintf("word-%d", n)}))
			_ = s.Get()
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk, err := Parse(data)
	require.NoError(t, err, "durable document must always parse")

	live := s.Get()
	assert.Equal(t, live, onDisk)
	require.Len(t, live.Banned, 1)
	assert.Regexp(t, `^word-\d+$`, live.Banned[0])

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".rules-*"))
	assert.Empty(t, leftovers)
}

func TestReplace_SelectedModelVisibleToOtherCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := Open(path)

	require.NoError(t, s.Replace("selected_model", "x"))

	got := make(chan string)
	go func() { got <- s.Get().SelectedModel }()
	assert.Equal(t, "x", <-got)

	reopened := Open(path)
	require.Equal(t, Loaded, reopened.LoadResult().Status, "an unlisted model still parses")
	assert.Equal(t, "x", reopened.Get().SelectedModel)
	assert.Equal(t, Default().AvailableModels, reopened.Get().AvailableModels)
}

func TestReplace_ConcurrentDistinctKeysKeepEveryUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := Open(path)

	want := map[string]interface{}{
		"selected_model": "model-under-test",
		"BANNED":         []string{"grasp"},
		"6 Points":       Range{1, 2},
		"12 Points":      Range{3, 9},
		"24 Points":      Range{0, 40},
	}
	for i, class := range Classes {
		key := string(class)
		want[key] = []string{"verb-" + strings.ToLower(string(class))}
		// Level n maps to the class in the mirrored position.
		want[fmt.Sprintf("Level %d", i+1)] = string(Classes[len(Classes)-1-i])
	}

	var wg sync.WaitGroup
	for key, value := range want {
		wg.Add(1)
		go func(key string, value interface{}) {
			defer wg.Done()
			assert.NoError(t, s.Replace(key, value), key)
		}(key, value)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk, err := Parse(data)
	require.NoError(t, err)

	live := s.Get()
	for key, value := range want {
		got, ok := live.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, value, got, "live %s", key)

		got, ok = onDisk.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, value, got, "on-disk %s", key)
	}
	assert.Equal(t, live, onDisk)
}

func TestResetToDefault_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := Open(path)
	require.NoError(t, s.Replace("BANNED", []string{}))

	require.NoError(t, s.ResetToDefault())

	assert.Equal(t, Default(), s.Get())
	reopened := Open(path)
	assert.Equal(t, Loaded, reopened.LoadResult().Status)
	assert.Equal(t, Default(), reopened.Get())
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := Open(path)
	require.NoError(t, s.Replace("selected_model", "gemini-2.5-pro"))

	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "own write must not count as an external edit")

	external := s.Get()
	external.SelectedModel = "gemma-3-27b-it"
	writeDoc(t, path, external)

	changed, err = s.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "gemma-3-27b-it", s.Get().SelectedModel)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	changed, err = s.Reload()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "gemma-3-27b-it", s.Get().SelectedModel, "corrupt edit keeps the current document")
}

func TestApplyForm_RoundTrip(t *testing.T) {
	s := NewStore(Default())
	form := FormFrom(s.Get())

	assert.Equal(t, "3-5", form.CP6)
	assert.Equal(t, "Application, Analysis", form.Levels[2])

	form.Banned = "understand,  know , ,grasp"
	form.CP24 = " 8 - 12 "
	require.NoError(t, s.ApplyForm(form))

	got := s.Get()
	assert.Equal(t, []string{"understand", "know", "grasp"}, got.Banned)
	assert.Equal(t, Range{8, 12}, got.Points24)
	assert.Equal(t, Default().Knowledge, got.Knowledge)
}

func TestApplyForm_UnlistedModelRejected(t *testing.T) {
	s := NewStore(Default())
	form := FormFrom(s.Get())
	form.Model = "gpt-4"

	err := s.ApplyForm(form)
	require.Error(t, err)
	assert.ErrorIs(t, err, transparency.ErrInvalidRuleValue)
	assert.Equal(t, Default(), s.Get())

	form.Model = Default().AvailableModels[len(Default().AvailableModels)-1]
	require.NoError(t, s.ApplyForm(form))
	assert.Equal(t, form.Model, s.Get().SelectedModel)
}

func TestApplyForm_BadRangeRejected(t *testing.T) {
	s := NewStore(Default())
	form := FormFrom(s.Get())
	form.CP12 = "five to seven"

	err := s.ApplyForm(form)
	require.Error(t, err)
	assert.ErrorIs(t, err, transparency.ErrInvalidRuleValue)
	assert.Contains(t, err.Error(), "12 Points")
	assert.Equal(t, Default(), s.Get())
}

func TestStore_WordsForLevel(t *testing.T) {
	s := NewStore(Default())

	words, err := s.WordsForLevel(3)
	require.NoError(t, err)
	want := append(append([]string{}, Default().Application...), Default().Analysis...)
	assert.Equal(t, want, words)

	_, err = s.WordsForLevel(0)
	assert.ErrorIs(t, err, transparency.ErrInvalidLevel)
}

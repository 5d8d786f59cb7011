package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lobuilder/internal/logging"
	"lobuilder/internal/transparency"
)

//go:embed defaults/rules_default.json
var defaultDocument []byte

var parsedDefault = sync.OnceValue(func() *EvaluationConfig {
	cfg, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded default document is invalid: %v", err))
	}
	return cfg
})

// Default returns a fresh copy of the built-in default document.
func Default() *EvaluationConfig {
	return parsedDefault().Clone()
}

// =============================================================================
// LOAD RESULT
// =============================================================================

// LoadStatus tags how the active document was obtained.
type LoadStatus int

const (
	// Loaded means the primary rules file was read and validated.
	Loaded LoadStatus = iota
	// FellBackToDefault means the primary file was missing or corrupt.
	FellBackToDefault
)

func (s LoadStatus) String() string {
	if s == FellBackToDefault {
		return "fell_back_to_default"
	}
	return "loaded"
}

// LoadResult reports where the active document came from.
type LoadResult struct {
	Status LoadStatus
	Source string // file path, or "embedded"
	Reason error  // why the primary file was rejected; nil when Loaded
}

// Load reads the rules document at path. A missing or corrupt file is never an
// error: the default document is used instead and the result says so.
// defaultPath optionally overrides the embedded default document.
func Load(path, defaultPath string) (*EvaluationConfig, LoadResult) {
	data, err := os.ReadFile(path)
	if err == nil {
		cfg, perr := Parse(data)
		if perr == nil {
			return cfg, LoadResult{Status: Loaded, Source: path}
		}
		err = perr
	}

	cfg, source := loadDefault(defaultPath)
	return cfg, LoadResult{Status: FellBackToDefault, Source: source, Reason: err}
}

func loadDefault(defaultPath string) (*EvaluationConfig, string) {
	if defaultPath != "" {
		data, err := os.ReadFile(defaultPath)
		if err == nil {
			if cfg, perr := Parse(data); perr == nil {
				return cfg, defaultPath
			} else {
				err = perr
			}
		}
		logging.RulesWarn("default rules file %s unusable, using embedded defaults: %v", defaultPath, err)
	}
	return Default(), "embedded"
}

// =============================================================================
// STORE
// =============================================================================

// Update is one key/value replacement.
type Update struct {
	Key   string
	Value interface{}
}

// Store is the thread-safe owner of the live rule document. Every read and
// write goes through its lock; writes persist the whole document before the
// lock is released.
type Store struct {
	mu          sync.RWMutex
	path        string
	defaultPath string
	doc         *EvaluationConfig
	lastWritten []byte
	result      LoadResult
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultPath overrides the embedded default document with a file.
func WithDefaultPath(path string) Option {
	return func(s *Store) { s.defaultPath = path }
}

// Open loads the document at path and returns a ready store. It never fails;
// see LoadResult for whether the defaults are active. An empty path gives an
// in-memory store that never persists.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		cfg, source := loadDefault(s.defaultPath)
		s.doc = cfg
		s.result = LoadResult{Status: Loaded, Source: source}
		return s
	}

	cfg, result := Load(path, s.defaultPath)
	s.doc = cfg
	s.result = result

	if result.Status == FellBackToDefault {
		logging.RulesWarn("rules file %s unusable, using defaults from %s: %v", path, result.Source, result.Reason)
		logging.Audit().RulesChange(logging.AuditRulesFallback, path, false, fmt.Sprint(result.Reason))
	} else {
		if data, err := os.ReadFile(path); err == nil {
			s.lastWritten = data
		}
		logging.Rules("rules loaded from %s (model %s)", path, cfg.SelectedModel)
		logging.Audit().RulesChange(logging.AuditRulesLoaded, path, true, "")
	}
	return s
}

// NewStore wraps an existing document in an in-memory store.
func NewStore(cfg *EvaluationConfig) *Store {
	return &Store{doc: cfg.Clone(), result: LoadResult{Status: Loaded, Source: "memory"}}
}

// Path returns the durable location, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// LoadResult reports how the document was initially obtained.
func (s *Store) LoadResult() LoadResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Get returns an independent deep copy of the current document.
func (s *Store) Get() *EvaluationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Replace atomically sets one top-level key and persists the whole document.
// value may be a Go value (string, []string, Range, []int) or raw JSON.
func (s *Store) Replace(key string, value interface{}) error {
	return s.ReplaceAll([]Update{{Key: key, Value: value}})
}

// ReplaceAll applies several replacements as one atomic, validated change.
func (s *Store) ReplaceAll(updates []Update) error {
	return s.replaceAll(updates, nil)
}

func (s *Store) replaceAll(updates []Update, check func(*EvaluationConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for _, u := range updates {
		if err := setValue(next, u.Key, u.Value); err != nil {
			logging.Audit().RulesChange(logging.AuditRulesReplace, u.Key, false, err.Error())
			return err
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if check != nil {
		if err := check(next); err != nil {
			return err
		}
	}

	if err := s.commitLocked(next); err != nil {
		return err
	}
	for _, u := range updates {
		logging.RulesDebug("replaced %s", u.Key)
		logging.Audit().RulesChange(logging.AuditRulesReplace, u.Key, true, "")
	}
	return nil
}

// ApplyForm replaces every field edited through the admin form. The form only
// offers the listed models, so an unlisted one is rejected here.
func (s *Store) ApplyForm(f Form) error {
	updates, err := f.Updates()
	if err != nil {
		return err
	}
	return s.replaceAll(updates, checkOffered)
}

// ResetToDefault replaces the whole document with the defaults and persists it
// in the same critical section, exactly like Replace.
func (s *Store) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, source := loadDefault(s.defaultPath)
	if err := s.commitLocked(cfg); err != nil {
		logging.Audit().RulesChange(logging.AuditRulesReset, source, false, err.Error())
		return err
	}
	logging.Rules("rules reset to defaults from %s", source)
	logging.Audit().RulesChange(logging.AuditRulesReset, source, true, "")
	return nil
}

// Reload re-reads the durable document after an external edit. It reports
// whether the live document changed. A corrupt file keeps the current
// document in place.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("reload rules file: %w", err)
	}
	if bytes.Equal(data, s.lastWritten) {
		return false, nil
	}
	cfg, err := Parse(data)
	if err != nil {
		logging.RulesWarn("ignoring external edit of %s: %v", s.path, err)
		return false, err
	}

	s.doc = cfg
	s.lastWritten = data
	logging.Rules("rules reloaded from %s", s.path)
	logging.Audit().RulesChange(logging.AuditRulesReload, s.path, true, "")
	return true, nil
}

// WordsForLevel returns the verbs suggested for outcomes of a unit level.
func (s *Store) WordsForLevel(level int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return WordsForLevel(s.doc, level)
}

// commitLocked persists next and installs it. The live document is left
// untouched when persistence fails. Caller holds s.mu.
func (s *Store) commitLocked(next *EvaluationConfig) error {
	if s.path != "" {
		data, err := next.Marshal()
		if err != nil {
			return fmt.Errorf("encode rules document: %w", err)
		}
		if err := writeFileAtomic(s.path, data); err != nil {
			return fmt.Errorf("persist rules document: %w", err)
		}
		s.lastWritten = data
	}
	s.doc = next
	return nil
}

func setValue(cfg *EvaluationConfig, key string, value interface{}) error {
	ptr := cfg.field(key)
	if ptr == nil {
		return fmt.Errorf("%w: %q", transparency.ErrUnknownRuleKey, key)
	}

	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", transparency.ErrInvalidRuleValue, key, err)
		}
		raw = encoded
	}

	if err := json.Unmarshal(raw, ptr); err != nil {
		if errors.Is(err, transparency.ErrInvalidRuleValue) {
			return fmt.Errorf("%s: %w", key, err)
		}
		return fmt.Errorf("%w: %s: %v", transparency.ErrInvalidRuleValue, key, err)
	}
	if words, ok := ptr.(*[]string); ok && *words == nil {
		*words = []string{}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Package logging provides categorized structured logging for lobuilder.
// Every subsystem logs through its own category so operators can filter
// rule-store activity from API traffic or tester progress. Output is produced
// by zap; until Initialize (or InitializeWith) is called every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Process startup and shutdown
	CategoryRules      Category = "rules"      // Evaluation rule store (load, replace, reset, reload)
	CategoryPrompt     Category = "prompt"     // Prompt construction
	CategoryAPI        Category = "api"        // Text-generation API calls
	CategoryParser     Category = "parser"     // Model response parsing
	CategoryEvaluation Category = "evaluation" // Evaluation orchestration
	CategoryTester     Category = "tester"     // Offline rewrite quality tester
	CategoryStore      Category = "store"      // SQLite persistence
	CategoryServer     Category = "server"     // HTTP API
	CategoryAudit      Category = "audit"      // Audit events
)

// AllCategories lists every category.
func AllCategories() []Category {
	return []Category{
		CategoryBoot, CategoryRules, CategoryPrompt, CategoryAPI, CategoryParser,
		CategoryEvaluation, CategoryTester, CategoryStore, CategoryServer, CategoryAudit,
	}
}

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional output file; empty = stderr
	Categories map[string]bool // nil = all categories enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the root zap logger from cfg and resets category loggers.
func Initialize(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	InitializeWith(l, cfg.Categories)
	Boot("logging initialized (level=%s format=%s)", level, zcfg.Encoding)
	return nil
}

// InitializeWith installs an already-built zap logger as the root.
// A nil logger restores the no-op default.
func InitializeWith(l *zap.Logger, enabled map[string]bool) {
	if l == nil {
		l = zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()
	root = l
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Root returns the underlying zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	_ = Root().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()

	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Category returns the logger's category.
func (l *Logger) Category() Category {
	return l.category
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Rules logs to the rules category
func Rules(format string, args ...interface{}) {
	Get(CategoryRules).Info(format, args...)
}

// RulesDebug logs debug to the rules category
func RulesDebug(format string, args ...interface{}) {
	Get(CategoryRules).Debug(format, args...)
}

// RulesWarn logs a warning to the rules category
func RulesWarn(format string, args ...interface{}) {
	Get(CategoryRules).Warn(format, args...)
}

// PromptDebug logs debug to the prompt category
func PromptDebug(format string, args ...interface{}) {
	Get(CategoryPrompt).Debug(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// ParserDebug logs debug to the parser category
func ParserDebug(format string, args ...interface{}) {
	Get(CategoryParser).Debug(format, args...)
}

// Evaluation logs to the evaluation category
func Evaluation(format string, args ...interface{}) {
	Get(CategoryEvaluation).Info(format, args...)
}

// EvaluationDebug logs debug to the evaluation category
func EvaluationDebug(format string, args ...interface{}) {
	Get(CategoryEvaluation).Debug(format, args...)
}

// Tester logs to the tester category
func Tester(format string, args ...interface{}) {
	Get(CategoryTester).Info(format, args...)
}

// TesterWarn logs a warning to the tester category
func TesterWarn(format string, args ...interface{}) {
	Get(CategoryTester).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Server logs to the server category
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration to a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

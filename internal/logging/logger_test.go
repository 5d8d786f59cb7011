package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, enabled map[string]bool) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	InitializeWith(zap.New(core), enabled)
	t.Cleanup(func() { InitializeWith(nil, nil) })
	return logs
}

// TestAllCategoriesLog tests that every category logs under its own name
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t, nil)

	categories := []Category{
		CategoryBoot,
		CategoryRules,
		CategoryPrompt,
		CategoryAPI,
		CategoryParser,
		CategoryEvaluation,
		CategoryTester,
		CategoryStore,
		CategoryServer,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		Get(cat).Info("Test info message for %s", cat)
	}

	entries := logs.All()
	if len(entries) != len(categories) {
		t.Fatalf("expected %d entries, got %d", len(categories), len(entries))
	}
	for i, cat := range categories {
		if entries[i].LoggerName != string(cat) {
			t.Errorf("entry %d: expected logger name %q, got %q", i, cat, entries[i].LoggerName)
		}
		if !strings.Contains(entries[i].Message, string(cat)) {
			t.Errorf("entry %d: message %q does not mention category", i, entries[i].Message)
		}
	}
}

func TestConvenienceFunctions(t *testing.T) {
	logs := observe(t, nil)

	Boot("boot %d", 1)
	Rules("rules %d", 2)
	RulesDebug("rules debug")
	RulesWarn("rules warn")
	PromptDebug("prompt debug")
	API("api")
	APIDebug("api debug")
	ParserDebug("parser debug")
	Evaluation("evaluation")
	EvaluationDebug("evaluation debug")
	Tester("tester")
	TesterWarn("tester warn")
	Store("store")
	StoreDebug("store debug")
	Server("server")

	if got := logs.Len(); got != 15 {
		t.Errorf("expected 15 entries, got %d", got)
	}
	if got := logs.FilterMessage("rules 2").Len(); got != 1 {
		t.Errorf("expected formatted message, got %d matches", got)
	}
	if got := logs.FilterLevelExact(zapcore.WarnLevel).Len(); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	logs := observe(t, map[string]bool{"api": false, "rules": true})

	API("should not appear")
	Rules("should appear")
	Evaluation("unlisted categories default to enabled")

	if logs.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", logs.Len())
	}
	if logs.FilterLoggerName("api").Len() != 0 {
		t.Error("disabled category produced output")
	}
}

func TestNoopBeforeInitialize(t *testing.T) {
	InitializeWith(nil, nil)
	// Must not panic
	Get(CategoryStore).Error("nothing %s", "here")
	Audit().RulesChange(AuditRulesReplace, "BANNED", true, "")
	Sync()
}

func TestLoggerWith(t *testing.T) {
	logs := observe(t, nil)

	Get(CategoryEvaluation).With("req", "abc").Info("done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["req"] != "abc" {
		t.Errorf("expected req=abc, got %v", entries[0].ContextMap())
	}
}

func TestAuditEvents(t *testing.T) {
	logs := observe(t, nil)

	AuditWithRequest("run-1").RulesChange(AuditRulesReplace, "selected_model", true, "")
	Audit().LLMCall("gemini-2.5-flash", 1200, 35, false, "quota")
	Audit().EvaluationDone("Algorithms", "DONE", 3, 40, "")

	audit := logs.FilterLoggerName(string(CategoryAudit)).All()
	if len(audit) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(audit))
	}
	first := audit[0].ContextMap()
	if first["event"] != string(AuditRulesReplace) || first["req"] != "run-1" || first["target"] != "selected_model" {
		t.Errorf("unexpected fields: %v", first)
	}
	if audit[1].ContextMap()["event"] != string(AuditLLMError) {
		t.Errorf("failed call should be llm_error, got %v", audit[1].ContextMap()["event"])
	}
}

func TestInitializeToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lobuilder.log")
	if err := Initialize(Config{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { InitializeWith(nil, nil) })

	Rules("written to file")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

// TestConcurrentLogging tests that concurrent category lookup is safe
func TestConcurrentLogging(t *testing.T) {
	observe(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Get(CategoryAPI).Info("goroutine %d message %d", n, j)
			}
		}(i)
	}
	wg.Wait()
}

func TestTimer(t *testing.T) {
	logs := observe(t, nil)

	timer := StartTimer(CategoryPrompt, "build")
	if timer.Stop() < 0 {
		t.Error("negative duration")
	}
	StartTimer(CategoryAPI, "generate").StopWithThreshold(0)

	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Error("expected threshold warning")
	}
}

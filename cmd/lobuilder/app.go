package main

import (
	"fmt"

	"lobuilder/internal/config"
	"lobuilder/internal/evaluation"
	"lobuilder/internal/llm"
	"lobuilder/internal/logging"
	"lobuilder/internal/rules"
	"lobuilder/internal/store"
)

// newClient builds the text-generation client. Tests replace it.
var newClient = func(cfg *config.Config) llm.Client {
	return llm.NewGenAIClient(
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithTimeout(cfg.GetLLMTimeout()),
	)
}

// app bundles the components a command needs.
type app struct {
	cfg     *config.Config
	rules   *rules.Store
	history *store.Store // nil when the store is disabled
	client  *llm.TracingClient
	orch    *evaluation.Orchestrator
}

// openApp opens the rule store and, unless disabled, the history store.
func openApp(cfg *config.Config, opts ...evaluation.Option) (*app, error) {
	a := &app{cfg: cfg}

	var ruleOpts []rules.Option
	if cfg.Rules.DefaultPath != "" {
		ruleOpts = append(ruleOpts, rules.WithDefaultPath(cfg.Rules.DefaultPath))
	}
	a.rules = rules.Open(cfg.Rules.Path, ruleOpts...)
	if res := a.rules.LoadResult(); res.Status == rules.FellBackToDefault {
		logging.RulesWarn("using default rules from %s: %v", res.Source, res.Reason)
	}

	if !cfg.Store.Disabled {
		h, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		a.history = h
	}

	a.client = llm.NewTracingClient(newClient(cfg))

	opts = append([]evaluation.Option{evaluation.WithAPIKeyEnv(cfg.LLM.APIKeyEnv)}, opts...)
	if a.history != nil {
		opts = append(opts, evaluation.WithRecorder(a.history))
	}
	a.orch = evaluation.New(a.rules, a.client, opts...)
	return a, nil
}

// Close releases the history store.
func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logging.Get(logging.CategoryStore).Warn("closing history store: %v", err)
		}
	}
	stats := a.client.Stats()
	if stats.Calls > 0 {
		logging.API("session totals: %d calls, %d failures, %v", stats.Calls, stats.Failures, stats.TotalTime)
	}
}

package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType identifies an auditable action.
type AuditEventType string

const (
	// Rule document events
	AuditRulesLoaded   AuditEventType = "rules_loaded"
	AuditRulesFallback AuditEventType = "rules_fallback"
	AuditRulesReplace  AuditEventType = "rules_replace"
	AuditRulesReset    AuditEventType = "rules_reset"
	AuditRulesReload   AuditEventType = "rules_reload"

	// Generation events
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Evaluation events
	AuditEvaluation AuditEventType = "evaluation"
	AuditTesterUnit AuditEventType = "tester_unit"
	AuditTesterRun  AuditEventType = "tester_run"
)

// AuditEvent is a structured audit log entry.
type AuditEvent struct {
	EventType  AuditEventType
	RequestID  string
	Target     string
	Action     string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
	Fields     map[string]interface{}
}

// AuditLogger writes audit events to the audit category.
type AuditLogger struct {
	requestID string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRequest returns an audit logger scoped to a request/run ID.
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// Log writes one audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsCategoryEnabled(CategoryAudit) {
		return
	}
	if event.RequestID == "" {
		event.RequestID = a.requestID
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Bool("success", event.Success),
		zap.Int64("ts", time.Now().UnixMilli()),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("req", event.RequestID))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}

	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	Root().Named(string(CategoryAudit)).Info(msg, fields...)
}

// RulesChange records a mutation of the rule document.
func (a *AuditLogger) RulesChange(event AuditEventType, key string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: event,
		Target:    key,
		Success:   success,
		Error:     errMsg,
	})
}

// LLMCall records one text-generation call.
func (a *AuditLogger) LLMCall(model string, promptChars int, durationMs int64, success bool, errMsg string) {
	event := AuditLLMResponse
	if !success {
		event = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  event,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"prompt_chars": promptChars},
	})
}

// EvaluationDone records the terminal state of one evaluation.
func (a *AuditLogger) EvaluationDone(unitName, state string, verdicts int, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditEvaluation,
		Target:     unitName,
		Action:     state,
		Success:    errMsg == "",
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"verdicts": verdicts},
	})
}

// TesterUnit records the label one unit received in a rewrite-tester run.
func (a *AuditLogger) TesterUnit(code, label string, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditTesterUnit,
		Target:     code,
		Action:     label,
		Success:    errMsg == "",
		DurationMs: durationMs,
		Error:      errMsg,
	})
}

// TesterRun records the totals of a finished rewrite-tester run.
func (a *AuditLogger) TesterRun(source string, units int, successRate float64, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditTesterRun,
		Target:     source,
		Success:    errMsg == "",
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"units": units, "success_rate": successRate},
	})
}

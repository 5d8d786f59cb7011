package llm

import (
	"context"
	"sync"
	"time"

	"lobuilder/internal/logging"
)

// CallStats summarizes the calls that passed through a TracingClient.
type CallStats struct {
	Calls     int
	Failures  int
	TotalTime time.Duration
}

type callCounter struct {
	mu    sync.Mutex
	stats CallStats
}

// TracingClient wraps any Client and logs and audits every call.
type TracingClient struct {
	underlying Client
	requestID  string
	counter    *callCounter
}

// NewTracingClient creates a tracing wrapper around an existing client.
func NewTracingClient(underlying Client) *TracingClient {
	return &TracingClient{underlying: underlying, counter: &callCounter{}}
}

// WithRequestID returns a wrapper whose audit events carry id. It shares the
// underlying client and the call counters with tc.
func (tc *TracingClient) WithRequestID(id string) *TracingClient {
	return &TracingClient{underlying: tc.underlying, requestID: id, counter: tc.counter}
}

// Generate implements Client with tracing.
func (tc *TracingClient) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	logging.APIDebug("generate started: model=%s prompt_len=%d", req.Model, len(req.Prompt))

	response, err := tc.underlying.Generate(ctx, req)

	duration := time.Since(start)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		logging.API("generate failed: model=%s duration=%v error=%s", req.Model, duration, errMsg)
	} else {
		logging.API("generate completed: model=%s duration=%v response_len=%d", req.Model, duration, len(response))
	}

	audit := logging.Audit()
	if tc.requestID != "" {
		audit = logging.AuditWithRequest(tc.requestID)
	}
	audit.LLMCall(req.Model, len(req.Prompt), duration.Milliseconds(), err == nil, errMsg)

	c := tc.counter
	c.mu.Lock()
	c.stats.Calls++
	c.stats.TotalTime += duration
	if err != nil {
		c.stats.Failures++
	}
	c.mu.Unlock()

	return response, err
}

// Stats returns a snapshot of the call counters, including calls made through
// wrappers derived with WithRequestID.
func (tc *TracingClient) Stats() CallStats {
	tc.counter.mu.Lock()
	defer tc.counter.mu.Unlock()
	return tc.counter.stats
}

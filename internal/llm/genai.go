package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"lobuilder/internal/transparency"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

const providerGenAI = "genai"

// GenAIClient generates text with the Gemini API. One SDK client is kept per
// API key, since the key can change whenever the rule document is edited.
type GenAIClient struct {
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// GenAIOption configures a GenAIClient.
type GenAIOption func(*GenAIClient)

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(url string) GenAIOption {
	return func(c *GenAIClient) { c.baseURL = url }
}

// WithTimeout bounds every generation call. Zero means no bound.
func WithTimeout(d time.Duration) GenAIOption {
	return func(c *GenAIClient) { c.timeout = d }
}

// NewGenAIClient creates a client. No network traffic happens until Generate.
func NewGenAIClient(opts ...GenAIOption) *GenAIClient {
	c := &GenAIClient{clients: make(map[string]*genai.Client)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate implements Client.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		return "", transparency.ErrMissingCredential
	}

	client, err := c.clientFor(ctx, key)
	if err != nil {
		return "", &transparency.ServiceError{Provider: providerGenAI, Model: req.Model, Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := client.Models.GenerateContent(ctx,
		req.Model,
		genai.Text(req.Prompt),
		&genai.GenerateContentConfig{
			Temperature: genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return "", &transparency.ServiceError{Provider: providerGenAI, Model: req.Model, Err: err}
	}
	return resp.Text(), nil
}

func (c *GenAIClient) clientFor(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

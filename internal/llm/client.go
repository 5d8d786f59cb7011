// Package llm is the narrow boundary to the external text-generation service.
package llm

import (
	"context"
)

// Request is one generation call. Sampling temperature is always pinned to 0.
type Request struct {
	Prompt string
	Model  string
	APIKey string
}

// Client sends a prompt and returns the raw response text.
//
// Implementations must fail with transparency.ErrMissingCredential before any
// network traffic when APIKey is empty, and must wrap transport or service
// failures in *transparency.ServiceError.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

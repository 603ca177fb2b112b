// Package ai wraps the language model used for PRD analysis. Everything
// downstream depends only on the small Client interface; a deterministic
// fallback keeps project creation working when the model is unreachable.
package ai

import (
	"context"
)

// Client is a minimal completion interface over a language model.
type Client interface {
	// Complete sends a prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

func (f ClientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

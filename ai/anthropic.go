package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/avast/retry-go"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	defaultModel     = anthropic.ModelClaudeSonnet4_20250514
	defaultMaxTokens = 4096

	// completionTimeout bounds a single Messages call. A hung completion
	// would otherwise stall project creation indefinitely.
	completionTimeout  = 60 * time.Second
	completionAttempts = 3
)

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	logger hclog.Logger
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient builds a client. An empty model selects the default;
// an empty API key falls back to the ANTHROPIC_API_KEY environment
// variable, which the SDK reads on its own.
func NewAnthropicClient(logger hclog.Logger, apiKey, model string) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	m := defaultModel
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicClient{
		logger: logger.Named("ai"),
		client: anthropic.NewClient(opts...),
		model:  m,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	defer metrics.MeasureSince([]string{"marcus", "ai", "complete"}, time.Now())

	var message *anthropic.Message
	err := sendWithRetry(ctx, c.logger, func(callCtx context.Context) error {
		var err error
		message, err = c.client.Messages.New(callCtx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: defaultMaxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		return err
	})
	if err != nil {
		metrics.IncrCounter([]string{"marcus", "ai", "error"}, 1)
		return "", fmt.Errorf("completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	c.logger.Debug("completion finished", "model", c.model,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens)
	return sb.String(), nil
}

// sendWithRetry runs fn up to completionAttempts times, each attempt under
// its own deadline. The caller's context still cancels the whole sequence.
func sendWithRetry(ctx context.Context, logger hclog.Logger, fn func(context.Context) error) error {
	return retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
		defer cancel()
		return fn(callCtx)
	},
		retry.Context(ctx),
		retry.Attempts(completionAttempts),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying completion", "attempt", n+1, "error", err)
		}),
	)
}

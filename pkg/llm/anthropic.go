package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic implements Client on the Anthropic Messages API.
type Anthropic struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates a client. SDK-level retries are disabled; Guard owns
// retry policy.
func NewAnthropic(log *slog.Logger, apiKey string, model anthropic.Model, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Anthropic{
		log:       log,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *Anthropic) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	start := time.Now()
	c.log.Debug("llm: anthropic call starting", "purpose", req.Purpose, "model", c.model, "maxTokens", maxTokens, "promptLen", len(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	duration := time.Since(start)
	if err != nil {
		c.log.Warn("llm: anthropic call failed", "purpose", req.Purpose, "duration", duration, "error", err)
		return Completion{}, fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("llm: anthropic call completed", "purpose", req.Purpose, "duration", duration, "stopReason", msg.StopReason)

	usage := Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return Completion{Text: block.Text, Usage: usage}, nil
		}
	}
	return Completion{Usage: usage}, ErrEmptyResponse
}

func anthropicStatus(err error) (int, bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

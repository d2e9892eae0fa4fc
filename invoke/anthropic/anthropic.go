// Package anthropic provides an invoke.Invoker backed by Anthropic's Claude
// API.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/matterflow/matterflow-go/invoke"
)

// Invoker executes capability calls against the Claude API. The call is
// rendered into a single-turn prompt requesting a JSON object; the response
// text is decoded into the output map.
//
// Safe for concurrent use: the underlying SDK client handles concurrent
// requests.
//
// Example:
//
//	inv := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "")
//	orch := agent.NewOrchestrator(st, inv)
type Invoker struct {
	client anthropic.Client
	model  string
}

var _ invoke.Invoker = (*Invoker)(nil)

// New creates a Claude-backed invoker. An empty model selects a default.
func New(apiKey, model string) *Invoker {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Invoker{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Invoke sends the rendered call prompt to Claude and decodes the response.
func (i *Invoker) Invoke(ctx context.Context, call invoke.Call) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	message, err := i.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(i.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(invoke.Prompt(call))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, errors.New("anthropic: empty response")
	}
	return invoke.DecodeOutput(text), nil
}

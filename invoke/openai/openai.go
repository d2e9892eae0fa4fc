// Package openai provides an invoke.Invoker backed by OpenAI's chat API.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/matterflow/matterflow-go/invoke"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Invoker executes capability calls against the OpenAI chat completions
// API. Safe for concurrent use.
//
// Example:
//
//	inv := openai.New(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	orch := agent.NewOrchestrator(st, inv)
type Invoker struct {
	client openai.Client
	model  string
}

var _ invoke.Invoker = (*Invoker)(nil)

// New creates an OpenAI-backed invoker. An empty model selects a default.
func New(apiKey, model string) *Invoker {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Invoker{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Invoke sends the rendered call prompt as a single user message and
// decodes the first choice into the output map.
func (i *Invoker) Invoke(ctx context.Context, call invoke.Call) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	completion, err := i.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(i.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(invoke.Prompt(call)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	return invoke.DecodeOutput(completion.Choices[0].Message.Content), nil
}

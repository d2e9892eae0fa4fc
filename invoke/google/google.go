// Package google provides an invoke.Invoker backed by Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/matterflow/matterflow-go/invoke"
	"google.golang.org/api/option"
)

// Invoker executes capability calls against the Gemini API. A client is
// created per invocation, matching the genai SDK's context-bound client
// lifecycle.
//
// Example:
//
//	inv := google.New(os.Getenv("GOOGLE_API_KEY"), "")
//	orch := agent.NewOrchestrator(st, inv)
type Invoker struct {
	apiKey string
	model  string
}

var _ invoke.Invoker = (*Invoker)(nil)

// New creates a Gemini-backed invoker. An empty model selects a default.
func New(apiKey, model string) *Invoker {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Invoker{apiKey: apiKey, model: model}
}

// Invoke sends the rendered call prompt to Gemini and decodes the first
// candidate's text parts into the output map.
func (i *Invoker) Invoke(ctx context.Context, call invoke.Call) (map[string]any, error) {
	if i.apiKey == "" {
		return nil, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(i.apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	model := client.GenerativeModel(i.model)
	resp, err := model.GenerateContent(ctx, genai.Text(invoke.Prompt(call)))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("google: empty response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	if text == "" {
		return nil, errors.New("google: no text in response")
	}
	return invoke.DecodeOutput(text), nil
}

// Package openai implements ports.LLM on any OpenAI compatible chat completion API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tallybook/flowengine/ports"
)

const DefaultModel = openai.GPT4oMini

type Options struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for OpenRouter or a local server.
	BaseURL string

	Model string
}

type llm struct {
	client *openai.Client
	model  string
}

func New(options Options) ports.LLM {
	config := openai.DefaultConfig(options.APIKey)
	if options.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(options.BaseURL, "/")
	}

	model := options.Model
	if model == "" {
		model = DefaultModel
	}

	return &llm{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (l *llm) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResult, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	model := req.Model
	if model == "" {
		model = l.model
	}

	creq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Metadata: req.Metadata,
	}

	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}

	resp, err := l.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	output := resp.Choices[0].Message.Content

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding completion response: %w", err)
	}

	return &ports.CompletionResult{
		Output:        output,
		DecisionEvent: decisionEvent(output),
		Raw:           raw,
	}, nil
}

// jsonObjectPattern matches the outermost JSON object, including inside markdown code blocks.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// decisionEvent extracts `decisionEvent` from a JSON object in the model output.
func decisionEvent(output string) string {
	obj := jsonObjectPattern.FindString(output)
	if obj == "" {
		return ""
	}

	var d struct {
		DecisionEvent string `json:"decisionEvent"`
	}
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return ""
	}

	return strings.TrimSpace(d.DecisionEvent)
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/ports"
)

// EmitPolicy gates whether a model's decision event is applied to the state machine.
type EmitPolicy struct {
	AllowDirectEmit bool     `json:"allowDirectEmit"`
	AllowedEvents   []string `json:"allowedEvents"`
}

// Allows returns true only if direct emission is enabled and the event is explicitly allowed.
func (p EmitPolicy) Allows(event string) bool {
	return p.AllowDirectEmit && slices.Contains(p.AllowedEvents, event)
}

type aiInput struct {
	Prompt      string            `json:"prompt" validate:"required"`
	Model       string            `json:"model"`
	Temperature *float32          `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Metadata    map[string]string `json:"metadata"`
	Policy      EmitPolicy        `json:"policy"`
}

type aiHandler struct{}

// NewAIHandler returns a handler that asks a language model for a completion.
func NewAIHandler() Handler {
	return &aiHandler{}
}

func (*aiHandler) Type() core.TaskType {
	return core.TaskTypeAI
}

func (*aiHandler) Execute(ctx context.Context, _ *core.Task, input map[string]any, p *ports.Ports) (*Result, error) {
	if p.LLM == nil {
		return nil, errors.New("no llm port configured")
	}

	var in aiInput
	if err := decodeInput(input, &in); err != nil {
		return failedf("%v", err), nil
	}

	r, err := p.LLM.Complete(ctx, ports.CompletionRequest{
		Prompt:      in.Prompt,
		Model:       in.Model,
		Temperature: in.Temperature,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("completing prompt: %w", err)
	}

	result := Succeeded(map[string]any{
		"output": r.Output,
	})

	if r.DecisionEvent != "" {
		result.Output["decisionEvent"] = r.DecisionEvent

		if in.Policy.Allows(r.DecisionEvent) {
			result.EmittedEvent = r.DecisionEvent
		} else {
			result.SuggestedEvent = r.DecisionEvent
		}
	}

	return result, nil
}

// Package handler executes tasks. There is one handler per task type.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/ports"
)

// Result is the outcome of one task execution.
type Result struct {
	Status core.TaskStatus
	Output map[string]any
	Error  map[string]any

	// EmittedEvent is applied to the state machine together with the completion event.
	EmittedEvent string

	// SuggestedEvent is recorded for review but never applied automatically.
	SuggestedEvent string
}

func Succeeded(output map[string]any) *Result {
	return &Result{Status: core.TaskStatusSucceeded, Output: output}
}

func Failed(details map[string]any) *Result {
	return &Result{Status: core.TaskStatusFailed, Error: details}
}

func failedf(format string, args ...any) *Result {
	return Failed(map[string]any{"message": fmt.Sprintf(format, args...)})
}

// Handler executes tasks of one type.
//
// Execute must be safe to call more than once for the same task. A returned error is
// treated like a FAILED result and is subject to retries.
type Handler interface {
	Type() core.TaskType

	Execute(ctx context.Context, task *core.Task, input map[string]any, p *ports.Ports) (*Result, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeInput converts the generic task input into a typed configuration and validates it.
func decodeInput(input map[string]any, v any) error {
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}

	return nil
}

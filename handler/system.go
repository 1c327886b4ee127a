package handler

import (
	"context"
	"time"

	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/ports"
)

type systemHandler struct{}

// NewSystemHandler returns a handler that succeeds without any external effect.
func NewSystemHandler() Handler {
	return &systemHandler{}
}

func (*systemHandler) Type() core.TaskType {
	return core.TaskTypeSystem
}

func (*systemHandler) Execute(_ context.Context, _ *core.Task, _ map[string]any, p *ports.Ports) (*Result, error) {
	return Succeeded(map[string]any{
		"completedAt": p.Clock.Now().UTC().Format(time.RFC3339Nano),
	}), nil
}

type timerHandler struct{}

// NewTimerHandler returns a handler for timers. A timer task is only claimable once its run
// time has passed, so running it completes it.
func NewTimerHandler() Handler {
	return &timerHandler{}
}

func (*timerHandler) Type() core.TaskType {
	return core.TaskTypeTimer
}

func (*timerHandler) Execute(_ context.Context, task *core.Task, _ map[string]any, p *ports.Ports) (*Result, error) {
	output := map[string]any{
		"firedAt": p.Clock.Now().UTC().Format(time.RFC3339Nano),
	}

	if task.RunAt != nil {
		output["runAt"] = task.RunAt.UTC().Format(time.RFC3339Nano)
	}

	return Succeeded(output), nil
}

type humanHandler struct{}

// NewHumanHandler returns a handler that refuses to run human tasks. They are completed
// through the client instead.
func NewHumanHandler() Handler {
	return &humanHandler{}
}

func (*humanHandler) Type() core.TaskType {
	return core.TaskTypeHuman
}

func (*humanHandler) Execute(context.Context, *core.Task, map[string]any, *ports.Ports) (*Result, error) {
	return failedf("human tasks must be completed via API"), nil
}

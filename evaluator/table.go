package evaluator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallybook/flowengine/core"
)

type tableEvaluator struct{}

// NewTableEvaluator returns an evaluator for core.MachineSpec transition tables.
//
// Events are applied in order. An event without a matching transition in the current state
// is ignored, except START which creates the entry tasks of the current state. Once a
// terminal state is reached all further events are ignored.
func NewTableEvaluator() Evaluator {
	return &tableEvaluator{}
}

func (e *tableEvaluator) Evaluate(req Request) (*Result, error) {
	if req.Spec == nil {
		return nil, fmt.Errorf("evaluating without a state machine specification")
	}

	snapshot, err := req.Snapshot.Clone()
	if err != nil {
		return nil, fmt.Errorf("copying snapshot: %w", err)
	}

	r := &Result{}

	for _, event := range req.Events {
		if req.Spec.IsTerminal(snapshot.State) {
			break
		}

		state, ok := req.Spec.States[snapshot.State]
		if !ok || state == nil {
			return nil, fmt.Errorf("current state %q is not part of the specification", snapshot.State)
		}

		tr, ok := state.On[event.Type]
		if !ok || tr == nil {
			if event.Type == core.EventStart {
				tasks, err := taskRequests(state.Tasks, req.Now)
				if err != nil {
					return nil, err
				}

				r.Tasks = append(r.Tasks, tasks...)
			}

			continue
		}

		target, ok := req.Spec.States[tr.Target]
		if !ok || target == nil {
			return nil, fmt.Errorf("transition %q from %q targets unknown state %q", event.Type, snapshot.State, tr.Target)
		}

		if err := applyContext(&snapshot, tr, event); err != nil {
			return nil, err
		}

		r.Transitions = append(r.Transitions, Transition{
			From:  snapshot.State,
			To:    tr.Target,
			Event: event.Type,
		})

		tasks, err := taskRequests(tr.Tasks, req.Now)
		if err != nil {
			return nil, err
		}
		r.Tasks = append(r.Tasks, tasks...)

		tasks, err = taskRequests(target.Tasks, req.Now)
		if err != nil {
			return nil, err
		}
		r.Tasks = append(r.Tasks, tasks...)

		snapshot.State = tr.Target
	}

	r.Snapshot = snapshot

	return r, nil
}

func applyContext(snapshot *core.Snapshot, tr *core.TransitionSpec, event core.MachineEvent) error {
	if tr.PayloadKey != "" {
		var payload any
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return fmt.Errorf("decoding payload of event %q: %w", event.Type, err)
			}
		}

		snapshot.Context[tr.PayloadKey] = payload
	}

	for k, v := range tr.Assign {
		snapshot.Context[k] = v
	}

	return nil
}

func taskRequests(templates []*core.TaskTemplate, now time.Time) ([]core.TaskRequest, error) {
	var tasks []core.TaskRequest

	for _, t := range templates {
		tr := core.TaskRequest{
			Name:            t.Name,
			Type:            t.Type,
			Input:           t.Input,
			MaxAttempts:     t.MaxAttempts,
			IdempotencyKey:  t.IdempotencyKey,
			CompletionEvent: t.CompletionEvent,
		}

		switch {
		case t.RunAt != nil:
			runAt := *t.RunAt
			tr.RunAt = &runAt
		case t.Delay != "":
			d, err := time.ParseDuration(t.Delay)
			if err != nil {
				return nil, fmt.Errorf("parsing delay of task %q: %w", t.Name, err)
			}

			runAt := now.Add(d)
			tr.RunAt = &runAt
		}

		if tr.MaxAttempts <= 0 {
			tr.MaxAttempts = core.DefaultMaxAttempts
		}

		if tr.CompletionEvent == "" {
			tr.CompletionEvent = core.EventTaskCompleted
		}

		tasks = append(tasks, tr)
	}

	return tasks, nil
}

// Package evaluator advances a workflow snapshot through its state machine specification.
//
// Evaluation is a pure function: the same request always yields the same result and no
// side effects are performed. Persisting the result is the orchestrator's job.
package evaluator

import (
	"time"

	"github.com/tallybook/flowengine/core"
)

type Request struct {
	Spec     *core.MachineSpec
	Snapshot core.Snapshot
	Events   []core.MachineEvent

	// Now anchors relative task delays.
	Now time.Time
}

type Transition struct {
	From  string
	To    string
	Event string
}

type Result struct {
	Snapshot    core.Snapshot
	Transitions []Transition
	Tasks       []core.TaskRequest
}

type Evaluator interface {
	Evaluate(req Request) (*Result, error)
}

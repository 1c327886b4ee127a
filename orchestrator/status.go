package orchestrator

import (
	"time"

	"github.com/tallybook/flowengine/core"
)

// DeriveStatus returns the instance status after an orchestrator run. The checks are applied
// in a fixed order: a task failure signal wins over a terminal state, which wins over the
// shape of the created tasks.
func DeriveStatus(events []core.MachineEvent, terminal bool, tasks []*core.Task, now time.Time) core.InstanceStatus {
	for _, e := range events {
		if e.IsFailureSignal() {
			return core.InstanceStatusFailed
		}
	}

	if terminal {
		return core.InstanceStatusCompleted
	}

	if len(tasks) == 0 {
		return core.InstanceStatusRunning
	}

	for _, t := range tasks {
		if t.Waits(now) {
			return core.InstanceStatusWaiting
		}
	}

	return core.InstanceStatusRunning
}

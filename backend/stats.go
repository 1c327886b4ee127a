package backend

type Stats struct {
	// ActiveInstances are instances that are not finished
	ActiveInstances int64

	// PendingTasks are tasks waiting to be claimed, including human tasks and timers that are
	// not due yet
	PendingTasks int64

	// RunningTasks are tasks currently claimed by a worker
	RunningTasks int64
}

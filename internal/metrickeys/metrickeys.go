package metrickeys

const (
	Prefix = "workflows."

	// Instances
	InstanceCreated  = Prefix + "instance.created"
	InstanceFinished = Prefix + "instance.finished"
	InstanceConflict = Prefix + "instance.conflict"

	OrchestratorJobProcessed = Prefix + "orchestrator.job.processed"
	OrchestratorJobDuration  = Prefix + "orchestrator.job.duration"

	// Tasks
	TaskCreated     = Prefix + "task.created"
	TaskEnqueued    = Prefix + "task.enqueued"
	TaskClaimMissed = Prefix + "task.claim_missed"
	TaskFollowUp    = Prefix + "task.follow_up_resent"
	TaskProcessed   = Prefix + "task.processed"
	TaskDuration    = Prefix + "task.duration"
	TaskDelay       = Prefix + "task.time_in_queue"

	// Queue deliveries
	JobRetried = Prefix + "queue.job.retried"
	JobDropped = Prefix + "queue.job.dropped"

	// Recovery
	SweeperReleased = Prefix + "sweeper.released"
	SweeperRequeued = Prefix + "sweeper.requeued"

	DefinitionCacheSize = Prefix + "definition.cache.size"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	Queue = "queue"

	Status   = "status"
	TaskType = "type"

	// Reason a job was dropped or a task left the running state
	Reason = "reason"
)

package tracing

const (
	TenantID = "workflow.tenant_id"

	InstanceID     = "workflow.instance_id"
	InstanceStatus = "workflow.instance_status"
	InstanceState  = "workflow.state"

	TaskID      = "workflow_task.id"
	TaskType    = "workflow_task.type"
	TaskAttempt = "workflow_task.attempt"

	Events = "workflow.events"
)

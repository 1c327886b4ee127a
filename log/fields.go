package log

const (
	NamespaceKey = "workflows"

	TenantIDKey     = NamespaceKey + ".tenant.id"
	InstanceIDKey   = NamespaceKey + ".instance.id"
	DefinitionIDKey = NamespaceKey + ".definition.id"
	BusinessKeyKey  = NamespaceKey + ".instance.business_key"
	StatusKey       = NamespaceKey + ".instance.status"
	StateKey        = NamespaceKey + ".instance.state"

	EventTypeKey = NamespaceKey + ".event.type"
	EventsKey    = NamespaceKey + ".events"

	TaskIDKey     = NamespaceKey + ".task.id"
	TaskNameKey   = NamespaceKey + ".task.name"
	TaskTypeKey   = NamespaceKey + ".task.type"
	TaskStatusKey = NamespaceKey + ".task.status"
	WillRetryKey  = NamespaceKey + ".task.will_retry"
	TraceIDKey    = NamespaceKey + ".trace.id"
	WorkerKey     = NamespaceKey + ".worker"

	QueueKey    = NamespaceKey + ".queue"
	JobIDKey    = NamespaceKey + ".job.id"
	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"

	// RunAtKey is the time at which a delayed task becomes runnable
	RunAtKey = NamespaceKey + ".task.run_at"
)

package worker

import (
	"time"

	"github.com/tallybook/flowengine/handler"
	"github.com/tallybook/flowengine/orchestrator"
	"github.com/tallybook/flowengine/ports"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/sweeper"
)

type Options struct {
	// OrchestratorPollers is the number of pollers for orchestrator jobs. Defaults to 2.
	OrchestratorPollers int

	// MaxParallelOrchestratorJobs determines the maximum number of orchestrator jobs processed
	// concurrently. Defaults to 5.
	MaxParallelOrchestratorJobs int

	// TaskPollers is the number of pollers for task jobs. Defaults to 2.
	TaskPollers int

	// MaxParallelTasks determines the maximum number of tasks executed concurrently. Defaults to 5.
	MaxParallelTasks int

	// LeaseDuration is how long a dequeued job is hidden from other consumers. Defaults to 1 minute.
	LeaseDuration time.Duration

	// HeartbeatInterval is the interval between lease extensions of running jobs. Defaults to
	// 25 seconds.
	HeartbeatInterval time.Duration

	// PollingInterval is the interval between polls of an empty queue. Defaults to 200ms.
	PollingInterval time.Duration

	// Handlers executes tasks. Defaults to the built-in handlers.
	Handlers *handler.Registry

	// Ports are the external systems handlers talk to.
	Ports *ports.Ports

	// OrchestratorJobAttempts bounds the deliveries of the orchestrator jobs the task runner
	// enqueues. Defaults to queue.DefaultOrchestratorAttempts.
	OrchestratorJobAttempts int

	OrchestratorOptions []orchestrator.Option

	// Sweeper configures recovery of abandoned tasks. Nil disables the sweeper.
	Sweeper *sweeper.Options
}

var DefaultOptions = Options{
	OrchestratorPollers:         2,
	MaxParallelOrchestratorJobs: 5,

	TaskPollers:      2,
	MaxParallelTasks: 5,

	LeaseDuration:     time.Minute,
	HeartbeatInterval: 25 * time.Second,
	PollingInterval:   200 * time.Millisecond,

	OrchestratorJobAttempts: queue.DefaultOrchestratorAttempts,

	Sweeper: &sweeper.DefaultOptions,
}

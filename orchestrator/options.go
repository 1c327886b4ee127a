package orchestrator

import (
	"time"

	"github.com/tallybook/flowengine/evaluator"
)

type Options struct {
	// Evaluator advances snapshots. Defaults to the transition table evaluator.
	Evaluator evaluator.Evaluator

	// DefinitionCacheSize is the number of definitions kept in memory.
	DefinitionCacheSize int

	// DefinitionCacheTTL is how long a definition is kept after it was loaded.
	DefinitionCacheTTL time.Duration

	// TaskBackoff is the initial delay between deliveries of a failing task job.
	TaskBackoff time.Duration
}

var DefaultOptions = Options{
	DefinitionCacheSize: 512,
	DefinitionCacheTTL:  10 * time.Minute,
	TaskBackoff:         5 * time.Second,
}

type Option func(*Options)

func WithEvaluator(e evaluator.Evaluator) Option {
	return func(o *Options) {
		o.Evaluator = e
	}
}

func WithDefinitionCache(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.DefinitionCacheSize = size
		o.DefinitionCacheTTL = ttl
	}
}

func WithTaskBackoff(initial time.Duration) Option {
	return func(o *Options) {
		o.TaskBackoff = initial
	}
}

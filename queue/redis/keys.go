package redis

import "fmt"

type keys struct {
	// jobs is a HASH of job ID to encoded job
	jobs string

	// ready is a LIST of job IDs, pushed left and popped right
	ready string

	// delayed is a ZSET of job IDs scored by the time they become due
	delayed string

	// leases is a ZSET of dequeued job IDs scored by the expiration of their lease
	leases string
}

// queueKeys shares a hash tag between all keys of a queue, so scripts can run in a cluster.
func queueKeys(prefix, queue string) *keys {
	tag := fmt.Sprintf("%s{%s}", prefix, queue)

	return &keys{
		jobs:    tag + ":jobs",
		ready:   tag + ":ready",
		delayed: tag + ":delayed",
		leases:  tag + ":leases",
	}
}

func (k *keys) all() []string {
	return []string{k.jobs, k.ready, k.delayed, k.leases}
}

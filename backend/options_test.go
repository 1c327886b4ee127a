package backend

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestWithLockTimeout(t *testing.T) {
	timeout := 5 * time.Minute

	opts := ApplyOptions(WithLockTimeout(timeout))

	assert.Equal(t, timeout, opts.LockTimeout)
}

func TestDefaultValues(t *testing.T) {
	opts := ApplyOptions()

	assert.Equal(t, time.Minute, opts.LockTimeout)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Metrics)
	assert.True(t, strings.HasPrefix(opts.WorkerName, "worker-"))

	// Every call gets its own worker name
	assert.NotEqual(t, opts.WorkerName, ApplyOptions().WorkerName)
}

func TestIntegrationWithOtherOptions(t *testing.T) {
	c := clock.NewMock()

	opts := ApplyOptions(
		WithWorkerName("worker-a"),
		WithClock(c),
		WithLockTimeout(30*time.Second),
	)

	assert.Equal(t, "worker-a", opts.WorkerName)
	assert.Equal(t, c, opts.Clock)
	assert.Equal(t, 30*time.Second, opts.LockTimeout)
}

func TestApplyListOptions(t *testing.T) {
	o := ApplyListOptions()
	assert.Equal(t, DefaultListLimit, o.Limit)

	o = ApplyListOptions(WithStatus("RUNNING"), WithPage(10, 20), WithDefinitionID("def-1"))
	assert.Equal(t, ListOptions{DefinitionID: "def-1", Status: "RUNNING", Limit: 10, Offset: 20}, o)
}

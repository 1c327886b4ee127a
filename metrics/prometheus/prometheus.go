// Package prometheus exposes metrics.Client metrics through a Prometheus registry.
package prometheus

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tallybook/flowengine/metrics"
)

type collectors struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

type client struct {
	c    *collectors
	tags metrics.Tags
}

// New returns a metrics client registering its collectors on reg. Metric names are
// converted to Prometheus names, e.g. `workflows.task.processed` becomes
// `workflows_task_processed`.
func New(reg prometheus.Registerer) metrics.Client {
	return &client{
		c: &collectors{
			reg:        reg,
			counters:   map[string]*prometheus.CounterVec{},
			histograms: map[string]*prometheus.HistogramVec{},
			gauges:     map[string]*prometheus.GaugeVec{},
		},
		tags: metrics.Tags{},
	}
}

func (c *client) Counter(name string, tags metrics.Tags, value float64) {
	tags = c.tags.Merge(tags)
	labels := labelNames(tags)

	vec := getOrRegister(c.c, c.c.counters, key(name, labels), func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricName(name)}, labels)
	})

	vec.With(prometheus.Labels(tags)).Add(value)
}

func (c *client) Distribution(name string, tags metrics.Tags, value float64) {
	c.observe(metricName(name), tags, value, prometheus.DefBuckets)
}

func (c *client) Gauge(name string, tags metrics.Tags, value float64) {
	tags = c.tags.Merge(tags)
	labels := labelNames(tags)

	vec := getOrRegister(c.c, c.c.gauges, key(name, labels), func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName(name)}, labels)
	})

	vec.With(prometheus.Labels(tags)).Set(value)
}

func (c *client) Timing(name string, tags metrics.Tags, duration time.Duration) {
	c.observe(metricName(name)+"_seconds", tags, duration.Seconds(), prometheus.DefBuckets)
}

func (c *client) WithTags(tags metrics.Tags) metrics.Client {
	return &client{
		c:    c.c,
		tags: c.tags.Merge(tags),
	}
}

func (c *client) observe(name string, tags metrics.Tags, value float64, buckets []float64) {
	tags = c.tags.Merge(tags)
	labels := labelNames(tags)

	vec := getOrRegister(c.c, c.c.histograms, key(name, labels), func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: buckets}, labels)
	})

	vec.With(prometheus.Labels(tags)).Observe(value)
}

func getOrRegister[T prometheus.Collector](c *collectors, m map[string]T, k string, create func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := m[k]; ok {
		return v
	}

	v := create()
	if err := c.reg.Register(v); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				v = existing
			}
		}
	}

	m[k] = v
	return v
}

func labelNames(tags metrics.Tags) []string {
	labels := make([]string, 0, len(tags))
	for k := range tags {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	return labels
}

func key(name string, labels []string) string {
	return name + "|" + strings.Join(labels, ",")
}

var nameReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func metricName(name string) string {
	return nameReplacer.Replace(name)
}

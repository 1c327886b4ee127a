package metrics

import "time"

type Tags map[string]string

type Client interface {
	Counter(name string, tags Tags, value float64)

	Distribution(name string, tags Tags, value float64)

	Gauge(name string, tags Tags, value float64)

	Timing(name string, tags Tags, duration time.Duration)

	WithTags(tags Tags) Client
}

// Merge returns a new set of tags with the values of other taking precedence.
func (t Tags) Merge(other Tags) Tags {
	r := make(Tags, len(t)+len(other))
	for k, v := range t {
		r[k] = v
	}

	for k, v := range other {
		r[k] = v
	}

	return r
}

// Package prometheus exposes flow metrics through a Prometheus registry.
package prometheus

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBuckets are used for distributions and timings, in milliseconds for timings.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type collectors struct {
	mu sync.Mutex

	reg     prometheus.Registerer
	buckets []float64
	logger  *slog.Logger

	counters   map[string]*vec[*prometheus.CounterVec]
	gauges     map[string]*vec[*prometheus.GaugeVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
}

// vec is a metric vector together with the label names it was created with.
type vec[V any] struct {
	v      V
	labels []string
}

type client struct {
	c    *collectors
	tags metrics.Tags
}

var _ metrics.Client = (*client)(nil)

type Option func(*collectors)

// WithBuckets sets the histogram buckets used for distributions and timings.
func WithBuckets(buckets []float64) Option {
	return func(c *collectors) {
		c.buckets = buckets
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *collectors) {
		c.logger = logger
	}
}

// NewClient returns a metrics client registering its collectors with reg on first use of a metric.
// The label names of a metric are fixed by the tags of its first use; later tags missing a label
// record it empty, tags without a label are dropped.
func NewClient(reg prometheus.Registerer, opts ...Option) metrics.Client {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &collectors{
		reg:        reg,
		buckets:    DefaultBuckets,
		logger:     slog.Default(),
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		gauges:     make(map[string]*vec[*prometheus.GaugeVec]),
		histograms: make(map[string]*vec[*prometheus.HistogramVec]),
	}

	for _, opt := range opts {
		opt(c)
	}

	return &client{c: c}
}

func (c *client) Counter(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)

	v, ok := getOrRegister(c.c, c.c.counters, name, tags, func(n string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: n, Help: name}, labels)
	})
	if !ok {
		return
	}

	v.v.With(v.values(tags)).Add(float64(value))
}

func (c *client) Distribution(name string, tags metrics.Tags, value float64) {
	c.observe(name, c.merge(tags), value)
}

func (c *client) Gauge(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)

	v, ok := getOrRegister(c.c, c.c.gauges, name, tags, func(n string, labels []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: n, Help: name}, labels)
	})
	if !ok {
		return
	}

	v.v.With(v.values(tags)).Set(float64(value))
}

func (c *client) Timing(name string, tags metrics.Tags, duration time.Duration) {
	c.observe(name, c.merge(tags), float64(duration.Milliseconds()))
}

func (c *client) WithTags(tags metrics.Tags) metrics.Client {
	return &client{c: c.c, tags: c.merge(tags)}
}

func (c *client) observe(name string, tags metrics.Tags, value float64) {
	v, ok := getOrRegister(c.c, c.c.histograms, name, tags, func(n string, labels []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: n, Help: name, Buckets: c.c.buckets}, labels)
	})
	if !ok {
		return
	}

	v.v.With(v.values(tags)).Observe(value)
}

func (c *client) merge(tags metrics.Tags) metrics.Tags {
	if len(c.tags) == 0 {
		return tags
	}

	r := maps.Clone(c.tags)
	maps.Copy(r, tags)

	return r
}

func (v *vec[V]) values(tags metrics.Tags) prometheus.Labels {
	l := make(prometheus.Labels, len(v.labels))
	for _, n := range v.labels {
		l[n] = tags[n]
	}

	return l
}

func getOrRegister[V prometheus.Collector](
	c *collectors, m map[string]*vec[V], name string, tags metrics.Tags, create func(name string, labels []string) V,
) (*vec[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := m[name]; ok {
		return v, true
	}

	labels := slices.Sorted(maps.Keys(tags))
	v := &vec[V]{v: create(metricName(name), labels), labels: labels}

	if err := c.reg.Register(v.v); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			c.logger.Error("could not register metric", "metric", name, "error", err)
			return nil, false
		}

		existing, ok := are.ExistingCollector.(V)
		if !ok {
			c.logger.Error("metric registered with different type", "metric", name)
			return nil, false
		}

		v.v = existing
	}

	m[name] = v

	return v, true
}

// metricName turns a dotted metric key into a valid Prometheus metric name.
func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}

		return '_'
	}, name)
}

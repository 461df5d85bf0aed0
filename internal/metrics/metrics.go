// Package metrics counts clone outcomes and throughput on a private
// prometheus registry that can be exported as a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gitclone"

// OutcomeSuccess labels a clone that completed.
const OutcomeSuccess = "success"

// Metrics holds the clone collectors. A nil *Metrics discards everything.
type Metrics struct {
	registry  *prometheus.Registry
	clones    *prometheus.CounterVec
	objects   prometheus.Counter
	packBytes prometheus.Counter
	duration  prometheus.Histogram
}

// New registers the clone collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clones_total",
			Help:      "Clones attempted, by outcome (success or the error kind).",
		}, []string{"outcome"}),
		objects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_written_total",
			Help:      "Objects newly written to object stores.",
		}),
		packBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pack_bytes_total",
			Help:      "Pack bytes received from remotes.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clone_duration_seconds",
			Help:      "Wall time of clones, successful or not.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(m.clones, m.objects, m.packBytes, m.duration)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveClone records one finished clone.
func (m *Metrics) ObserveClone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.clones.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// AddObjects counts newly written objects.
func (m *Metrics) AddObjects(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.objects.Add(float64(n))
}

// AddPackBytes counts received pack bytes.
func (m *Metrics) AddPackBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.packBytes.Add(float64(n))
}

// WriteToTextfile writes the current values in the text exposition format,
// atomically replacing path.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Package prom exports cache metrics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/always-cache/filecache/cache"
)

// Adapter implements cache.Metrics with Prometheus counters and gauges.
// Safe for concurrent use.
type Adapter struct {
	lookups *prometheus.CounterVec
	stored  prometheus.Counter
	bytes   prometheus.Counter
	evicts  *prometheus.CounterVec
	entries prometheus.Gauge
	size    prometheus.Gauge
}

// New constructs an adapter and registers its collectors with reg
// (prometheus.DefaultRegisterer if nil).
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "lookups_total",
				Help:        "Cache lookups by status",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "stored_total",
			Help:        "Responses stored",
			ConstLabels: constLabels,
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "stored_bytes_total",
			Help:        "Bytes of response bodies stored",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache entries removed by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "entries",
			Help:        "Number of indexed entries",
			ConstLabels: constLabels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_bytes",
			Help:        "Disk usage of the cache files",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.lookups, a.stored, a.bytes, a.evicts, a.entries, a.size)
	return a
}

func (a *Adapter) Lookup(s cache.Status) { a.lookups.WithLabelValues(s.String()).Inc() }

func (a *Adapter) Store(bytes int64) {
	a.stored.Inc()
	a.bytes.Add(float64(bytes))
}

func (a *Adapter) Evict(r cache.EvictReason) { a.evicts.WithLabelValues(r.String()).Inc() }

// Size updates the gauges. The values cover the whole zone, including
// entries stored by other processes.
func (a *Adapter) Size(entries, bytes int64) {
	a.entries.Set(float64(entries))
	a.size.Set(float64(bytes))
}

var _ cache.Metrics = (*Adapter)(nil)

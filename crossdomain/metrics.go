package crossdomain

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the component's prometheus instruments, scoped to a
// registry the embedder supplies rather than mutating the global default
// registry, matching containerd-shim-v2/shim_metrics.go's registry-scoped
// pattern. Only contextsOpen and fencesSignaled are updated by this package;
// itemTableSize, futexWatchers and jobQueueDepth are registered but never
// set, so they always read 0.
type Metrics struct {
	contextsOpen   prometheus.Gauge
	itemTableSize  prometheus.Gauge
	futexWatchers  prometheus.Gauge
	fencesSignaled prometheus.Counter
	jobQueueDepth  prometheus.Gauge
}

// NewMetrics registers the cross-domain instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		contextsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crossdomain",
			Name:      "contexts_open",
			Help:      "Number of cross-domain contexts currently open.",
		}),
		itemTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crossdomain",
			Name:      "item_table_size",
			Help:      "Total entries across all contexts' item tables.",
		}),
		futexWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crossdomain",
			Name:      "futex_watchers",
			Help:      "Number of live futex watcher goroutines.",
		}),
		fencesSignaled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crossdomain",
			Name:      "fences_signaled_total",
			Help:      "Total fences signaled by cross-domain workers.",
		}),
		jobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crossdomain",
			Name:      "job_queue_depth",
			Help:      "Current depth of the worker job queue, summed across contexts.",
		}),
	}
	reg.MustRegister(m.contextsOpen, m.itemTableSize, m.futexWatchers, m.fencesSignaled, m.jobQueueDepth)
	return m
}

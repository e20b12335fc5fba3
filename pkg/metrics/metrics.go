// Package metrics exposes the ambient Prometheus counters the engine's
// two scheduler loops carry regardless of whether the outer "metrics
// exposition" adapter (out of scope per spec §1) is wired up. Every
// teacher scheduler loop (load_balancer.go's metricsLoop, worker_manager's
// health checks, task_tracker's cleanup loop) registers counters the same
// way; this engine is no exception.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters and gauges the shedding and split
// schedulers update as they tick. FleetAverageUsage is registered but no
// scheduler sets it, so it stays at zero.
type Registry struct {
	TicksTotal          *prometheus.CounterVec
	UnloadsDispatched   *prometheus.CounterVec
	UnloadsFailed       *prometheus.CounterVec
	SplitCandidates     prometheus.Gauge
	RecentlyUnloadedLen prometheus.Gauge
	BrokersVisible      prometheus.Gauge
	FleetAverageUsage   prometheus.Gauge
}

// NewRegistry creates and registers a Registry against reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadshed",
			Name:      "scheduler_ticks_total",
			Help:      "Number of scheduler ticks, partitioned by outcome.",
		}, []string{"scheduler", "outcome"}),
		UnloadsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadshed",
			Name:      "unloads_dispatched_total",
			Help:      "Number of unload RPCs dispatched, partitioned by result.",
		}, []string{"result"}),
		UnloadsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadshed",
			Name:      "unloads_failed_total",
			Help:      "Number of unload RPCs that failed, partitioned by error kind.",
		}, []string{"kind"}),
		SplitCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadshed",
			Name:      "split_candidates",
			Help:      "Number of bundles proposed for split on the last split-scheduler tick.",
		}),
		RecentlyUnloadedLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadshed",
			Name:      "recently_unloaded_entries",
			Help:      "Current size of the recently-unloaded cooldown map.",
		}),
		BrokersVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadshed",
			Name:      "brokers_visible",
			Help:      "Number of brokers reported by the broker registry on the last shedding tick.",
		}),
		FleetAverageUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadshed",
			Name:      "fleet_average_usage",
			Help:      "Fleet-wide average smoothed weighted resource usage on the last tick.",
		}),
	}

	reg.MustRegister(
		r.TicksTotal,
		r.UnloadsDispatched,
		r.UnloadsFailed,
		r.SplitCandidates,
		r.RecentlyUnloadedLen,
		r.BrokersVisible,
		r.FleetAverageUsage,
	)
	return r
}

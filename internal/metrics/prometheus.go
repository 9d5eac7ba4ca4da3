// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all gateway metrics.
type Registry struct {
	// Authorization outcomes
	AuthorizationsGranted  prometheus.Counter
	AuthorizationsRejected *prometheus.CounterVec

	// Session terminations by cause (manual, expired, cascade)
	Terminations *prometheus.CounterVec

	// Sweep
	SweepTicks     prometheus.Counter
	SweepSkipped   prometheus.Counter
	SweepReclaimed prometheus.Counter

	// Firewall set operations
	PairsAdded     prometheus.Counter
	PairsRemoved   prometheus.Counter
	FilterErrors   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Reachability probes by strategy (tcp, icmp, mdns)
	ProbeSuccess *prometheus.CounterVec
	ProbeMisses  prometheus.Counter

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.AuthorizationsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_authorizations_granted_total",
		Help: "Total connect requests that resulted in a session",
	})

	r.AuthorizationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castgate_authorizations_rejected_total",
		Help: "Total connect requests rejected, by reason",
	}, []string{"reason"})

	r.Terminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castgate_terminations_total",
		Help: "Total session terminations, by cause",
	}, []string{"cause"})

	r.SweepTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_sweep_ticks_total",
		Help: "Total expiry sweep passes executed",
	})

	r.SweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_sweep_skipped_total",
		Help: "Sweep passes skipped because the previous pass was still running",
	})

	r.SweepReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_sweep_reclaimed_total",
		Help: "Expired sessions transitioned to inactive by the sweeper",
	})

	r.PairsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_pairs_added_total",
		Help: "Timed pairings installed in the packet filter set",
	})

	r.PairsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_pairs_removed_total",
		Help: "Pairings removed from the packet filter set",
	})

	r.FilterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castgate_filter_errors_total",
		Help: "Packet filter invocations that failed, by operation",
	}, []string{"operation"})

	r.ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castgate_active_sessions",
		Help: "Sessions currently marked active in the ledger",
	})

	r.ProbeSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castgate_probe_success_total",
		Help: "Reachability probes that succeeded, by strategy",
	}, []string{"strategy"})

	r.ProbeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castgate_probe_misses_total",
		Help: "Reachability checks where every strategy failed or timed out",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castgate_api_requests_total",
		Help: "API requests by method, path and status",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "castgate_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_pods_total",
			Help: "Number of registry pod records by status",
		},
		[]string{"status"},
	)

	PoolTarget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_pool_target",
			Help: "Desired warm pool size",
		},
	)

	// Assignment metrics
	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_assignments_total",
			Help: "Total assignment attempts by outcome",
		},
		[]string{"outcome"},
	)

	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_assignment_duration_seconds",
			Help:    "Time taken to assign a pod to a tenant in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 90},
		},
	)

	OnDemandInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_on_demand_in_flight",
			Help: "On-demand pod creations currently in flight",
		},
	)

	// Provisioning metrics
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_provision_duration_seconds",
			Help:    "Time from pod creation request to warm in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		},
	)

	ProvisionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_provision_failures_total",
			Help: "Total failed pod provisioning attempts",
		},
	)

	// Reaper metrics
	PodsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_pods_reaped_total",
			Help: "Total pods evicted by the reaper, by reason",
		},
		[]string{"reason"},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_reconcile_passes_total",
			Help: "Total reconciliation passes",
		},
	)

	OrphansRepaired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_orphans_repaired_total",
			Help: "Orphans repaired by the reconciler, by direction",
		},
		[]string{"direction"},
	)

	// Breaker metrics
	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_breaker_open",
			Help: "Whether the control plane circuit breaker is open (1 = open)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(PoolTarget)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(AssignmentDuration)
	prometheus.MustRegister(OnDemandInFlight)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionFailures)
	prometheus.MustRegister(PodsReaped)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(OrphansRepaired)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session lifecycle metrics
	SessionOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovinet_session_operations_total",
			Help: "Session lifecycle operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ovinet_sessions_active",
			Help: "Sessions currently in the active state",
		},
	)

	// Device metrics
	DeviceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovinet_device_failures_total",
			Help: "Device commands that failed after retries were exhausted",
		},
		[]string{"op"},
	)

	DeviceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ovinet_device_retries_total",
			Help: "Individual device command retries",
		},
	)

	// Reconcile metrics
	ReconcileFlagged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ovinet_reconcile_flagged_sessions",
			Help: "Sessions currently flagged for reconciliation",
		},
	)

	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovinet_reconcile_runs_total",
			Help: "Reconcile attempts per flagged session by outcome",
		},
		[]string{"outcome"},
	)

	// Usage metrics
	UsageReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovinet_usage_reports_total",
			Help: "Usage reports received by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionOperationsTotal,
		SessionsActive,
		DeviceFailuresTotal,
		DeviceRetriesTotal,
		ReconcileFlagged,
		ReconcileRunsTotal,
		UsageReportsTotal,
	)
}

// Handler exposes the registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed polling cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renobot_cycles_total",
		Help: "Total polling cycles completed, by outcome",
	}, []string{"outcome"})

	// PRsExaminedTotal counts PRs looked at across all cycles.
	PRsExaminedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renobot_prs_examined_total",
		Help: "Total pull requests examined",
	})

	// ApprovalsTotal counts submitted approvals.
	ApprovalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renobot_approvals_total",
		Help: "Total approvals submitted",
	})

	// FixesTotal counts lockfile fixer invocations by result.
	FixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renobot_fixes_total",
		Help: "Total lockfile fixer invocations, by result",
	}, []string{"result"})

	// ErrorsTotal counts errors by kind.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renobot_errors_total",
		Help: "Total errors, by kind",
	}, []string{"kind"})

	// APICallsTotal counts platform API calls spent.
	APICallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renobot_api_calls_total",
		Help: "Total platform API calls",
	})

	// DashboardRebuildsTotal counts dashboards rebuilt after corruption.
	DashboardRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renobot_dashboard_rebuilds_total",
		Help: "Dashboard state blocks rebuilt after corruption",
	})

	// QueueDepth tracks the dedup queue depth.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renobot_queue_depth",
		Help: "Current dedup queue depth",
	})

	// RateLimitRemaining mirrors the governor's quota view.
	RateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renobot_rate_limit_remaining",
		Help: "Remaining platform API quota",
	})

	// HealthScore exposes the derived health score.
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renobot_health_score",
		Help: "Derived health score (0-100)",
	})
)

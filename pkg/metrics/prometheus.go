package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports coordination metrics to the process registry.
type PrometheusRecorder struct {
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	costsTotal    *prometheus.CounterVec
	gateRunsTotal *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec
}

// NewPrometheusRecorder registers the coordination metric vectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		tasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_total",
				Help: "Total number of terminal task outcomes by session, agent, and status",
			},
			[]string{"session_id", "agent_id", "status"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordination_task_duration_seconds",
				Help:    "Duration of task execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"session_id", "agent_id"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tokens_total",
				Help: "Total number of tokens consumed by task execution",
			},
			[]string{"session_id", "agent_id"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_costs_total",
				Help: "Total cost in USD attributed to task execution",
			},
			[]string{"session_id", "agent_id"},
		),
		gateRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_gate_runs_total",
				Help: "Total number of quality gate runs by result",
			},
			[]string{"session_id", "result"},
		),
		lockConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_lock_conflicts_total",
				Help: "Total number of file lock acquisition conflicts",
			},
			[]string{"session_id"},
		),
	}
}

// ObserveTask records a terminal task outcome.
func (p *PrometheusRecorder) ObserveTask(sessionID, agentID, status string, tokens int64, cost float64, duration time.Duration) {
	p.tasksTotal.WithLabelValues(sessionID, agentID, status).Inc()
	p.taskDuration.WithLabelValues(sessionID, agentID).Observe(duration.Seconds())
	if tokens > 0 {
		p.tokensTotal.WithLabelValues(sessionID, agentID).Add(float64(tokens))
	}
	if cost > 0 {
		p.costsTotal.WithLabelValues(sessionID, agentID).Add(cost)
	}
}

// ObserveGateRun records a quality gate run outcome.
func (p *PrometheusRecorder) ObserveGateRun(sessionID string, passed bool) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	p.gateRunsTotal.WithLabelValues(sessionID, result).Inc()
}

// IncLockConflict increments the lock conflict counter.
func (p *PrometheusRecorder) IncLockConflict(sessionID string) {
	p.lockConflicts.WithLabelValues(sessionID).Inc()
}

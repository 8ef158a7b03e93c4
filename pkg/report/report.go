// Package report renders coordination state into human- and
// machine-readable reports. The generator formats data gathered from the
// agent pool, the metrics aggregator, and the session directory; it holds
// no state of its own.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"coordinator/pkg/coorderr"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/pool"
	"coordinator/pkg/proto"
)

// Type identifies a report kind.
type Type string

// Supported report types.
const (
	TypeSessionSummary   Type = "session_summary"
	TypeAgentPerformance Type = "agent_performance"
	TypeQualityMetrics   Type = "quality_metrics"
	TypeExecutive        Type = "executive"
)

// Format identifies a rendering format.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// SessionOverview is the per-session view the generator reports on.
type SessionOverview struct {
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Objective      string              `json:"objective"`
	Priority       proto.Priority      `json:"priority"`
	Agents         []string            `json:"agents,omitempty"`
	Status         proto.SessionStatus `json:"status"`
	TasksTotal     int                 `json:"tasks_total"`
	TasksActive    int                 `json:"tasks_active"`
	TasksCompleted int                 `json:"tasks_completed"`
	TasksFailed    int                 `json:"tasks_failed"`
	TasksCancelled int                 `json:"tasks_cancelled"`
}

// SessionSource supplies session overviews. The session manager implements it.
type SessionSource interface {
	Overview(sessionID string) (SessionOverview, error)
	Overviews() []SessionOverview
}

// Generator renders reports from live coordination state.
type Generator struct {
	sessions SessionSource
	agg      *metrics.Aggregator
	agents   *pool.Pool
	usage    *metrics.QueryService
	logger   *logx.Logger
}

// NewGenerator creates a report generator. The query service is optional;
// pass nil when no external Prometheus is configured.
func NewGenerator(sessions SessionSource, agg *metrics.Aggregator, agents *pool.Pool, usage *metrics.QueryService) *Generator {
	return &Generator{
		sessions: sessions,
		agg:      agg,
		agents:   agents,
		usage:    usage,
		logger:   logx.NewLogger("report"),
	}
}

// Generate renders one report. SessionID scopes session_summary and
// quality_metrics to a single session when non-empty and is ignored by the
// other types. Unknown types and formats are rejected.
func (g *Generator) Generate(ctx context.Context, reportType Type, sessionID string, format Format) (string, error) {
	if format != FormatJSON && format != FormatText {
		return "", coorderr.New(coorderr.KindInvalidConfiguration, "unsupported report format %q", format)
	}

	switch reportType {
	case TypeSessionSummary:
		return g.sessionSummary(sessionID, format)
	case TypeAgentPerformance:
		return g.agentPerformance(format)
	case TypeQualityMetrics:
		return g.qualityMetrics(sessionID, format)
	case TypeExecutive:
		return g.executive(ctx, format)
	default:
		return "", coorderr.New(coorderr.KindUnknownReportType, "unknown report type %q", reportType)
	}
}

type sessionSummaryReport struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Sessions    []sessionSummaryEntry `json:"sessions"`
}

type sessionSummaryEntry struct {
	SessionOverview
	Metrics metrics.SessionStats `json:"metrics"`
}

func (g *Generator) sessionSummary(sessionID string, format Format) (string, error) {
	var overviews []SessionOverview
	if sessionID != "" {
		ov, err := g.sessions.Overview(sessionID)
		if err != nil {
			return "", err
		}
		overviews = []SessionOverview{ov}
	} else {
		overviews = g.sessions.Overviews()
		sort.Slice(overviews, func(i, j int) bool { return overviews[i].CreatedAt.Before(overviews[j].CreatedAt) })
	}

	rpt := sessionSummaryReport{GeneratedAt: proto.Now()}
	for _, ov := range overviews {
		stats, _ := g.agg.SessionStatsFor(ov.ID)
		rpt.Sessions = append(rpt.Sessions, sessionSummaryEntry{SessionOverview: ov, Metrics: stats})
	}

	if format == FormatJSON {
		return marshalJSON(rpt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SESSION SUMMARY (%s)\n", rpt.GeneratedAt.Format(time.RFC3339))
	if len(rpt.Sessions) == 0 {
		b.WriteString("No sessions.\n")
		return b.String(), nil
	}
	for _, s := range rpt.Sessions {
		fmt.Fprintf(&b, "\nSession %s [%s]\n", s.ID, s.Status)
		if s.Name != "" {
			fmt.Fprintf(&b, "  Name:      %s\n", s.Name)
		}
		if s.Objective != "" {
			fmt.Fprintf(&b, "  Objective: %s\n", s.Objective)
		}
		fmt.Fprintf(&b, "  Priority:  %s\n", s.Priority)
		if len(s.Agents) > 0 {
			fmt.Fprintf(&b, "  Members:   %s\n", strings.Join(s.Agents, ", "))
		}
		fmt.Fprintf(&b, "  Created:   %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "  Tasks:     %d total, %d active, %d completed, %d failed, %d cancelled\n",
			s.TasksTotal, s.TasksActive, s.TasksCompleted, s.TasksFailed, s.TasksCancelled)
		fmt.Fprintf(&b, "  Gates:     %d runs, %d passed\n", s.Metrics.GateRuns, s.Metrics.GatesPassed)
		fmt.Fprintf(&b, "  Usage:     %d tokens, $%.4f\n", s.Metrics.Tokens, s.Metrics.CostUSD)
	}
	return b.String(), nil
}

type agentPerformanceReport struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Agents      []agentPerformanceEntry `json:"agents"`
}

type agentPerformanceEntry struct {
	pool.Snapshot
	Totals metrics.AgentStats `json:"totals"`
}

func (g *Generator) agentPerformance(format Format) (string, error) {
	snaps, err := g.agents.Status("")
	if err != nil {
		return "", err
	}
	agg := g.agg.Snapshot()

	rpt := agentPerformanceReport{GeneratedAt: agg.GeneratedAt}
	for _, s := range snaps {
		rpt.Agents = append(rpt.Agents, agentPerformanceEntry{Snapshot: s, Totals: agg.Agents[s.ID]})
	}
	sort.Slice(rpt.Agents, func(i, j int) bool { return rpt.Agents[i].ID < rpt.Agents[j].ID })

	if format == FormatJSON {
		return marshalJSON(rpt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "AGENT PERFORMANCE (%s)\n", rpt.GeneratedAt.Format(time.RFC3339))
	if len(rpt.Agents) == 0 {
		b.WriteString("No registered agents.\n")
		return b.String(), nil
	}
	for _, a := range rpt.Agents {
		fmt.Fprintf(&b, "\nAgent %s (%s) [%s]\n", a.ID, a.Provider, a.Status)
		fmt.Fprintf(&b, "  Capabilities:  %s\n", joinCapabilities(a.Capabilities))
		fmt.Fprintf(&b, "  Load:          %d/%d\n", a.Load, a.MaxLoad)
		fmt.Fprintf(&b, "  Success rate:  %.1f%%\n", a.SuccessRate*100)
		fmt.Fprintf(&b, "  Avg response:  %s\n", a.Totals.AvgResponseTime.Round(time.Millisecond))
		fmt.Fprintf(&b, "  Lifetime:      %d completed, %d failed, %d tokens, $%.4f\n",
			a.Totals.TasksCompleted, a.Totals.TasksFailed, a.Totals.Tokens, a.Totals.CostUSD)
	}
	return b.String(), nil
}

type qualityMetricsReport struct {
	GeneratedAt time.Time             `json:"generated_at"`
	SessionID   string                `json:"session_id,omitempty"`
	Windows     []metrics.WindowStats `json:"windows"`
}

func (g *Generator) qualityMetrics(sessionID string, format Format) (string, error) {
	if sessionID != "" {
		if _, err := g.sessions.Overview(sessionID); err != nil {
			return "", err
		}
	}

	rpt := qualityMetricsReport{GeneratedAt: proto.Now(), SessionID: sessionID}
	for _, name := range []string{metrics.Window1h, metrics.Window24h, metrics.Window7d, metrics.Window30d} {
		rpt.Windows = append(rpt.Windows, g.agg.WindowStatsFor(name, sessionID))
	}

	if format == FormatJSON {
		return marshalJSON(rpt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "QUALITY METRICS (%s)\n", rpt.GeneratedAt.Format(time.RFC3339))
	if sessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", sessionID)
	}
	for _, w := range rpt.Windows {
		passRate := 0.0
		if w.GateRuns > 0 {
			passRate = float64(w.GatesPassed) / float64(w.GateRuns) * 100
		}
		fmt.Fprintf(&b, "\nWindow %s\n", w.Window)
		fmt.Fprintf(&b, "  Gate runs:      %d (%.1f%% passed)\n", w.GateRuns, passRate)
		fmt.Fprintf(&b, "  Tasks:          %d completed, %d failed (%.1f%% success)\n",
			w.TasksCompleted, w.TasksFailed, w.SuccessRate*100)
		fmt.Fprintf(&b, "  Lock conflicts: %d\n", w.LockConflicts)
	}
	return b.String(), nil
}

type executiveReport struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	ActiveSessions   int                    `json:"active_sessions"`
	TotalSessions    int                    `json:"total_sessions"`
	RegisteredAgents int                    `json:"registered_agents"`
	Last24h          metrics.WindowStats    `json:"last_24h"`
	Last7d           metrics.WindowStats    `json:"last_7d"`
	EWMAResponseTime time.Duration          `json:"ewma_response_time"`
	PrometheusUsage  []metrics.SessionUsage `json:"prometheus_usage,omitempty"`
}

func (g *Generator) executive(ctx context.Context, format Format) (string, error) {
	overviews := g.sessions.Overviews()
	agg := g.agg.Snapshot()
	snaps, err := g.agents.Status("")
	if err != nil {
		return "", err
	}

	rpt := executiveReport{
		GeneratedAt:      agg.GeneratedAt,
		TotalSessions:    len(overviews),
		RegisteredAgents: len(snaps),
		Last24h:          agg.Windows[metrics.Window24h],
		Last7d:           agg.Windows[metrics.Window7d],
		EWMAResponseTime: agg.EWMAResponseTime,
	}
	for _, ov := range overviews {
		if ov.Status == proto.SessionActive {
			rpt.ActiveSessions++
		}
	}

	// Long-horizon usage comes from an external Prometheus when one is
	// configured; the in-memory windows only cover the retention span.
	if g.usage != nil {
		for _, ov := range overviews {
			usage, err := g.usage.GetSessionUsage(ctx, ov.ID)
			if err != nil {
				g.logger.Warn("Prometheus usage query failed for session %s: %v", ov.ID, err)
				break
			}
			rpt.PrometheusUsage = append(rpt.PrometheusUsage, *usage)
		}
	}

	if format == FormatJSON {
		return marshalJSON(rpt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "EXECUTIVE REPORT (%s)\n", rpt.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "\nSessions:  %d total, %d active\n", rpt.TotalSessions, rpt.ActiveSessions)
	fmt.Fprintf(&b, "Agents:    %d registered\n", rpt.RegisteredAgents)
	fmt.Fprintf(&b, "\nLast 24h:  %d tasks completed, %d failed (%.1f%% success), %d tokens, $%.4f\n",
		rpt.Last24h.TasksCompleted, rpt.Last24h.TasksFailed, rpt.Last24h.SuccessRate*100,
		rpt.Last24h.Tokens, rpt.Last24h.CostUSD)
	fmt.Fprintf(&b, "Last 7d:   %d tasks completed, %d failed (%.1f%% success), %d tokens, $%.4f\n",
		rpt.Last7d.TasksCompleted, rpt.Last7d.TasksFailed, rpt.Last7d.SuccessRate*100,
		rpt.Last7d.Tokens, rpt.Last7d.CostUSD)
	fmt.Fprintf(&b, "Response:  %s smoothed\n", rpt.EWMAResponseTime.Round(time.Millisecond))
	for _, u := range rpt.PrometheusUsage {
		fmt.Fprintf(&b, "\nSession %s (Prometheus): %d tokens, $%.4f, %d done, %d failed\n",
			u.SessionID, u.TotalTokens, u.TotalCost, u.TasksDone, u.TasksFailed)
	}
	return b.String(), nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(data), nil
}

func joinCapabilities(caps []proto.Capability) string {
	if len(caps) == 0 {
		return "(none)"
	}
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

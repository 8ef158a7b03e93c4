package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionUsage represents token and cost totals for a session as recorded
// by an external Prometheus server scraping the coordinator.
type SessionUsage struct {
	SessionID   string  `json:"session_id"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost_usd"`
	TasksDone   int64   `json:"tasks_done"`
	TasksFailed int64   `json:"tasks_failed"`
}

// QueryService provides methods to query coordination metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSessionUsage retrieves aggregated token and cost totals for a session,
// summed across all agents that executed its tasks.
func (q *QueryService) GetSessionUsage(ctx context.Context, sessionID string) (*SessionUsage, error) {
	usage := &SessionUsage{
		SessionID: sessionID,
	}

	tokensQuery := fmt.Sprintf(`sum(coordination_tokens_total{session_id=%q})`, sessionID)
	tokensResult, _, err := q.queryAPI.Query(ctx, tokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	if vector, ok := tokensResult.(model.Vector); ok && len(vector) > 0 {
		usage.TotalTokens = int64(vector[0].Value)
	}

	costQuery := fmt.Sprintf(`sum(coordination_costs_total{session_id=%q})`, sessionID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		usage.TotalCost = float64(vector[0].Value)
	}

	doneQuery := fmt.Sprintf(`sum(coordination_tasks_total{session_id=%q, status="completed"})`, sessionID)
	doneResult, _, err := q.queryAPI.Query(ctx, doneQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}
	if vector, ok := doneResult.(model.Vector); ok && len(vector) > 0 {
		usage.TasksDone = int64(vector[0].Value)
	}

	failedQuery := fmt.Sprintf(`sum(coordination_tasks_total{session_id=%q, status="failed"})`, sessionID)
	failedResult, _, err := q.queryAPI.Query(ctx, failedQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}
	if vector, ok := failedResult.(model.Vector); ok && len(vector) > 0 {
		usage.TasksFailed = int64(vector[0].Value)
	}

	return usage, nil
}

// GetUsageByAgent retrieves token and cost totals broken down by agent for
// a session. Agents with no recorded usage are absent from the result.
func (q *QueryService) GetUsageByAgent(ctx context.Context, sessionID string) (map[string]*SessionUsage, error) {
	result := make(map[string]*SessionUsage)

	agentsQuery := fmt.Sprintf(`group by (agent_id) (coordination_tokens_total{session_id=%q})`, sessionID)
	agentsResult, _, err := q.queryAPI.Query(ctx, agentsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}

	var agents []string
	if vector, ok := agentsResult.(model.Vector); ok {
		for _, s := range vector {
			if agentID, ok := s.Metric["agent_id"]; ok {
				agents = append(agents, string(agentID))
			}
		}
	}

	for _, agentID := range agents {
		usage := &SessionUsage{
			SessionID: sessionID,
		}

		tokensQuery := fmt.Sprintf(`sum(coordination_tokens_total{session_id=%q, agent_id=%q})`, sessionID, agentID)
		tokensResult, _, err := q.queryAPI.Query(ctx, tokensQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query tokens for agent %s: %w", agentID, err)
		}
		if vector, ok := tokensResult.(model.Vector); ok && len(vector) > 0 {
			usage.TotalTokens = int64(vector[0].Value)
		}

		costQuery := fmt.Sprintf(`sum(coordination_costs_total{session_id=%q, agent_id=%q})`, sessionID, agentID)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for agent %s: %w", agentID, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			usage.TotalCost = float64(vector[0].Value)
		}

		result[agentID] = usage
	}

	return result, nil
}

package pool

import (
	"fmt"
	"sort"

	"coordinator/pkg/coorderr"
	"coordinator/pkg/proto"
)

// OptimizeType selects which advisor runs.
type OptimizeType string

const (
	OptimizeLoad        OptimizeType = "load_balance"
	OptimizePerformance OptimizeType = "performance"
	OptimizeCapability  OptimizeType = "capability"
	OptimizeAll         OptimizeType = "all"
)

// Recommendation is one ranked advisory finding. The optimizer never
// mutates agent state; acting on findings is the caller's decision.
type Recommendation struct {
	Action string `json:"action"`
	Detail string `json:"detail"`
	Rank   int    `json:"rank"`
}

// Optimize analyzes the pool and returns ranked recommendations. With
// includeHistory the advisors also weigh completed/failed totals rather than
// only the current EWMA view.
func (p *Pool) Optimize(optType OptimizeType, includeHistory bool) ([]Recommendation, error) {
	p.mu.Lock()
	snapshots := make([]Snapshot, 0, len(p.agents))
	for _, rec := range p.agents {
		snapshots = append(snapshots, rec.snapshot())
	}
	p.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].RegisteredAt.Before(snapshots[j].RegisteredAt) })

	var recs []Recommendation
	switch optType {
	case OptimizeLoad:
		recs = loadAdvisor(snapshots)
	case OptimizePerformance:
		recs = performanceAdvisor(snapshots, includeHistory)
	case OptimizeCapability:
		recs = capabilityAdvisor(snapshots)
	case OptimizeAll:
		recs = append(recs, loadAdvisor(snapshots)...)
		recs = append(recs, performanceAdvisor(snapshots, includeHistory)...)
		recs = append(recs, capabilityAdvisor(snapshots)...)
	default:
		return nil, coorderr.New(coorderr.KindInvalidConfiguration, "unknown optimize type %q", optType)
	}

	for i := range recs {
		recs[i].Rank = i + 1
	}
	return recs, nil
}

func loadAdvisor(snapshots []Snapshot) []Recommendation {
	var recs []Recommendation

	var minLoad, maxLoad, total int
	var busiest, idlest string
	for i, s := range snapshots {
		total += s.Load
		if i == 0 || s.Load > maxLoad {
			maxLoad, busiest = s.Load, s.ID
		}
		if i == 0 || s.Load < minLoad {
			minLoad, idlest = s.Load, s.ID
		}
	}

	if len(snapshots) > 1 && maxLoad-minLoad >= 3 {
		recs = append(recs, Recommendation{
			Action: "rebalance_load",
			Detail: fmt.Sprintf("agent %s carries %d active tasks while %s carries %d; route new work away from %s", busiest, maxLoad, idlest, minLoad, busiest),
		})
	}

	for _, s := range snapshots {
		if s.MaxLoad > 0 && s.Load >= s.MaxLoad {
			recs = append(recs, Recommendation{
				Action: "agent_saturated",
				Detail: fmt.Sprintf("agent %s is at its configured capacity (%d/%d)", s.ID, s.Load, s.MaxLoad),
			})
		}
	}

	if len(snapshots) > 0 && total == 0 {
		recs = append(recs, Recommendation{
			Action: "pool_idle",
			Detail: fmt.Sprintf("all %d agents are idle; the pool has headroom for more sessions", len(snapshots)),
		})
	}
	return recs
}

func performanceAdvisor(snapshots []Snapshot, includeHistory bool) []Recommendation {
	var recs []Recommendation
	for _, s := range snapshots {
		if s.CompletedTasks+s.FailedTasks == 0 {
			continue
		}
		if s.SuccessRate < 0.5 {
			recs = append(recs, Recommendation{
				Action: "deprioritize_agent",
				Detail: fmt.Sprintf("agent %s success rate %.0f%% is below 50%%; consider routing critical work elsewhere", s.ID, s.SuccessRate*100),
			})
		}
		if includeHistory {
			total := s.CompletedTasks + s.FailedTasks
			if total >= 10 && s.FailedTasks*2 > total {
				recs = append(recs, Recommendation{
					Action: "review_agent_history",
					Detail: fmt.Sprintf("agent %s has failed %d of %d lifetime tasks", s.ID, s.FailedTasks, total),
				})
			}
		}
		if s.Status == proto.AgentError {
			recs = append(recs, Recommendation{
				Action: "investigate_agent",
				Detail: fmt.Sprintf("agent %s is in error state", s.ID),
			})
		}
	}
	return recs
}

func capabilityAdvisor(snapshots []Snapshot) []Recommendation {
	var recs []Recommendation

	coverage := make(map[proto.Capability]int)
	for _, s := range snapshots {
		if s.Status == proto.AgentOffline {
			continue
		}
		for _, c := range s.Capabilities {
			coverage[c]++
		}
	}

	for _, cap := range proto.KnownCapabilities() {
		switch coverage[cap] {
		case 0:
			recs = append(recs, Recommendation{
				Action: "missing_capability",
				Detail: fmt.Sprintf("no online agent offers %s; tasks requiring it will fail assignment", cap),
			})
		case 1:
			recs = append(recs, Recommendation{
				Action: "single_point_capability",
				Detail: fmt.Sprintf("only one online agent offers %s", cap),
			})
		}
	}

	for _, s := range snapshots {
		if s.Status == proto.AgentOffline {
			recs = append(recs, Recommendation{
				Action: "offline_agent",
				Detail: fmt.Sprintf("agent %s is offline; deregister it or bring it back to restore capacity", s.ID),
			})
		}
	}
	return recs
}

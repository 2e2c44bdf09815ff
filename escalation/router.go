// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"axonflow/escalation/directory"
	"axonflow/escalation/shared/logger"
)

// supervisorMarkers identify supervisor-class agent types. A candidate
// whose type contains none of these is never selected.
var supervisorMarkers = []string{"supervisor", "manager", "lead", "senior"}

// QueueDepthSource reports per-agent pending escalation counts, used for
// load-balanced routing.
type QueueDepthSource interface {
	PendingCountByTarget(ctx context.Context, workspaceID string) (map[string]int, error)
}

// Router selects a supervisor agent instance for a triggered escalation.
type Router struct {
	dir    directory.Directory
	depths QueueDepthSource

	// loadBalance applies a queue-depth penalty before final ranking.
	loadBalance bool

	log *logger.Logger
}

// NewRouter creates a router over the given agent directory. A nil depth
// source disables load balancing.
func NewRouter(dir directory.Directory, depths QueueDepthSource, loadBalance bool) *Router {
	return &Router{
		dir:         dir,
		depths:      depths,
		loadBalance: loadBalance && depths != nil,
		log:         logger.New("escalation-router"),
	}
}

// scoredCandidate pairs an instance with its routing score.
type scoredCandidate struct {
	instance *directory.AgentInstance
	score    float64
}

// RouteEscalation finds and ranks candidate supervisor agents for the rule
// match and returns the best one, or nil when no eligible candidate exists.
func (r *Router) RouteEscalation(ctx context.Context, workspaceID, projectID string, rule *EscalationRule, triggerData map[string]interface{}) (*directory.AgentInstance, error) {
	instances, err := r.dir.ListInstances(ctx, workspaceID, projectID,
		[]directory.InstanceStatus{directory.StatusIdle, directory.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to query agent instances: %w", err)
	}

	required := requiredCapabilities(triggerData)

	var candidates []scoredCandidate
	for _, inst := range instances {
		def, err := r.dir.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			r.log.Warn(workspaceID, "", "failed to resolve agent definition, skipping candidate", map[string]interface{}{
				"instance_id":   inst.ID,
				"definition_id": inst.DefinitionID,
				"error":         err.Error(),
			})
			continue
		}
		if def == nil || !def.Enabled {
			continue
		}
		if !isSupervisorType(def.AgentType) {
			continue
		}
		if rule.TargetAgentType != "" && !strings.Contains(strings.ToLower(def.AgentType), strings.ToLower(rule.TargetAgentType)) {
			continue
		}

		candidates = append(candidates, scoredCandidate{
			instance: inst,
			score:    scoreCandidate(inst, def, required),
		})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Stable sort preserves directory order for equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if r.loadBalance {
		depths, err := r.depths.PendingCountByTarget(ctx, workspaceID)
		if err != nil {
			r.log.Warn(workspaceID, "", "queue depth lookup failed, routing without load balancing", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			for i := range candidates {
				candidates[i].score -= queuePenalty(depths[candidates[i].instance.ID])
			}
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].score > candidates[j].score
			})
		}
	}

	top := candidates[0]
	if top.score <= 0 {
		return nil, nil
	}

	r.log.Info(workspaceID, "", "escalation routed", map[string]interface{}{
		"rule_id":     rule.ID,
		"instance_id": top.instance.ID,
		"score":       top.score,
		"candidates":  len(candidates),
	})

	return top.instance, nil
}

// scoreCandidate computes a routing score in [0, 1].
func scoreCandidate(inst *directory.AgentInstance, def *directory.AgentDefinition, required []string) float64 {
	score := 0.0

	// Availability.
	switch inst.Status {
	case directory.StatusIdle:
		score += 0.3
	case directory.StatusActive:
		score += 0.2
	}

	// Capability coverage.
	if len(required) > 0 {
		have := make(map[string]bool, len(def.Capabilities))
		for _, c := range def.Capabilities {
			have[strings.ToLower(c)] = true
		}
		matched := 0
		for _, want := range required {
			if have[strings.ToLower(want)] {
				matched++
			}
		}
		score += 0.3 * float64(matched) / float64(len(required))
	} else {
		score += 0.2
	}

	// Instance configuration bonuses.
	if maxTasks, ok := numericConfig(inst.Config, "max_concurrent_tasks"); ok {
		switch {
		case maxTasks > 5:
			score += 0.15
		case maxTasks > 3:
			score += 0.10
		case maxTasks > 1:
			score += 0.05
		}
	}
	if handles, ok := inst.Config["handles_escalations"].(bool); ok && handles {
		score += 0.25
	}

	// Historical performance, defaulting to a neutral 0.5.
	successRate := 0.5
	if rate, ok := numericConfig(inst.Metadata, "escalation_success_rate"); ok {
		successRate = rate
	}
	score += 0.2 * successRate

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// queuePenalty scales with pending escalations, capped at 0.5.
func queuePenalty(depth int) float64 {
	penalty := 0.1 * float64(depth)
	if penalty > 0.5 {
		penalty = 0.5
	}
	return penalty
}

// isSupervisorType reports whether the agent type names a supervisor-class
// agent.
func isSupervisorType(agentType string) bool {
	lower := strings.ToLower(agentType)
	for _, marker := range supervisorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// requiredCapabilities extracts the capability list from trigger data.
func requiredCapabilities(triggerData map[string]interface{}) []string {
	v, ok := triggerData["required_capabilities"]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// numericConfig reads a float out of a loosely typed config or metadata map.
func numericConfig(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"strings"
)

// PriorityScorer derives a complexity score from task signals. The score is
// an auxiliary metric recorded against escalation events; it never gates
// rule evaluation.
type PriorityScorer struct {
	weights map[string]float64
}

// NewPriorityScorer creates a scorer with default signal weights.
func NewPriorityScorer() *PriorityScorer {
	return &PriorityScorer{
		weights: map[string]float64{
			"description_length": 0.15,
			"dependency_count":   0.25,
			"retry_count":        0.20,
			"error_count":        0.25,
			"priority_flag":      0.15,
		},
	}
}

// CalculateComplexity scores task data on a 0-10 scale. Unknown keys are
// ignored; missing signals contribute zero.
func (s *PriorityScorer) CalculateComplexity(taskData map[string]interface{}) ComplexityMetrics {
	components := make(map[string]float64)

	if desc, ok := taskData["description"].(string); ok {
		// Longer task descriptions correlate with broader scope.
		length := float64(len(desc))
		components["description_length"] = clamp10(length / 200.0)
	}

	if deps, ok := numericSignal(taskData, "dependency_count"); ok {
		components["dependency_count"] = clamp10(deps * 2.0)
	}

	if retries, ok := numericSignal(taskData, "retry_count"); ok {
		components["retry_count"] = clamp10(retries * 2.5)
	}

	if errs, ok := numericSignal(taskData, "error_count"); ok {
		components["error_count"] = clamp10(errs * 2.0)
	}

	if prio, ok := taskData["priority"].(string); ok {
		switch strings.ToLower(prio) {
		case "critical":
			components["priority_flag"] = 10
		case "high":
			components["priority_flag"] = 7
		case "medium":
			components["priority_flag"] = 4
		case "low":
			components["priority_flag"] = 1
		}
	}

	overall := 0.0
	for name, value := range components {
		overall += value * s.weights[name]
	}

	return ComplexityMetrics{
		OverallScore: clamp10(overall),
		Components:   components,
	}
}

func clamp10(v float64) float64 {
	if v > 10 {
		return 10
	}
	if v < 0 {
		return 0
	}
	return v
}

func numericSignal(m map[string]interface{}, key string) (float64, bool) {
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

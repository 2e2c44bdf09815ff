// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"fmt"
	"time"

	"axonflow/escalation/shared/logger"
)

// Tracker records escalation metrics and computes aggregate statistics and
// historical patterns over persisted events.
type Tracker struct {
	events  EventStore
	metrics MetricStore
	log     *logger.Logger
}

// NewTracker creates a tracker over the given stores.
func NewTracker(events EventStore, metrics MetricStore) *Tracker {
	return &Tracker{
		events:  events,
		metrics: metrics,
		log:     logger.New("escalation-tracker"),
	}
}

// RecordMetric appends one metric tied to an event.
func (t *Tracker) RecordMetric(ctx context.Context, eventID, workspaceID, name string, value float64, unit string, tags map[string]string) error {
	metric := &EscalationMetric{
		EventID:     eventID,
		WorkspaceID: workspaceID,
		Name:        name,
		Value:       value,
		Unit:        unit,
		Tags:        tags,
	}

	if err := t.metrics.Insert(ctx, metric); err != nil {
		return fmt.Errorf("failed to record metric %s: %w", name, err)
	}
	return nil
}

// GetEscalationStats aggregates events in [start, end). All rates are 0.0
// when no events fall in range.
func (t *Tracker) GetEscalationStats(ctx context.Context, workspaceID, projectID string, start, end time.Time) (*EscalationStats, error) {
	events, err := t.events.ListInRange(ctx, workspaceID, projectID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for stats: %w", err)
	}

	stats := &EscalationStats{
		ByStatus:   make(map[EventStatus]int),
		BySeverity: make(map[Severity]int),
		ByReason:   make(map[Reason]int),
	}

	var assignSum, resolveSum float64
	var assignCount, resolveCount, resolved int

	for _, event := range events {
		stats.TotalEscalations++
		stats.ByStatus[event.Status]++
		stats.BySeverity[event.Severity]++
		stats.ByReason[event.Reason]++

		if event.Status == StatusResolved {
			resolved++
		}
		if event.TimeToAssignSeconds != nil {
			assignSum += *event.TimeToAssignSeconds
			assignCount++
		}
		if event.TimeToResolveSeconds != nil {
			resolveSum += *event.TimeToResolveSeconds
			resolveCount++
		}
	}

	if stats.TotalEscalations > 0 {
		stats.ResolutionRate = float64(resolved) / float64(stats.TotalEscalations)
	}
	if assignCount > 0 {
		stats.AvgTimeToAssignSeconds = assignSum / float64(assignCount)
	}
	if resolveCount > 0 {
		stats.AvgTimeToResolveSeconds = resolveSum / float64(resolveCount)
	}

	return stats, nil
}

// GetEscalationHistory lists events most recent first.
func (t *Tracker) GetEscalationHistory(ctx context.Context, workspaceID, projectID string, limit, offset int) ([]*EscalationEvent, int, error) {
	return t.events.List(ctx, workspaceID, projectID, limit, offset)
}

// DetectPatterns inspects the lookback window and reports the dominant
// source agent, the most common reason with its share, the hour of day
// with peak volume, the average daily rate, and the resolution rate.
// An empty map means no events fell in the window.
func (t *Tracker) DetectPatterns(ctx context.Context, workspaceID, projectID string, lookbackDays int) (map[string]interface{}, error) {
	if lookbackDays < 1 {
		lookbackDays = 7
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -lookbackDays)

	events, err := t.events.ListInRange(ctx, workspaceID, projectID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for pattern detection: %w", err)
	}

	if len(events) == 0 {
		return map[string]interface{}{}, nil
	}

	bySource := make(map[string]int)
	byReason := make(map[Reason]int)
	byHour := make(map[int]int)
	resolved := 0

	for _, event := range events {
		if event.SourceAgentID != "" {
			bySource[event.SourceAgentID]++
		}
		byReason[event.Reason]++
		byHour[event.CreatedAt.Hour()]++
		if event.Status == StatusResolved {
			resolved++
		}
	}

	total := len(events)
	patterns := map[string]interface{}{
		"total_escalations": total,
		"average_per_day":   float64(total) / float64(lookbackDays),
		"resolution_rate":   float64(resolved) / float64(total),
		"lookback_days":     lookbackDays,
	}

	if agent, count := maxStringKey(bySource); count > 0 {
		patterns["top_source_agent"] = agent
		patterns["top_source_agent_count"] = count
	}

	if reason, count := maxReasonKey(byReason); count > 0 {
		patterns["most_common_reason"] = string(reason)
		patterns["most_common_reason_pct"] = 100.0 * float64(count) / float64(total)
	}

	if hour, count := maxIntKey(byHour); count > 0 {
		patterns["peak_hour"] = hour
		patterns["peak_hour_count"] = count
	}

	return patterns, nil
}

// AgentPerformance summarizes one agent's escalation handling.
type AgentPerformance struct {
	AgentID                 string  `json:"agent_id"`
	TotalHandled            int     `json:"total_handled"`
	Resolved                int     `json:"resolved"`
	ResolutionRate          float64 `json:"resolution_rate"`
	AvgTimeToResolveSeconds float64 `json:"avg_time_to_resolve_seconds"`
}

// GetAgentPerformance computes per-target-agent resolution figures over the
// lookback window. A zeroed structure is returned when the agent handled
// nothing.
func (t *Tracker) GetAgentPerformance(ctx context.Context, agentID string, lookbackDays int) (*AgentPerformance, error) {
	if lookbackDays < 1 {
		lookbackDays = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	events, err := t.events.ListByTargetAgent(ctx, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent escalations: %w", err)
	}

	perf := &AgentPerformance{AgentID: agentID}
	var resolveSum float64
	var resolveCount int

	for _, event := range events {
		perf.TotalHandled++
		if event.Status == StatusResolved {
			perf.Resolved++
		}
		if event.TimeToResolveSeconds != nil {
			resolveSum += *event.TimeToResolveSeconds
			resolveCount++
		}
	}

	if perf.TotalHandled > 0 {
		perf.ResolutionRate = float64(perf.Resolved) / float64(perf.TotalHandled)
	}
	if resolveCount > 0 {
		perf.AvgTimeToResolveSeconds = resolveSum / float64(resolveCount)
	}

	return perf, nil
}

func maxStringKey(m map[string]int) (string, int) {
	var bestKey string
	best := 0
	for k, v := range m {
		if v > best || (v == best && (bestKey == "" || k < bestKey)) {
			bestKey, best = k, v
		}
	}
	return bestKey, best
}

func maxReasonKey(m map[Reason]int) (Reason, int) {
	var bestKey Reason
	best := 0
	for k, v := range m {
		if v > best || (v == best && (bestKey == "" || k < bestKey)) {
			bestKey, best = k, v
		}
	}
	return bestKey, best
}

func maxIntKey(m map[int]int) (int, int) {
	bestKey, best := -1, 0
	for k, v := range m {
		if v > best || (v == best && (bestKey == -1 || k < bestKey)) {
			bestKey, best = k, v
		}
	}
	return bestKey, best
}

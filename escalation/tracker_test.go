// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEventStore serves canned events and records state transitions.
type fakeEventStore struct {
	events map[string]*EscalationEvent

	created      []*EscalationEvent
	terminalized []string
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*EscalationEvent)}
}

func (s *fakeEventStore) Create(ctx context.Context, event *EscalationEvent) error {
	if event.ID == "" {
		event.ID = "evt-" + time.Now().Format("150405.000000000")
	}
	s.events[event.ID] = event
	s.created = append(s.created, event)
	return nil
}

func (s *fakeEventStore) GetByID(ctx context.Context, eventID string) (*EscalationEvent, error) {
	return s.events[eventID], nil
}

func (s *fakeEventStore) MarkAssigned(ctx context.Context, eventID, targetAgentID string, assignedAt time.Time, timeToAssign float64) (bool, error) {
	event, ok := s.events[eventID]
	if !ok || event.Status != StatusPending {
		return false, nil
	}
	event.Status = StatusAssigned
	event.TargetAgentID = targetAgentID
	event.AssignedAt = &assignedAt
	event.TimeToAssignSeconds = &timeToAssign
	return true, nil
}

func (s *fakeEventStore) MarkTerminal(ctx context.Context, eventID string, status EventStatus, resolvedAt *time.Time, timeToResolve *float64, resolutionData map[string]interface{}, errorMessage string) (bool, error) {
	event, ok := s.events[eventID]
	if !ok || event.Status.IsTerminal() {
		return false, nil
	}
	event.Status = status
	event.ResolvedAt = resolvedAt
	event.TimeToResolveSeconds = timeToResolve
	event.ResolutionData = resolutionData
	event.ErrorMessage = errorMessage
	s.terminalized = append(s.terminalized, eventID)
	return true, nil
}

func (s *fakeEventStore) List(ctx context.Context, workspaceID, projectID string, limit, offset int) ([]*EscalationEvent, int, error) {
	all := s.all()
	return all, len(all), nil
}

func (s *fakeEventStore) ListInRange(ctx context.Context, workspaceID, projectID string, start, end time.Time) ([]*EscalationEvent, error) {
	var out []*EscalationEvent
	for _, event := range s.all() {
		if !event.CreatedAt.Before(start) && event.CreatedAt.Before(end) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *fakeEventStore) ListByTargetAgent(ctx context.Context, agentID string, since time.Time) ([]*EscalationEvent, error) {
	var out []*EscalationEvent
	for _, event := range s.all() {
		if event.TargetAgentID == agentID && !event.CreatedAt.Before(since) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *fakeEventStore) PendingCountByTarget(ctx context.Context, workspaceID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, event := range s.all() {
		if event.TargetAgentID != "" && (event.Status == StatusPending || event.Status == StatusAssigned) {
			counts[event.TargetAgentID]++
		}
	}
	return counts, nil
}

func (s *fakeEventStore) all() []*EscalationEvent {
	out := make([]*EscalationEvent, 0, len(s.created))
	out = append(out, s.created...)
	return out
}

// fakeMetricStore accumulates inserted metrics.
type fakeMetricStore struct {
	inserted []*EscalationMetric
}

func (s *fakeMetricStore) Insert(ctx context.Context, metric *EscalationMetric) error {
	s.inserted = append(s.inserted, metric)
	return nil
}

func seedEvent(store *fakeEventStore, id string, status EventStatus, reason Reason, source string, createdAt time.Time) *EscalationEvent {
	event := &EscalationEvent{
		ID:            id,
		WorkspaceID:   "ws-1",
		RuleID:        "rule-1",
		Severity:      SeverityHigh,
		Reason:        reason,
		Status:        status,
		SourceAgentID: source,
		CreatedAt:     createdAt,
	}
	_ = store.Create(context.Background(), event)
	return event
}

func TestGetEscalationStats_ZeroEvents(t *testing.T) {
	tracker := NewTracker(newFakeEventStore(), &fakeMetricStore{})

	stats, err := tracker.GetEscalationStats(context.Background(), "ws-1", "",
		time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TotalEscalations)
	assert.Equal(t, 0.0, stats.ResolutionRate)
	assert.Equal(t, 0.0, stats.AvgTimeToAssignSeconds)
	assert.Equal(t, 0.0, stats.AvgTimeToResolveSeconds)
}

func TestGetEscalationStats_Aggregates(t *testing.T) {
	store := newFakeEventStore()
	now := time.Now().UTC()

	resolved := seedEvent(store, "e1", StatusResolved, ReasonHighErrorRate, "agent-a", now.Add(-time.Hour))
	ttr := 120.0
	resolved.TimeToResolveSeconds = &ttr
	tta := 30.0
	resolved.TimeToAssignSeconds = &tta

	seedEvent(store, "e2", StatusPending, ReasonTaskComplexity, "agent-b", now.Add(-2*time.Hour))
	seedEvent(store, "e3", StatusFailed, ReasonHighErrorRate, "agent-a", now.Add(-3*time.Hour))

	tracker := NewTracker(store, &fakeMetricStore{})
	stats, err := tracker.GetEscalationStats(context.Background(), "ws-1", "",
		now.Add(-24*time.Hour), now)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalEscalations)
	assert.InDelta(t, 1.0/3.0, stats.ResolutionRate, 1e-9)
	assert.Equal(t, 120.0, stats.AvgTimeToResolveSeconds)
	assert.Equal(t, 30.0, stats.AvgTimeToAssignSeconds)
	assert.Equal(t, 2, stats.ByReason[ReasonHighErrorRate])
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 3, stats.BySeverity[SeverityHigh])
}

func TestDetectPatterns_EmptyWindow(t *testing.T) {
	tracker := NewTracker(newFakeEventStore(), &fakeMetricStore{})

	patterns, err := tracker.DetectPatterns(context.Background(), "ws-1", "", 7)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestDetectPatterns_Aggregates(t *testing.T) {
	store := newFakeEventStore()
	now := time.Now().UTC()

	seedEvent(store, "e1", StatusResolved, ReasonHighErrorRate, "agent-a", now.Add(-time.Hour))
	seedEvent(store, "e2", StatusResolved, ReasonHighErrorRate, "agent-a", now.Add(-2*time.Hour))
	seedEvent(store, "e3", StatusPending, ReasonTaskComplexity, "agent-b", now.Add(-3*time.Hour))
	seedEvent(store, "e4", StatusFailed, ReasonHighErrorRate, "agent-a", now.Add(-26*time.Hour))

	tracker := NewTracker(store, &fakeMetricStore{})
	patterns, err := tracker.DetectPatterns(context.Background(), "ws-1", "", 7)
	require.NoError(t, err)

	assert.Equal(t, 4, patterns["total_escalations"])
	assert.Equal(t, "agent-a", patterns["top_source_agent"])
	assert.Equal(t, 3, patterns["top_source_agent_count"])
	assert.Equal(t, string(ReasonHighErrorRate), patterns["most_common_reason"])
	assert.InDelta(t, 75.0, patterns["most_common_reason_pct"].(float64), 1e-9)
	assert.InDelta(t, 0.5, patterns["resolution_rate"].(float64), 1e-9)
	assert.InDelta(t, 4.0/7.0, patterns["average_per_day"].(float64), 1e-9)
	assert.Equal(t, 7, patterns["lookback_days"])
	assert.Contains(t, patterns, "peak_hour")
}

func TestGetAgentPerformance_NoHistory(t *testing.T) {
	tracker := NewTracker(newFakeEventStore(), &fakeMetricStore{})

	perf, err := tracker.GetAgentPerformance(context.Background(), "agent-x", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, perf.TotalHandled)
	assert.Equal(t, 0.0, perf.ResolutionRate)
}

func TestGetAgentPerformance_Aggregates(t *testing.T) {
	store := newFakeEventStore()
	now := time.Now().UTC()

	handled := seedEvent(store, "e1", StatusResolved, ReasonHighErrorRate, "src", now.Add(-time.Hour))
	handled.TargetAgentID = "agent-x"
	ttr := 200.0
	handled.TimeToResolveSeconds = &ttr

	failed := seedEvent(store, "e2", StatusFailed, ReasonHighErrorRate, "src", now.Add(-2*time.Hour))
	failed.TargetAgentID = "agent-x"

	other := seedEvent(store, "e3", StatusResolved, ReasonHighErrorRate, "src", now.Add(-time.Hour))
	other.TargetAgentID = "agent-y"

	tracker := NewTracker(store, &fakeMetricStore{})
	perf, err := tracker.GetAgentPerformance(context.Background(), "agent-x", 30)
	require.NoError(t, err)

	assert.Equal(t, 2, perf.TotalHandled)
	assert.Equal(t, 1, perf.Resolved)
	assert.Equal(t, 0.5, perf.ResolutionRate)
	assert.Equal(t, 200.0, perf.AvgTimeToResolveSeconds)
}

func TestRecordMetric(t *testing.T) {
	metrics := &fakeMetricStore{}
	tracker := NewTracker(newFakeEventStore(), metrics)

	err := tracker.RecordMetric(context.Background(), "evt-1", "ws-1",
		"time_to_assign", 12.5, "seconds", map[string]string{"agent_id": "a-1"})
	require.NoError(t, err)

	require.Len(t, metrics.inserted, 1)
	assert.Equal(t, "time_to_assign", metrics.inserted[0].Name)
	assert.Equal(t, 12.5, metrics.inserted[0].Value)
	assert.Equal(t, "a-1", metrics.inserted[0].Tags["agent_id"])
}

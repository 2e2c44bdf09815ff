// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuleStore serves a fixed rule list in load order.
type fakeRuleStore struct {
	rules   []*EscalationRule
	listErr error
}

func (s *fakeRuleStore) Create(ctx context.Context, rule *EscalationRule) error { return nil }
func (s *fakeRuleStore) Update(ctx context.Context, rule *EscalationRule) error { return nil }
func (s *fakeRuleStore) Delete(ctx context.Context, workspaceID, ruleID string) error {
	return nil
}
func (s *fakeRuleStore) GetByID(ctx context.Context, workspaceID, ruleID string) (*EscalationRule, error) {
	for _, rule := range s.rules {
		if rule.ID == ruleID {
			return rule, nil
		}
	}
	return nil, nil
}
func (s *fakeRuleStore) ListEnabled(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error) {
	return s.rules, s.listErr
}
func (s *fakeRuleStore) List(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error) {
	return s.rules, s.listErr
}

func thresholdRule(t *testing.T, id string, priority int, doc string) *EscalationRule {
	t.Helper()
	cond, err := DecodeCondition(RuleTypeThreshold, json.RawMessage(doc))
	require.NoError(t, err)
	return &EscalationRule{
		ID:          id,
		WorkspaceID: "ws-1",
		Name:        id,
		RuleType:    RuleTypeThreshold,
		Condition:   cond,
		Severity:    SeverityHigh,
		Reason:      ReasonTaskComplexity,
		Priority:    priority,
		Enabled:     true,
	}
}

func ruleOfType(t *testing.T, id string, ruleType RuleType, doc string) *EscalationRule {
	t.Helper()
	cond, err := DecodeCondition(ruleType, json.RawMessage(doc))
	require.NoError(t, err)
	return &EscalationRule{
		ID:          id,
		WorkspaceID: "ws-1",
		Name:        id,
		RuleType:    ruleType,
		Condition:   cond,
		Severity:    SeverityMedium,
		Reason:      ReasonPatternDetected,
		Priority:    1,
		Enabled:     true,
	}
}

func TestEvaluateRules_ThresholdSingleKeyFires(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "complexity", 5, `{"complexity_threshold": 8.0}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 9.5

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "complexity", matches[0].Rule.ID)
	assert.Equal(t, 9.5, matches[0].TriggerData["complexity_score"])
	assert.Len(t, matches[0].MatchedConditions, 1)
}

func TestEvaluateRules_ThresholdBelowDoesNotFire(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "complexity", 5, `{"complexity_threshold": 8.0}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 7.99

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEvaluateRules_ThresholdBoundaryIsInclusive(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "complexity", 5, `{"complexity_threshold": 8.0}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 8.0

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEvaluateRules_RequireAllPartialNeverFires(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "strict", 5, `{"complexity_threshold": 8.0, "retry_threshold": 3}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 9.0
	evalCtx.RetryCount = 1

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Empty(t, matches, "partial satisfaction must not fire with require_all")

	evalCtx.RetryCount = 3
	matches, err = engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].MatchedConditions, 2)
}

func TestEvaluateRules_RequireAllCountsCustomMetricKeys(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "custom", 5,
			`{"custom_metrics": {"queue_depth": 10, "lag_seconds": 30}}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.CustomMetrics = map[string]interface{}{"queue_depth": 15.0}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Empty(t, matches, "one of two custom metric keys is partial satisfaction")

	evalCtx.CustomMetrics["lag_seconds"] = 45.0
	matches, err = engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 15.0, matches[0].TriggerData["custom_metrics.queue_depth"])
}

func TestEvaluateRules_RequireAllFalseFiresOnAny(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "any", 5,
			`{"complexity_threshold": 8.0, "retry_threshold": 3, "require_all": false}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.RetryCount = 5

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 5, matches[0].TriggerData["retry_count"])
}

func TestEvaluateRules_PriorityOrdering(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "low", 5, `{"complexity_threshold": 1.0}`),
		thresholdRule(t, "high", 10, `{"complexity_threshold": 1.0}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 2.0

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].Rule.ID)
	assert.Equal(t, "low", matches[1].Rule.ID)
}

func TestEvaluateRules_TiesKeepLoadOrder(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		thresholdRule(t, "first", 7, `{"complexity_threshold": 1.0}`),
		thresholdRule(t, "second", 7, `{"complexity_threshold": 1.0}`),
		thresholdRule(t, "third", 7, `{"complexity_threshold": 1.0}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 2.0

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "first", matches[0].Rule.ID)
	assert.Equal(t, "second", matches[1].Rule.ID)
	assert.Equal(t, "third", matches[2].Rule.ID)
}

func TestEvaluateRules_RuleErrorIsolation(t *testing.T) {
	// The broken rule has an invalid regex; the healthy rule must still
	// evaluate and match.
	broken := ruleOfType(t, "broken", RuleTypePattern, `{"patterns": ["[unclosed"]}`)
	healthy := thresholdRule(t, "healthy", 5, `{"complexity_threshold": 1.0}`)

	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{broken, healthy}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 2.0
	evalCtx.CustomMetrics = map[string]interface{}{"error_messages": []string{"boom"}}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err, "a single broken rule must not fail the evaluation pass")
	require.Len(t, matches, 1)
	assert.Equal(t, "healthy", matches[0].Rule.ID)
}

func TestEvaluateRules_StoreErrorPropagates(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{listErr: fmt.Errorf("db down")})

	_, err := engine.EvaluateRules(context.Background(), NewRuleEvaluationContext("ws-1", ""))
	require.Error(t, err)
}

func TestEvaluateRules_PatternCaseInsensitive(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "pat", RuleTypePattern, `{"patterns": ["connection refused"]}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.CustomMetrics = map[string]interface{}{
		"error_messages": []string{"dial tcp: Connection REFUSED"},
	}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].TriggerData, "pattern:connection refused")
}

func TestEvaluateRules_PatternScansConfiguredFields(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "pat", RuleTypePattern, `{"patterns": ["oom"], "fields": ["kernel_logs"]}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.CustomMetrics = map[string]interface{}{
		"error_messages": []string{"OOM killed"},
		"kernel_logs":    []interface{}{"process OOM killer invoked"},
	}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "process OOM killer invoked", matches[0].TriggerData["pattern:oom"])
}

func TestEvaluateRules_TimeBasedDuration(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "slow", RuleTypeTimeBased, `{"duration_threshold_seconds": 300}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ExecutionDurationSeconds = 301

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 301.0, matches[0].TriggerData["execution_duration_seconds"])
}

func TestEvaluateRules_TimeBasedWindowWrapsMidnight(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "night", RuleTypeTimeBased, `{"start_hour": 22, "end_hour": 6}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.Timestamp = time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	evalCtx.Timestamp = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	matches, err = engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEvaluateRules_ResourceAnyCheckFires(t *testing.T) {
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "mem", RuleTypeResource, `{"memory_mb": 1024, "cpu_percent": 90}`),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ResourceUsage = map[string]float64{"memory_mb": 2048, "cpu_percent": 10}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2048.0, matches[0].TriggerData["memory_mb"])
	assert.NotContains(t, matches[0].TriggerData, "cpu_percent")
}

func TestEvaluateRules_CompositeAnd(t *testing.T) {
	doc := `{
		"operator": "and",
		"rules": [
			{"rule_type": "threshold", "condition": {"complexity_threshold": 5.0}},
			{"rule_type": "resource_based", "condition": {"memory_mb": 1024}}
		]
	}`
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "combo", RuleTypeComposite, doc),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ComplexityScore = 6.0

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	assert.Empty(t, matches, "and requires every sub-condition")

	evalCtx.ResourceUsage = map[string]float64{"memory_mb": 4096}
	matches, err = engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].MatchedConditions, 2)
	assert.Equal(t, 6.0, matches[0].TriggerData["complexity_score"])
	assert.Equal(t, 4096.0, matches[0].TriggerData["memory_mb"])
}

func TestEvaluateRules_CompositeOr(t *testing.T) {
	doc := `{
		"operator": "or",
		"rules": [
			{"rule_type": "threshold", "condition": {"complexity_threshold": 5.0}},
			{"rule_type": "resource_based", "condition": {"memory_mb": 1024}}
		]
	}`
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "either", RuleTypeComposite, doc),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.ResourceUsage = map[string]float64{"memory_mb": 2048}

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestEvaluateRules_CompositeNests(t *testing.T) {
	doc := `{
		"operator": "and",
		"rules": [
			{"rule_type": "threshold", "condition": {"retry_threshold": 2}},
			{"rule_type": "composite", "condition": {
				"operator": "or",
				"rules": [
					{"rule_type": "threshold", "condition": {"complexity_threshold": 9.0}},
					{"rule_type": "time_based", "condition": {"duration_threshold_seconds": 60}}
				]
			}}
		]
	}`
	engine := NewRulesEngine(&fakeRuleStore{rules: []*EscalationRule{
		ruleOfType(t, "nested", RuleTypeComposite, doc),
	}})

	evalCtx := NewRuleEvaluationContext("ws-1", "")
	evalCtx.RetryCount = 3
	evalCtx.ExecutionDurationSeconds = 90

	matches, err := engine.EvaluateRules(context.Background(), evalCtx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].MatchedConditions, 2)
}

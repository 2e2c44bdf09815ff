// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"axonflow/escalation/shared/logger"
)

// RuleStore is the persistence boundary for escalation rules.
type RuleStore interface {
	Create(ctx context.Context, rule *EscalationRule) error
	Update(ctx context.Context, rule *EscalationRule) error
	Delete(ctx context.Context, workspaceID, ruleID string) error
	GetByID(ctx context.Context, workspaceID, ruleID string) (*EscalationRule, error)

	// ListEnabled returns enabled rules visible to the given scope:
	// workspace-wide rules plus rules bound to the given project, ordered
	// by priority descending with creation time as the stable tiebreak.
	ListEnabled(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error)

	// List returns all rules in scope, enabled or not, in the same order.
	List(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error)
}

// RulesEngine evaluates escalation rules against execution contexts.
type RulesEngine struct {
	rules RuleStore
	log   *logger.Logger
}

// NewRulesEngine creates a rules engine backed by the given store.
func NewRulesEngine(rules RuleStore) *RulesEngine {
	return &RulesEngine{
		rules: rules,
		log:   logger.New("escalation-rules-engine"),
	}
}

// EvaluateRules loads the enabled rules in scope and evaluates each against
// the context. The result is ranked by rule priority descending; ties keep
// load order. A failure inside a single rule is logged and treated as a
// non-match so remaining rules still run.
func (e *RulesEngine) EvaluateRules(ctx context.Context, evalCtx *RuleEvaluationContext) ([]*RuleMatch, error) {
	rules, err := e.rules.ListEnabled(ctx, evalCtx.WorkspaceID, evalCtx.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}

	var matches []*RuleMatch
	for _, rule := range rules {
		match, err := e.evaluateRule(rule, evalCtx)
		if err != nil {
			e.log.Warn(evalCtx.WorkspaceID, "", "rule evaluation failed, treating as non-match", map[string]interface{}{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
				"error":     err.Error(),
			})
			continue
		}
		if match != nil {
			matches = append(matches, match)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Rule.Priority > matches[j].Rule.Priority
	})

	return matches, nil
}

// evaluateRule dispatches on the rule type. It returns nil when the rule
// does not fire.
func (e *RulesEngine) evaluateRule(rule *EscalationRule, evalCtx *RuleEvaluationContext) (*RuleMatch, error) {
	hit, err := evaluateCondition(rule.RuleType, rule.Condition, evalCtx)
	if err != nil {
		return nil, err
	}
	if hit == nil {
		return nil, nil
	}
	return &RuleMatch{
		Rule:              rule,
		MatchedConditions: hit.matched,
		TriggerData:       hit.trigger,
	}, nil
}

// conditionHit is the internal result of a single condition evaluation.
type conditionHit struct {
	matched []string
	trigger map[string]interface{}
}

// evaluateCondition runs one condition variant against the context. The
// composite case recurses directly over its sub-condition documents.
func evaluateCondition(ruleType RuleType, cond Condition, evalCtx *RuleEvaluationContext) (*conditionHit, error) {
	switch ruleType {
	case RuleTypeThreshold:
		if cond.Threshold == nil {
			return nil, fmt.Errorf("threshold rule has no threshold condition")
		}
		return evaluateThreshold(cond.Threshold, evalCtx), nil
	case RuleTypePattern:
		if cond.Pattern == nil {
			return nil, fmt.Errorf("pattern rule has no pattern condition")
		}
		return evaluatePattern(cond.Pattern, evalCtx)
	case RuleTypeTimeBased:
		if cond.TimeBased == nil {
			return nil, fmt.Errorf("time_based rule has no time condition")
		}
		return evaluateTimeBased(cond.TimeBased, evalCtx), nil
	case RuleTypeResource:
		if cond.Resource == nil {
			return nil, fmt.Errorf("resource_based rule has no resource condition")
		}
		return evaluateResource(cond.Resource, evalCtx), nil
	case RuleTypeComposite:
		if cond.Composite == nil {
			return nil, fmt.Errorf("composite rule has no composite condition")
		}
		return evaluateComposite(cond.Composite, evalCtx)
	default:
		return nil, fmt.Errorf("unknown rule type: %q", ruleType)
	}
}

// evaluateThreshold compares each configured key against the context with
// >= semantics. With require_all (the default) the number of satisfied keys
// must exactly equal the number of configured keys; otherwise one satisfied
// key is enough.
func evaluateThreshold(c *ThresholdCondition, evalCtx *RuleEvaluationContext) *conditionHit {
	expected := c.keyCount()
	if expected == 0 {
		return nil
	}

	hit := &conditionHit{trigger: map[string]interface{}{}}

	if c.ComplexityThreshold != nil && evalCtx.ComplexityScore >= *c.ComplexityThreshold {
		hit.matched = append(hit.matched,
			fmt.Sprintf("complexity_score %.2f >= %.2f", evalCtx.ComplexityScore, *c.ComplexityThreshold))
		hit.trigger["complexity_score"] = evalCtx.ComplexityScore
	}
	if c.ErrorRateThreshold != nil && evalCtx.ErrorRate >= *c.ErrorRateThreshold {
		hit.matched = append(hit.matched,
			fmt.Sprintf("error_rate %.2f >= %.2f", evalCtx.ErrorRate, *c.ErrorRateThreshold))
		hit.trigger["error_rate"] = evalCtx.ErrorRate
	}
	if c.RetryThreshold != nil && evalCtx.RetryCount >= *c.RetryThreshold {
		hit.matched = append(hit.matched,
			fmt.Sprintf("retry_count %d >= %d", evalCtx.RetryCount, *c.RetryThreshold))
		hit.trigger["retry_count"] = evalCtx.RetryCount
	}

	// Custom metric keys are individual conditions. Deterministic order
	// keeps matched-condition output stable.
	for _, key := range sortedKeys(c.CustomMetrics) {
		threshold := c.CustomMetrics[key]
		value, ok := numericMetric(evalCtx.CustomMetrics, key)
		if ok && value >= threshold {
			hit.matched = append(hit.matched,
				fmt.Sprintf("custom_metrics.%s %.2f >= %.2f", key, value, threshold))
			hit.trigger["custom_metrics."+key] = value
		}
	}

	if c.requireAll() {
		if len(hit.matched) != expected {
			return nil
		}
	} else if len(hit.matched) == 0 {
		return nil
	}

	return hit
}

// evaluatePattern scans string lists in the context's custom metrics for
// case-insensitive regex matches. Scanning a field stops at the first hit
// for each pattern.
func evaluatePattern(c *PatternCondition, evalCtx *RuleEvaluationContext) (*conditionHit, error) {
	if len(c.Patterns) == 0 {
		return nil, nil
	}

	hit := &conditionHit{trigger: map[string]interface{}{}}

	for _, pattern := range c.Patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

	scan:
		for _, field := range c.scanFields() {
			for _, msg := range stringList(evalCtx.CustomMetrics, field) {
				if re.MatchString(msg) {
					hit.matched = append(hit.matched,
						fmt.Sprintf("pattern %q matched %s", pattern, field))
					hit.trigger["pattern:"+pattern] = msg
					break scan
				}
			}
		}
	}

	if len(hit.matched) == 0 {
		return nil, nil
	}
	return hit, nil
}

// evaluateTimeBased fires when either the duration threshold is met or the
// context timestamp falls inside the configured hour window.
func evaluateTimeBased(c *TimeCondition, evalCtx *RuleEvaluationContext) *conditionHit {
	hit := &conditionHit{trigger: map[string]interface{}{}}

	if c.DurationThresholdSeconds != nil && evalCtx.ExecutionDurationSeconds >= *c.DurationThresholdSeconds {
		hit.matched = append(hit.matched,
			fmt.Sprintf("execution_duration %.1fs >= %.1fs", evalCtx.ExecutionDurationSeconds, *c.DurationThresholdSeconds))
		hit.trigger["execution_duration_seconds"] = evalCtx.ExecutionDurationSeconds
	}

	if c.StartHour != nil && c.EndHour != nil {
		hour := evalCtx.Timestamp.Hour()
		if hourInWindow(hour, *c.StartHour, *c.EndHour) {
			hit.matched = append(hit.matched,
				fmt.Sprintf("hour %d within [%d, %d)", hour, *c.StartHour, *c.EndHour))
			hit.trigger["hour"] = hour
		}
	}

	if len(hit.matched) == 0 {
		return nil
	}
	return hit
}

// hourInWindow treats [start, end) as a possibly midnight-wrapping window.
func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// evaluateResource fires when any configured resource reading meets its
// threshold.
func evaluateResource(c *ResourceCondition, evalCtx *RuleEvaluationContext) *conditionHit {
	hit := &conditionHit{trigger: map[string]interface{}{}}

	check := func(key string, threshold *float64) {
		if threshold == nil {
			return
		}
		value, ok := evalCtx.ResourceUsage[key]
		if ok && value >= *threshold {
			hit.matched = append(hit.matched,
				fmt.Sprintf("%s %.2f >= %.2f", key, value, *threshold))
			hit.trigger[key] = value
		}
	}

	check("memory_mb", c.MemoryMB)
	check("cpu_percent", c.CPUPercent)
	check("storage_gb", c.StorageGB)

	if len(hit.matched) == 0 {
		return nil
	}
	return hit
}

// evaluateComposite recursively evaluates sub-condition documents and
// combines results via the composite operator.
func evaluateComposite(c *CompositeCondition, evalCtx *RuleEvaluationContext) (*conditionHit, error) {
	if len(c.Rules) == 0 {
		return nil, nil
	}

	combined := &conditionHit{trigger: map[string]interface{}{}}
	fired := 0

	for i, sub := range c.Rules {
		cond, err := DecodeCondition(sub.RuleType, sub.Condition)
		if err != nil {
			return nil, fmt.Errorf("composite sub-rule %d: %w", i, err)
		}

		subHit, err := evaluateCondition(sub.RuleType, cond, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("composite sub-rule %d: %w", i, err)
		}

		if subHit != nil {
			fired++
			combined.matched = append(combined.matched, subHit.matched...)
			for k, v := range subHit.trigger {
				combined.trigger[k] = v
			}
		}
	}

	switch c.Operator {
	case OperatorAnd:
		if fired != len(c.Rules) {
			return nil, nil
		}
	case OperatorOr:
		if fired == 0 {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("invalid composite operator: %q", c.Operator)
	}

	return combined, nil
}

// numericMetric pulls a float value out of the loosely typed custom
// metrics map.
func numericMetric(metrics map[string]interface{}, key string) (float64, bool) {
	v, ok := metrics[key]
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

// stringList pulls a list of strings out of the custom metrics map,
// accepting both []string and JSON-decoded []interface{} forms.
func stringList(metrics map[string]interface{}, key string) []string {
	v, ok := metrics[key]
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

// sortedKeys returns map keys in lexical order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"encoding/json"
	"fmt"
)

// Condition is a sum type over the five rule condition shapes. Exactly one
// variant is non-nil for a decoded rule; the variant must agree with the
// rule's RuleType.
type Condition struct {
	Threshold *ThresholdCondition `json:"threshold,omitempty"`
	Pattern   *PatternCondition   `json:"pattern,omitempty"`
	TimeBased *TimeCondition      `json:"time_based,omitempty"`
	Resource  *ResourceCondition  `json:"resource_based,omitempty"`
	Composite *CompositeCondition `json:"composite,omitempty"`
}

// ThresholdCondition fires when context values meet configured thresholds.
// Comparisons are >= throughout. When RequireAll is unset it defaults to
// true: every configured key, including each custom metric key, must be
// satisfied for the rule to fire.
type ThresholdCondition struct {
	ComplexityThreshold *float64           `json:"complexity_threshold,omitempty"`
	ErrorRateThreshold  *float64           `json:"error_rate_threshold,omitempty"`
	RetryThreshold      *int               `json:"retry_threshold,omitempty"`
	CustomMetrics       map[string]float64 `json:"custom_metrics,omitempty"`
	RequireAll          *bool              `json:"require_all,omitempty"`
}

// requireAll resolves the flag with its default.
func (c *ThresholdCondition) requireAll() bool {
	if c.RequireAll == nil {
		return true
	}
	return *c.RequireAll
}

// keyCount returns the number of condition keys configured. Each custom
// metric key counts individually.
func (c *ThresholdCondition) keyCount() int {
	n := 0
	if c.ComplexityThreshold != nil {
		n++
	}
	if c.ErrorRateThreshold != nil {
		n++
	}
	if c.RetryThreshold != nil {
		n++
	}
	return n + len(c.CustomMetrics)
}

// PatternCondition fires when any configured regular expression matches a
// string in one of the listed custom-metric fields. Matching is
// case-insensitive and stops scanning a field list at the first hit per
// pattern.
type PatternCondition struct {
	Patterns []string `json:"patterns"`

	// Fields names the custom-metric keys holding message lists to scan.
	// Defaults to error_messages and logs.
	Fields []string `json:"fields,omitempty"`
}

// scanFields resolves the field list with its default.
func (c *PatternCondition) scanFields() []string {
	if len(c.Fields) > 0 {
		return c.Fields
	}
	return []string{"error_messages", "logs"}
}

// TimeCondition fires when the execution has run at least
// DurationThresholdSeconds, or when the context timestamp's hour falls in
// [StartHour, EndHour). Either check firing is sufficient.
type TimeCondition struct {
	DurationThresholdSeconds *float64 `json:"duration_threshold_seconds,omitempty"`
	StartHour                *int     `json:"start_hour,omitempty"`
	EndHour                  *int     `json:"end_hour,omitempty"`
}

// ResourceCondition fires when any configured resource reading meets its
// threshold.
type ResourceCondition struct {
	MemoryMB   *float64 `json:"memory_mb,omitempty"`
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
	StorageGB  *float64 `json:"storage_gb,omitempty"`
}

// CompositeOperator combines sub-condition results.
type CompositeOperator string

const (
	OperatorAnd CompositeOperator = "and"
	OperatorOr  CompositeOperator = "or"
)

// CompositeCondition evaluates a list of sub-conditions and combines the
// results: "and" requires every sub-condition to fire, "or" at least one.
type CompositeCondition struct {
	Operator CompositeOperator `json:"operator"`
	Rules    []SubCondition    `json:"rules"`
}

// SubCondition is one member of a composite condition. Composites may nest.
type SubCondition struct {
	RuleType  RuleType        `json:"rule_type"`
	Condition json.RawMessage `json:"condition"`
}

// DecodeCondition parses a raw condition document according to the rule
// type. Unknown rule types are a decode error rather than a silent skip.
func DecodeCondition(ruleType RuleType, doc json.RawMessage) (Condition, error) {
	var cond Condition

	switch ruleType {
	case RuleTypeThreshold:
		var c ThresholdCondition
		if err := json.Unmarshal(doc, &c); err != nil {
			return cond, fmt.Errorf("invalid threshold condition: %w", err)
		}
		cond.Threshold = &c
	case RuleTypePattern:
		var c PatternCondition
		if err := json.Unmarshal(doc, &c); err != nil {
			return cond, fmt.Errorf("invalid pattern condition: %w", err)
		}
		cond.Pattern = &c
	case RuleTypeTimeBased:
		var c TimeCondition
		if err := json.Unmarshal(doc, &c); err != nil {
			return cond, fmt.Errorf("invalid time_based condition: %w", err)
		}
		cond.TimeBased = &c
	case RuleTypeResource:
		var c ResourceCondition
		if err := json.Unmarshal(doc, &c); err != nil {
			return cond, fmt.Errorf("invalid resource_based condition: %w", err)
		}
		cond.Resource = &c
	case RuleTypeComposite:
		var c CompositeCondition
		if err := json.Unmarshal(doc, &c); err != nil {
			return cond, fmt.Errorf("invalid composite condition: %w", err)
		}
		if c.Operator != OperatorAnd && c.Operator != OperatorOr {
			return cond, fmt.Errorf("invalid composite operator: %q", c.Operator)
		}
		cond.Composite = &c
	default:
		return cond, fmt.Errorf("unknown rule type: %q", ruleType)
	}

	return cond, nil
}

// Encode serializes the active variant back to its raw document form.
func (c Condition) Encode(ruleType RuleType) (json.RawMessage, error) {
	var v interface{}

	switch ruleType {
	case RuleTypeThreshold:
		if c.Threshold != nil {
			v = c.Threshold
		}
	case RuleTypePattern:
		if c.Pattern != nil {
			v = c.Pattern
		}
	case RuleTypeTimeBased:
		if c.TimeBased != nil {
			v = c.TimeBased
		}
	case RuleTypeResource:
		if c.Resource != nil {
			v = c.Resource
		}
	case RuleTypeComposite:
		if c.Composite != nil {
			v = c.Composite
		}
	default:
		return nil, fmt.Errorf("unknown rule type: %q", ruleType)
	}

	if v == nil {
		return nil, fmt.Errorf("condition variant for rule type %q is not set", ruleType)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	return raw, nil
}

// ValidateRuleType checks a rule type string.
func ValidateRuleType(s string) (RuleType, error) {
	switch RuleType(s) {
	case RuleTypeThreshold, RuleTypePattern, RuleTypeTimeBased, RuleTypeResource, RuleTypeComposite:
		return RuleType(s), nil
	}
	return "", fmt.Errorf("unknown rule type: %q", s)
}

// ValidateSeverity checks a severity string.
func ValidateSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// ValidateReason checks a reason string.
func ValidateReason(s string) (Reason, error) {
	switch Reason(s) {
	case ReasonHighErrorRate, ReasonTaskComplexity, ReasonRepeatedFailures,
		ReasonResourceLimit, ReasonPatternDetected, ReasonLongExecution, ReasonManual:
		return Reason(s), nil
	}
	return "", fmt.Errorf("unknown reason: %q", s)
}

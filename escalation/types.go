// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"time"
)

// Severity classifies how urgent an escalation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Reason describes the category of condition that triggered an escalation.
type Reason string

const (
	ReasonHighErrorRate    Reason = "high_error_rate"
	ReasonTaskComplexity   Reason = "task_complexity"
	ReasonRepeatedFailures Reason = "repeated_failures"
	ReasonResourceLimit    Reason = "resource_limit"
	ReasonPatternDetected  Reason = "pattern_detected"
	ReasonLongExecution    Reason = "long_execution"
	ReasonManual           Reason = "manual"
)

// RuleType selects how a rule's condition document is interpreted.
type RuleType string

const (
	RuleTypeThreshold RuleType = "threshold"
	RuleTypePattern   RuleType = "pattern"
	RuleTypeTimeBased RuleType = "time_based"
	RuleTypeResource  RuleType = "resource_based"
	RuleTypeComposite RuleType = "composite"
)

// EventStatus tracks an escalation event through its lifecycle.
//
// Valid transitions:
//
//	pending -> assigned -> in_progress -> resolved
//	pending|assigned -> failed
//	pending|assigned -> cancelled
//
// resolved, failed, and cancelled are terminal.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusAssigned   EventStatus = "assigned"
	StatusInProgress EventStatus = "in_progress"
	StatusResolved   EventStatus = "resolved"
	StatusFailed     EventStatus = "failed"
	StatusCancelled  EventStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s EventStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusCancelled
}

// EscalationRule is a workspace- or project-scoped escalation trigger.
// A rule with an empty ProjectID applies to the whole workspace.
type EscalationRule struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	RuleType  RuleType  `json:"rule_type"`
	Condition Condition `json:"condition"`

	Severity Severity `json:"severity"`
	Reason   Reason   `json:"reason"`

	// Priority orders evaluation and match ranking. Higher wins.
	Priority int `json:"priority"`

	// TargetAgentType filters routing candidates by agent type substring.
	TargetAgentType string `json:"target_agent_type,omitempty"`

	// AutoAssign routes and assigns the escalation without manual triage.
	AutoAssign bool `json:"auto_assign"`

	NotifyWebSocket    bool                `json:"notify_websocket"`
	NotifyEmail        bool                `json:"notify_email"`
	NotifySlack        bool                `json:"notify_slack"`
	NotificationConfig *NotificationConfig `json:"notification_config,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationConfig carries per-rule delivery targets.
type NotificationConfig struct {
	EmailRecipients []string `json:"email_recipients,omitempty"`
	SlackWebhookURL string   `json:"slack_webhook_url,omitempty"`
}

// ProjectScoped reports whether the rule applies to a single project.
func (r *EscalationRule) ProjectScoped() bool {
	return r.ProjectID != ""
}

// RuleEvaluationContext is an immutable snapshot of execution signals for
// one evaluation pass. It is never persisted.
type RuleEvaluationContext struct {
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`

	TaskID                  string `json:"task_id,omitempty"`
	TaskRunID               string `json:"task_run_id,omitempty"`
	WorkflowExecutionID     string `json:"workflow_execution_id,omitempty"`
	WorkflowStepExecutionID string `json:"workflow_step_execution_id,omitempty"`
	SourceAgentID           string `json:"source_agent_id,omitempty"`

	ComplexityScore          float64 `json:"complexity_score"`
	ErrorCount               int     `json:"error_count"`
	ErrorRate                float64 `json:"error_rate"`
	RetryCount               int     `json:"retry_count"`
	ExecutionDurationSeconds float64 `json:"execution_duration_seconds"`

	// ResourceUsage carries point-in-time resource readings such as
	// memory_mb, cpu_percent, and storage_gb.
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`

	// CustomMetrics may hold arbitrary keys, including string lists such
	// as "error_messages" and "logs" scanned by pattern rules.
	CustomMetrics map[string]interface{} `json:"custom_metrics,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewRuleEvaluationContext builds a context stamped with the current time.
func NewRuleEvaluationContext(workspaceID, projectID string) *RuleEvaluationContext {
	return &RuleEvaluationContext{
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		Timestamp:   time.Now().UTC(),
	}
}

// RuleMatch is the result of a rule firing against a context.
type RuleMatch struct {
	Rule *EscalationRule `json:"rule"`

	// MatchedConditions holds human-readable descriptions of each
	// condition that fired.
	MatchedConditions []string `json:"matched_conditions"`

	// TriggerData maps the specific context values that caused the match.
	TriggerData map[string]interface{} `json:"trigger_data"`
}

// EscalationEvent is the persisted record of one triggered escalation.
// Events are owned by Service and mutated only through its methods.
type EscalationEvent struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`
	RuleID      string `json:"rule_id"`

	TaskID                  string `json:"task_id,omitempty"`
	TaskRunID               string `json:"task_run_id,omitempty"`
	WorkflowExecutionID     string `json:"workflow_execution_id,omitempty"`
	WorkflowStepExecutionID string `json:"workflow_step_execution_id,omitempty"`

	Severity Severity    `json:"severity"`
	Reason   Reason      `json:"reason"`
	Status   EventStatus `json:"status"`

	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	ContextData map[string]interface{} `json:"context_data,omitempty"`

	SourceAgentID string `json:"source_agent_id,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	TimeToAssignSeconds  *float64 `json:"time_to_assign_seconds,omitempty"`
	TimeToResolveSeconds *float64 `json:"time_to_resolve_seconds,omitempty"`

	ResolutionData map[string]interface{} `json:"resolution_data,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// EscalationMetric is an append-only time-series record tied to an event.
type EscalationMetric struct {
	ID          string            `json:"id"`
	EventID     string            `json:"escalation_event_id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"metric_name"`
	Value       float64           `json:"metric_value"`
	Unit        string            `json:"metric_unit,omitempty"`
	Tags        map[string]string `json:"metric_tags,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// EscalationStats aggregates events over a workspace and time range.
type EscalationStats struct {
	TotalEscalations        int                 `json:"total_escalations"`
	ByStatus                map[EventStatus]int `json:"by_status"`
	BySeverity              map[Severity]int    `json:"by_severity"`
	ByReason                map[Reason]int      `json:"by_reason"`
	ResolutionRate          float64             `json:"resolution_rate"`
	AvgTimeToAssignSeconds  float64             `json:"avg_time_to_assign_seconds"`
	AvgTimeToResolveSeconds float64             `json:"avg_time_to_resolve_seconds"`
}

// ComplexityMetrics is the output of the priority scorer.
type ComplexityMetrics struct {
	OverallScore float64            `json:"overall_score"`
	Components   map[string]float64 `json:"components"`
}

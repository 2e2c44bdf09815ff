// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStore is the persistence boundary for escalation events. State
// transitions are conditional updates so concurrent resolve/fail/cancel
// races cannot move an event out of a terminal status.
type EventStore interface {
	Create(ctx context.Context, event *EscalationEvent) error
	GetByID(ctx context.Context, eventID string) (*EscalationEvent, error)

	// MarkAssigned transitions pending -> assigned. Returns false when the
	// event is missing or no longer pending.
	MarkAssigned(ctx context.Context, eventID, targetAgentID string, assignedAt time.Time, timeToAssign float64) (bool, error)

	// MarkTerminal transitions into resolved, failed, or cancelled from a
	// non-terminal status. Returns false when no row changed.
	MarkTerminal(ctx context.Context, eventID string, status EventStatus, resolvedAt *time.Time, timeToResolve *float64, resolutionData map[string]interface{}, errorMessage string) (bool, error)

	List(ctx context.Context, workspaceID, projectID string, limit, offset int) ([]*EscalationEvent, int, error)
	ListInRange(ctx context.Context, workspaceID, projectID string, start, end time.Time) ([]*EscalationEvent, error)
	ListByTargetAgent(ctx context.Context, agentID string, since time.Time) ([]*EscalationEvent, error)
	PendingCountByTarget(ctx context.Context, workspaceID string) (map[string]int, error)
}

// MetricStore is the append-only store for escalation metrics.
type MetricStore interface {
	Insert(ctx context.Context, metric *EscalationMetric) error
}

// --- rules ---

// RuleRepository is the Postgres RuleStore implementation.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository creates a rule repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, workspace_id, COALESCE(project_id, ''), name, COALESCE(description, ''),
       rule_type, condition, severity, reason, priority, COALESCE(target_agent_type, ''),
       auto_assign, notify_websocket, notify_email, notify_slack,
       COALESCE(notification_config, '{}'), enabled, created_at, updated_at`

// Create inserts a new rule, generating an id when absent.
func (r *RuleRepository) Create(ctx context.Context, rule *EscalationRule) error {
	conditionJSON, err := rule.Condition.Encode(rule.RuleType)
	if err != nil {
		return err
	}

	configJSON, err := json.Marshal(rule.NotificationConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal notification config: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO escalation_rules (
			id, workspace_id, project_id, name, description, rule_type, condition,
			severity, reason, priority, target_agent_type, auto_assign,
			notify_websocket, notify_email, notify_slack, notification_config,
			enabled, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''),
			$12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.WorkspaceID, rule.ProjectID, rule.Name, rule.Description,
		string(rule.RuleType), conditionJSON, string(rule.Severity), string(rule.Reason),
		rule.Priority, rule.TargetAgentType, rule.AutoAssign,
		rule.NotifyWebSocket, rule.NotifyEmail, rule.NotifySlack, configJSON,
		rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation rule: %w", err)
	}

	return nil
}

// Update rewrites a rule's mutable fields.
func (r *RuleRepository) Update(ctx context.Context, rule *EscalationRule) error {
	conditionJSON, err := rule.Condition.Encode(rule.RuleType)
	if err != nil {
		return err
	}

	configJSON, err := json.Marshal(rule.NotificationConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal notification config: %w", err)
	}

	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE escalation_rules
		SET name = $1, description = $2, rule_type = $3, condition = $4,
		    severity = $5, reason = $6, priority = $7, target_agent_type = NULLIF($8, ''),
		    auto_assign = $9, notify_websocket = $10, notify_email = $11, notify_slack = $12,
		    notification_config = $13, enabled = $14, updated_at = $15
		WHERE id = $16 AND workspace_id = $17
	`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name, rule.Description, string(rule.RuleType), conditionJSON,
		string(rule.Severity), string(rule.Reason), rule.Priority, rule.TargetAgentType,
		rule.AutoAssign, rule.NotifyWebSocket, rule.NotifyEmail, rule.NotifySlack,
		configJSON, rule.Enabled, rule.UpdatedAt, rule.ID, rule.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation rule: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("escalation rule not found: %s", rule.ID)
	}

	return nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, workspaceID, ruleID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM escalation_rules WHERE id = $1 AND workspace_id = $2`, ruleID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete escalation rule: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("escalation rule not found: %s", ruleID)
	}

	return nil
}

// GetByID loads one rule. Returns nil when absent.
func (r *RuleRepository) GetByID(ctx context.Context, workspaceID, ruleID string) (*EscalationRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM escalation_rules WHERE id = $1 AND workspace_id = $2`, ruleColumns)

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, ruleID, workspaceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation rule: %w", err)
	}

	return rule, nil
}

// ListEnabled returns enabled rules for the scope: workspace-wide rules
// always, project rules only when the project matches. Priority descending,
// creation time ascending as the stable tiebreak.
func (r *RuleRepository) ListEnabled(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM escalation_rules
		WHERE workspace_id = $1 AND enabled = true
		  AND (project_id IS NULL OR project_id = $2)
		ORDER BY priority DESC, created_at ASC
	`, ruleColumns)

	rows, err := r.db.QueryContext(ctx, query, workspaceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*EscalationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalation rules: %w", err)
	}

	return rules, nil
}

// List returns all rules in scope regardless of enabled state.
func (r *RuleRepository) List(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM escalation_rules
		WHERE workspace_id = $1
		  AND (project_id IS NULL OR project_id = $2)
		ORDER BY priority DESC, created_at ASC
	`, ruleColumns)

	rows, err := r.db.QueryContext(ctx, query, workspaceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*EscalationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*EscalationRule, error) {
	rule := &EscalationRule{}
	var ruleType, severity, reason string
	var conditionJSON, configJSON []byte

	err := row.Scan(
		&rule.ID, &rule.WorkspaceID, &rule.ProjectID, &rule.Name, &rule.Description,
		&ruleType, &conditionJSON, &severity, &reason, &rule.Priority, &rule.TargetAgentType,
		&rule.AutoAssign, &rule.NotifyWebSocket, &rule.NotifyEmail, &rule.NotifySlack,
		&configJSON, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.RuleType = RuleType(ruleType)
	rule.Severity = Severity(severity)
	rule.Reason = Reason(reason)

	cond, err := DecodeCondition(rule.RuleType, conditionJSON)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	rule.Condition = cond

	if len(configJSON) > 0 && string(configJSON) != "{}" && string(configJSON) != "null" {
		var config NotificationConfig
		if err := json.Unmarshal(configJSON, &config); err != nil {
			return nil, fmt.Errorf("rule %s: invalid notification config: %w", rule.ID, err)
		}
		rule.NotificationConfig = &config
	}

	return rule, nil
}

// --- events ---

// EventRepository is the Postgres EventStore implementation.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates an event repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, workspace_id, COALESCE(project_id, ''), rule_id,
       COALESCE(task_id, ''), COALESCE(task_run_id, ''),
       COALESCE(workflow_execution_id, ''), COALESCE(workflow_step_execution_id, ''),
       severity, reason, status, COALESCE(trigger_data, '{}'), COALESCE(context_data, '{}'),
       COALESCE(source_agent_id, ''), COALESCE(target_agent_id, ''),
       created_at, assigned_at, resolved_at,
       time_to_assign_seconds, time_to_resolve_seconds,
       COALESCE(resolution_data, '{}'), COALESCE(error_message, '')`

// Create inserts a new event in its initial status.
func (r *EventRepository) Create(ctx context.Context, event *EscalationEvent) error {
	triggerJSON, err := json.Marshal(event.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}
	contextJSON, err := json.Marshal(event.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO escalation_events (
			id, workspace_id, project_id, rule_id,
			task_id, task_run_id, workflow_execution_id, workflow_step_execution_id,
			severity, reason, status, trigger_data, context_data,
			source_agent_id, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13, NULLIF($14, ''), $15)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.WorkspaceID, event.ProjectID, event.RuleID,
		event.TaskID, event.TaskRunID, event.WorkflowExecutionID, event.WorkflowStepExecutionID,
		string(event.Severity), string(event.Reason), string(event.Status),
		triggerJSON, contextJSON, event.SourceAgentID, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation event: %w", err)
	}

	return nil
}

// GetByID loads one event. Returns nil when absent.
func (r *EventRepository) GetByID(ctx context.Context, eventID string) (*EscalationEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM escalation_events WHERE id = $1`, eventColumns)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation event: %w", err)
	}

	return event, nil
}

// MarkAssigned moves a pending event to assigned. The status guard in the
// WHERE clause makes concurrent assignment a lost race, not a corruption.
func (r *EventRepository) MarkAssigned(ctx context.Context, eventID, targetAgentID string, assignedAt time.Time, timeToAssign float64) (bool, error) {
	query := `
		UPDATE escalation_events
		SET status = $1, target_agent_id = $2, assigned_at = $3, time_to_assign_seconds = $4
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusAssigned), targetAgentID, assignedAt, timeToAssign,
		eventID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to assign escalation event: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkTerminal moves an event into a terminal status from any non-terminal
// one. A second terminal call changes nothing and reports false.
func (r *EventRepository) MarkTerminal(ctx context.Context, eventID string, status EventStatus, resolvedAt *time.Time, timeToResolve *float64, resolutionData map[string]interface{}, errorMessage string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	resolutionJSON, err := json.Marshal(resolutionData)
	if err != nil {
		return false, fmt.Errorf("failed to marshal resolution data: %w", err)
	}

	query := `
		UPDATE escalation_events
		SET status = $1, resolved_at = $2, time_to_resolve_seconds = $3,
		    resolution_data = $4, error_message = NULLIF($5, '')
		WHERE id = $6 AND status IN ($7, $8, $9)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(status), resolvedAt, timeToResolve, resolutionJSON, errorMessage,
		eventID, string(StatusPending), string(StatusAssigned), string(StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("failed to finalize escalation event: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// List returns events most recent first, with the total count for paging.
func (r *EventRepository) List(ctx context.Context, workspaceID, projectID string, limit, offset int) ([]*EscalationEvent, int, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := `workspace_id = $1`
	args := []interface{}{workspaceID}
	if projectID != "" {
		where += ` AND project_id = $2`
		args = append(args, projectID)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM escalation_events WHERE %s`, where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count escalation events: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM escalation_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d
	`, eventColumns, where, limit, offset)

	events, err := r.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// ListInRange returns events created inside [start, end).
func (r *EventRepository) ListInRange(ctx context.Context, workspaceID, projectID string, start, end time.Time) ([]*EscalationEvent, error) {
	where := `workspace_id = $1 AND created_at >= $2 AND created_at < $3`
	args := []interface{}{workspaceID, start, end}
	if projectID != "" {
		where += ` AND project_id = $4`
		args = append(args, projectID)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM escalation_events
		WHERE %s
		ORDER BY created_at ASC
	`, eventColumns, where)

	return r.queryEvents(ctx, query, args...)
}

// ListByTargetAgent returns events handled by one agent since a time.
func (r *EventRepository) ListByTargetAgent(ctx context.Context, agentID string, since time.Time) ([]*EscalationEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM escalation_events
		WHERE target_agent_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, eventColumns)

	return r.queryEvents(ctx, query, agentID, since)
}

// PendingCountByTarget returns pending and assigned escalation counts per
// target agent, feeding router load balancing.
func (r *EventRepository) PendingCountByTarget(ctx context.Context, workspaceID string) (map[string]int, error) {
	query := `
		SELECT target_agent_id, COUNT(*)
		FROM escalation_events
		WHERE workspace_id = $1 AND target_agent_id IS NOT NULL AND status IN ($2, $3)
		GROUP BY target_agent_id
	`

	rows, err := r.db.QueryContext(ctx, query, workspaceID, string(StatusPending), string(StatusAssigned))
	if err != nil {
		return nil, fmt.Errorf("failed to count pending escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pending count: %w", err)
		}
		counts[agentID] = count
	}

	return counts, rows.Err()
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*EscalationEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*EscalationEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func scanEvent(row rowScanner) (*EscalationEvent, error) {
	event := &EscalationEvent{}
	var severity, reason, status string
	var triggerJSON, contextJSON, resolutionJSON []byte
	var assignedAt, resolvedAt sql.NullTime
	var timeToAssign, timeToResolve sql.NullFloat64

	err := row.Scan(
		&event.ID, &event.WorkspaceID, &event.ProjectID, &event.RuleID,
		&event.TaskID, &event.TaskRunID, &event.WorkflowExecutionID, &event.WorkflowStepExecutionID,
		&severity, &reason, &status, &triggerJSON, &contextJSON,
		&event.SourceAgentID, &event.TargetAgentID,
		&event.CreatedAt, &assignedAt, &resolvedAt,
		&timeToAssign, &timeToResolve,
		&resolutionJSON, &event.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	event.Severity = Severity(severity)
	event.Reason = Reason(reason)
	event.Status = EventStatus(status)

	if assignedAt.Valid {
		event.AssignedAt = &assignedAt.Time
	}
	if resolvedAt.Valid {
		event.ResolvedAt = &resolvedAt.Time
	}
	if timeToAssign.Valid {
		event.TimeToAssignSeconds = &timeToAssign.Float64
	}
	if timeToResolve.Valid {
		event.TimeToResolveSeconds = &timeToResolve.Float64
	}

	_ = json.Unmarshal(triggerJSON, &event.TriggerData)
	_ = json.Unmarshal(contextJSON, &event.ContextData)
	_ = json.Unmarshal(resolutionJSON, &event.ResolutionData)

	return event, nil
}

// --- metrics ---

// MetricRepository is the Postgres MetricStore implementation.
type MetricRepository struct {
	db *sql.DB
}

// NewMetricRepository creates a metric repository.
func NewMetricRepository(db *sql.DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// Insert appends one metric row. Metrics are never updated.
func (r *MetricRepository) Insert(ctx context.Context, metric *EscalationMetric) error {
	tagsJSON, err := json.Marshal(metric.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal metric tags: %w", err)
	}

	if metric.ID == "" {
		metric.ID = uuid.New().String()
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO escalation_metrics (
			id, escalation_event_id, workspace_id, metric_name, metric_value,
			metric_unit, metric_tags, recorded_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		metric.ID, metric.EventID, metric.WorkspaceID, metric.Name, metric.Value,
		metric.Unit, tagsJSON, metric.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation metric: %w", err)
	}

	return nil
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"axonflow/escalation/directory"
	"axonflow/escalation/shared/logger"
)

// AgentRouter selects a target agent for a triggered escalation.
type AgentRouter interface {
	RouteEscalation(ctx context.Context, workspaceID, projectID string, rule *EscalationRule, triggerData map[string]interface{}) (*directory.AgentInstance, error)
}

// Service orchestrates the escalation workflow: evaluate, create, route,
// assign, notify, track. Escalation events are mutated only through its
// methods.
type Service struct {
	engine   *RulesEngine
	scorer   *PriorityScorer
	router   AgentRouter
	notifier LifecycleNotifier
	tracker  *Tracker

	rules  RuleStore
	events EventStore

	prom *PromMetrics
	log  *logger.Logger
}

// NewService wires the escalation components together. Router and notifier
// may be nil in reduced deployments; prom may be nil to skip
// instrumentation.
func NewService(engine *RulesEngine, scorer *PriorityScorer, router AgentRouter, notifier LifecycleNotifier, tracker *Tracker, rules RuleStore, events EventStore, prom *PromMetrics) *Service {
	return &Service{
		engine:   engine,
		scorer:   scorer,
		router:   router,
		notifier: notifier,
		tracker:  tracker,
		rules:    rules,
		events:   events,
		prom:     prom,
		log:      logger.New("escalation-service"),
	}
}

// CheckEscalation evaluates the rules in scope and, when the
// highest-priority rule fires, creates and optionally auto-assigns an
// escalation event. Returns nil when nothing fires, which is the common
// and cheap case.
func (s *Service) CheckEscalation(ctx context.Context, evalCtx *RuleEvaluationContext, taskData map[string]interface{}) (*EscalationEvent, error) {
	if s.prom != nil {
		s.prom.EvaluationsTotal.Inc()
	}

	matches, err := s.engine.EvaluateRules(ctx, evalCtx)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	// Only the highest-priority match is acted on; the rest are
	// discarded for this pass.
	match := matches[0]
	rule := match.Rule

	event := &EscalationEvent{
		WorkspaceID:             evalCtx.WorkspaceID,
		ProjectID:               evalCtx.ProjectID,
		RuleID:                  rule.ID,
		TaskID:                  evalCtx.TaskID,
		TaskRunID:               evalCtx.TaskRunID,
		WorkflowExecutionID:     evalCtx.WorkflowExecutionID,
		WorkflowStepExecutionID: evalCtx.WorkflowStepExecutionID,
		Severity:                rule.Severity,
		Reason:                  rule.Reason,
		Status:                  StatusPending,
		TriggerData:             match.TriggerData,
		ContextData:             contextSnapshot(evalCtx, match.MatchedConditions),
		SourceAgentID:           evalCtx.SourceAgentID,
		CreatedAt:               time.Now().UTC(),
	}

	if err := s.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to persist escalation event: %w", err)
	}

	if s.prom != nil {
		s.prom.EscalationsTotal.WithLabelValues(string(event.Severity)).Inc()
	}

	s.log.Info(event.WorkspaceID, "", "escalation created", map[string]interface{}{
		"event_id": event.ID,
		"rule_id":  rule.ID,
		"severity": string(event.Severity),
		"reason":   string(event.Reason),
	})

	if rule.AutoAssign && s.router != nil {
		target, err := s.router.RouteEscalation(ctx, event.WorkspaceID, event.ProjectID, rule, match.TriggerData)
		if err != nil {
			s.log.Warn(event.WorkspaceID, "", "routing failed, escalation left pending", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		} else if target != nil {
			if err := s.AssignEscalation(ctx, event, target.ID); err != nil {
				s.log.Warn(event.WorkspaceID, "", "auto-assignment failed", map[string]interface{}{
					"event_id": event.ID,
					"agent_id": target.ID,
					"error":    err.Error(),
				})
			}
		}
	}

	// Creation is announced regardless of the assignment outcome.
	if s.notifier != nil {
		s.notifier.EscalationCreated(ctx, event, rule)
	}

	if taskData != nil {
		complexity := s.scorer.CalculateComplexity(taskData)
		if err := s.tracker.RecordMetric(ctx, event.ID, event.WorkspaceID,
			"complexity_score", complexity.OverallScore, "score", nil); err != nil {
			s.log.Warn(event.WorkspaceID, "", "failed to record complexity metric", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
	}

	return event, nil
}

// AssignEscalation moves a pending event to assigned and records the
// assignment timing.
func (s *Service) AssignEscalation(ctx context.Context, event *EscalationEvent, targetAgentID string) error {
	assignedAt := time.Now().UTC()
	timeToAssign := assignedAt.Sub(event.CreatedAt).Seconds()

	changed, err := s.events.MarkAssigned(ctx, event.ID, targetAgentID, assignedAt, timeToAssign)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("escalation %s is not pending", event.ID)
	}

	event.Status = StatusAssigned
	event.TargetAgentID = targetAgentID
	event.AssignedAt = &assignedAt
	event.TimeToAssignSeconds = &timeToAssign

	if s.prom != nil {
		s.prom.TransitionsTotal.WithLabelValues(string(StatusAssigned)).Inc()
		s.prom.TimeToAssign.Observe(timeToAssign)
	}

	rule := s.ruleForEvent(ctx, event)
	if s.notifier != nil {
		s.notifier.EscalationAssigned(ctx, event, rule)
	}

	if err := s.tracker.RecordMetric(ctx, event.ID, event.WorkspaceID,
		"time_to_assign", timeToAssign, "seconds", map[string]string{"agent_id": targetAgentID}); err != nil {
		s.log.Warn(event.WorkspaceID, "", "failed to record assignment metric", map[string]interface{}{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}

	return nil
}

// ResolveEscalation finalizes an event as resolved. An unknown or already
// terminal event is a warning and a no-op, not an error.
func (s *Service) ResolveEscalation(ctx context.Context, eventID string, resolutionData map[string]interface{}) error {
	s.finalize(ctx, eventID, StatusResolved, resolutionData, "")
	return nil
}

// FailEscalation finalizes an event as failed. Failure stops the clock the
// same way resolution does.
func (s *Service) FailEscalation(ctx context.Context, eventID, errorMessage string) error {
	s.finalize(ctx, eventID, StatusFailed, nil, errorMessage)
	return nil
}

// CancelEscalation finalizes an event as cancelled with no further side
// effects.
func (s *Service) CancelEscalation(ctx context.Context, eventID string) error {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		s.log.Warn("", "", "cancel requested for unknown escalation", map[string]interface{}{
			"event_id": eventID,
		})
		return nil
	}

	changed, err := s.events.MarkTerminal(ctx, eventID, StatusCancelled, nil, nil, nil, "")
	if err != nil {
		s.log.ErrorWithErr(event.WorkspaceID, "", "failed to cancel escalation", err, map[string]interface{}{
			"event_id": eventID,
		})
		return nil
	}
	if !changed {
		s.log.Warn(event.WorkspaceID, "", "cancel skipped, escalation already terminal", map[string]interface{}{
			"event_id": eventID,
			"status":   string(event.Status),
		})
		return nil
	}

	if s.prom != nil {
		s.prom.TransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	}

	return nil
}

// finalize is the shared resolve/fail path. The conditional update in the
// store makes repeated calls idempotent: the second call changes nothing
// and leaves the first call's timestamps intact.
func (s *Service) finalize(ctx context.Context, eventID string, status EventStatus, resolutionData map[string]interface{}, errorMessage string) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		s.log.ErrorWithErr("", "", "failed to load escalation for finalize", err, map[string]interface{}{
			"event_id": eventID,
		})
		return
	}
	if event == nil {
		s.log.Warn("", "", "finalize requested for unknown escalation", map[string]interface{}{
			"event_id": eventID,
			"status":   string(status),
		})
		return
	}

	resolvedAt := time.Now().UTC()
	timeToResolve := resolvedAt.Sub(event.CreatedAt).Seconds()

	changed, err := s.events.MarkTerminal(ctx, eventID, status, &resolvedAt, &timeToResolve, resolutionData, errorMessage)
	if err != nil {
		s.log.ErrorWithErr(event.WorkspaceID, "", "failed to finalize escalation", err, map[string]interface{}{
			"event_id": eventID,
			"status":   string(status),
		})
		return
	}
	if !changed {
		s.log.Warn(event.WorkspaceID, "", "finalize skipped, escalation already terminal", map[string]interface{}{
			"event_id": eventID,
			"status":   string(event.Status),
		})
		return
	}

	event.Status = status
	event.ResolvedAt = &resolvedAt
	event.TimeToResolveSeconds = &timeToResolve
	event.ResolutionData = resolutionData
	event.ErrorMessage = errorMessage

	if s.prom != nil {
		s.prom.TransitionsTotal.WithLabelValues(string(status)).Inc()
		s.prom.TimeToResolve.Observe(timeToResolve)
	}

	rule := s.ruleForEvent(ctx, event)
	if s.notifier != nil {
		switch status {
		case StatusResolved:
			s.notifier.EscalationResolved(ctx, event, rule)
		case StatusFailed:
			s.notifier.EscalationFailed(ctx, event, rule)
		}
	}

	if status == StatusResolved {
		if err := s.tracker.RecordMetric(ctx, event.ID, event.WorkspaceID,
			"time_to_resolve", timeToResolve, "seconds", nil); err != nil {
			s.log.Warn(event.WorkspaceID, "", "failed to record resolution metric", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
	}
}

// ruleForEvent fetches the originating rule for notification templating.
// A lookup failure degrades to rule-less notification content.
func (s *Service) ruleForEvent(ctx context.Context, event *EscalationEvent) *EscalationRule {
	rule, err := s.rules.GetByID(ctx, event.WorkspaceID, event.RuleID)
	if err != nil {
		s.log.Warn(event.WorkspaceID, "", "failed to load rule for notification", map[string]interface{}{
			"event_id": event.ID,
			"rule_id":  event.RuleID,
			"error":    err.Error(),
		})
		return nil
	}
	return rule
}

// CreateRule validates enum fields and persists a new rule.
func (s *Service) CreateRule(ctx context.Context, rule *EscalationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}

	s.log.Info(rule.WorkspaceID, "", "escalation rule created", map[string]interface{}{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"rule_type": string(rule.RuleType),
	})
	return nil
}

// UpdateRule validates and rewrites an existing rule.
func (s *Service) UpdateRule(ctx context.Context, rule *EscalationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rules.Update(ctx, rule)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, workspaceID, ruleID string) error {
	return s.rules.Delete(ctx, workspaceID, ruleID)
}

// ListRules lists all rules in scope, enabled or not.
func (s *Service) ListRules(ctx context.Context, workspaceID, projectID string) ([]*EscalationRule, error) {
	return s.rules.List(ctx, workspaceID, projectID)
}

// GetRule loads a rule by id. Returns nil when absent.
func (s *Service) GetRule(ctx context.Context, workspaceID, ruleID string) (*EscalationRule, error) {
	return s.rules.GetByID(ctx, workspaceID, ruleID)
}

// GetEvent loads an event by id. Returns nil when absent.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*EscalationEvent, error) {
	return s.events.GetByID(ctx, eventID)
}

// validateRule checks enum fields and the condition variant.
func validateRule(rule *EscalationRule) error {
	if rule.WorkspaceID == "" {
		return fmt.Errorf("rule workspace_id is required")
	}
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if _, err := ValidateRuleType(string(rule.RuleType)); err != nil {
		return err
	}
	if _, err := ValidateSeverity(string(rule.Severity)); err != nil {
		return err
	}
	if _, err := ValidateReason(string(rule.Reason)); err != nil {
		return err
	}
	if _, err := rule.Condition.Encode(rule.RuleType); err != nil {
		return err
	}
	return nil
}

// contextSnapshot captures the evaluation context plus the matched
// condition descriptions for the event record.
func contextSnapshot(evalCtx *RuleEvaluationContext, matchedConditions []string) map[string]interface{} {
	raw, err := json.Marshal(evalCtx)
	if err != nil {
		return map[string]interface{}{"matched_conditions": matchedConditions}
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return map[string]interface{}{"matched_conditions": matchedConditions}
	}

	snapshot["matched_conditions"] = matchedConditions
	return snapshot
}

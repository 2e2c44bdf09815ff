// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"context"
	"fmt"
	"time"

	"axonflow/escalation/notify"
	"axonflow/escalation/shared/logger"
)

// LifecycleNotifier fans out escalation lifecycle notifications. Delivery
// is fire-and-forget: implementations log failures and never surface them
// to the escalation workflow.
type LifecycleNotifier interface {
	EscalationCreated(ctx context.Context, event *EscalationEvent, rule *EscalationRule)
	EscalationAssigned(ctx context.Context, event *EscalationEvent, rule *EscalationRule)
	EscalationResolved(ctx context.Context, event *EscalationEvent, rule *EscalationRule)
	EscalationFailed(ctx context.Context, event *EscalationEvent, rule *EscalationRule)
}

// Notifier is the production LifecycleNotifier. The realtime broadcast is
// always attempted; email and Slack depend on the originating rule's flags
// and recipient configuration.
type Notifier struct {
	realtime notify.RealtimePublisher
	email    notify.EmailSender
	slack    notify.SlackPoster
	prom     *PromMetrics
	log      *logger.Logger
}

// NewNotifier creates a notifier. Email and Slack senders may be nil when
// those transports are not configured; prom may be nil to skip delivery
// failure counting.
func NewNotifier(realtime notify.RealtimePublisher, email notify.EmailSender, slack notify.SlackPoster, prom *PromMetrics) *Notifier {
	return &Notifier{
		realtime: realtime,
		email:    email,
		slack:    slack,
		prom:     prom,
		log:      logger.New("escalation-notifier"),
	}
}

// deliveryFailed logs and counts one transport failure.
func (n *Notifier) deliveryFailed(transport string, event *EscalationEvent, err error) {
	if n.prom != nil {
		n.prom.NotificationFails.WithLabelValues(transport).Inc()
	}
	n.log.Warn(event.WorkspaceID, "", transport+" notification failed", map[string]interface{}{
		"event_id": event.ID,
		"error":    err.Error(),
	})
}

// NotificationPayload is the realtime wire format for lifecycle events.
type NotificationPayload struct {
	EventType   string      `json:"event_type"`
	EventID     string      `json:"event_id"`
	WorkspaceID string      `json:"workspace_id"`
	ProjectID   string      `json:"project_id,omitempty"`
	RuleID      string      `json:"rule_id"`
	RuleName    string      `json:"rule_name,omitempty"`
	Severity    Severity    `json:"severity"`
	Reason      Reason      `json:"reason"`
	Status      EventStatus `json:"status"`
	TargetAgent string      `json:"target_agent_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EscalationCreated announces a new escalation.
func (n *Notifier) EscalationCreated(ctx context.Context, event *EscalationEvent, rule *EscalationRule) {
	n.dispatch(ctx, "escalation.created", event, rule)
}

// EscalationAssigned announces an assignment.
func (n *Notifier) EscalationAssigned(ctx context.Context, event *EscalationEvent, rule *EscalationRule) {
	n.dispatch(ctx, "escalation.assigned", event, rule)
}

// EscalationResolved announces a resolution.
func (n *Notifier) EscalationResolved(ctx context.Context, event *EscalationEvent, rule *EscalationRule) {
	n.dispatch(ctx, "escalation.resolved", event, rule)
}

// EscalationFailed announces a failure.
func (n *Notifier) EscalationFailed(ctx context.Context, event *EscalationEvent, rule *EscalationRule) {
	n.dispatch(ctx, "escalation.failed", event, rule)
}

// dispatch fans one lifecycle event out to all configured transports.
// Every delivery error is caught and logged here.
func (n *Notifier) dispatch(ctx context.Context, eventType string, event *EscalationEvent, rule *EscalationRule) {
	payload := NotificationPayload{
		EventType:   eventType,
		EventID:     event.ID,
		WorkspaceID: event.WorkspaceID,
		ProjectID:   event.ProjectID,
		RuleID:      event.RuleID,
		Severity:    event.Severity,
		Reason:      event.Reason,
		Status:      event.Status,
		TargetAgent: event.TargetAgentID,
		Timestamp:   time.Now().UTC(),
	}
	if rule != nil {
		payload.RuleName = rule.Name
	}

	if n.realtime != nil {
		channel := WorkspaceChannel(event.WorkspaceID)
		if err := n.realtime.Publish(ctx, channel, payload); err != nil {
			n.deliveryFailed("realtime", event, err)
		}
	}

	if rule == nil {
		return
	}

	if rule.NotifyEmail && n.email != nil && rule.NotificationConfig != nil && len(rule.NotificationConfig.EmailRecipients) > 0 {
		subject, body := emailContent(eventType, event, rule)
		if err := n.email.Send(ctx, rule.NotificationConfig.EmailRecipients, subject, body); err != nil {
			n.deliveryFailed("email", event, err)
		}
	}

	if rule.NotifySlack && n.slack != nil && rule.NotificationConfig != nil && rule.NotificationConfig.SlackWebhookURL != "" {
		if err := n.slack.Post(ctx, rule.NotificationConfig.SlackWebhookURL, slackContent(eventType, event, rule)); err != nil {
			n.deliveryFailed("slack", event, err)
		}
	}
}

// WorkspaceChannel names the realtime channel for a workspace.
func WorkspaceChannel(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:escalations", workspaceID)
}

// emailContent renders the subject and body for an email notification.
func emailContent(eventType string, event *EscalationEvent, rule *EscalationRule) (string, string) {
	subject := fmt.Sprintf("[%s] Escalation %s: %s", event.Severity, eventType, rule.Name)
	body := fmt.Sprintf(
		"Escalation %s\n\nRule: %s\nSeverity: %s\nReason: %s\nStatus: %s\nWorkspace: %s\nEvent ID: %s\n",
		eventType, rule.Name, event.Severity, event.Reason, event.Status, event.WorkspaceID, event.ID)
	if event.TargetAgentID != "" {
		body += fmt.Sprintf("Assigned to: %s\n", event.TargetAgentID)
	}
	if event.ErrorMessage != "" {
		body += fmt.Sprintf("Error: %s\n", event.ErrorMessage)
	}
	return subject, body
}

// slackContent renders the block message for a Slack notification.
func slackContent(eventType string, event *EscalationEvent, rule *EscalationRule) *notify.SlackMessage {
	text := fmt.Sprintf("*%s* | rule `%s` | severity `%s` | reason `%s` | status `%s`",
		eventType, rule.Name, event.Severity, event.Reason, event.Status)
	if event.TargetAgentID != "" {
		text += fmt.Sprintf(" | assigned to `%s`", event.TargetAgentID)
	}

	return &notify.SlackMessage{
		Text: fmt.Sprintf("Escalation %s: %s", eventType, rule.Name),
		Blocks: []notify.SlackBlock{
			notify.NewHeaderBlock(fmt.Sprintf("Escalation %s", eventType)),
			notify.NewSectionBlock(text),
		},
	}
}

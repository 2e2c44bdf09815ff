// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"axonflow/escalation/escalation"
)

// RulesFile is a YAML document of escalation rules applied at startup,
// following the apiVersion/kind pattern used elsewhere in the platform.
type RulesFile struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Rules      []RuleSeed `yaml:"rules"`
}

// RuleSeed is one escalation rule in YAML form. The condition is a free
// document whose shape depends on rule_type.
type RuleSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	WorkspaceID string `yaml:"workspace_id"`
	ProjectID   string `yaml:"project_id,omitempty"`

	RuleType  string                 `yaml:"rule_type"`
	Condition map[string]interface{} `yaml:"condition"`

	Severity string `yaml:"severity"`
	Reason   string `yaml:"reason"`
	Priority int    `yaml:"priority"`

	TargetAgentType string `yaml:"target_agent_type,omitempty"`
	AutoAssign      bool   `yaml:"auto_assign"`

	NotifyWebSocket bool `yaml:"notify_websocket"`
	NotifyEmail     bool `yaml:"notify_email"`
	NotifySlack     bool `yaml:"notify_slack"`

	EmailRecipients []string `yaml:"email_recipients,omitempty"`
	SlackWebhookURL string   `yaml:"slack_webhook_url,omitempty"`

	Enabled bool `yaml:"enabled"`
}

// LoadSeedRules reads and validates a rules file, returning ready-to-insert
// escalation rules.
func LoadSeedRules(path string) ([]*escalation.EscalationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	return ParseSeedRules([]byte(expandEnvVars(string(data))))
}

// ParseSeedRules parses YAML data into escalation rules.
func ParseSeedRules(data []byte) ([]*escalation.EscalationRule, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	if file.Kind != "EscalationRules" {
		return nil, fmt.Errorf("invalid kind: expected 'EscalationRules', got '%s'", file.Kind)
	}

	rules := make([]*escalation.EscalationRule, 0, len(file.Rules))
	names := make(map[string]bool)
	for i, seed := range file.Rules {
		rule, err := seedToRule(&seed)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s) invalid: %w", i, seed.Name, err)
		}
		key := seed.WorkspaceID + "/" + seed.Name
		if names[key] {
			return nil, fmt.Errorf("duplicate rule name: %s", seed.Name)
		}
		names[key] = true
		rules = append(rules, rule)
	}

	return rules, nil
}

func seedToRule(seed *RuleSeed) (*escalation.EscalationRule, error) {
	if seed.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if seed.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}

	ruleType, err := escalation.ValidateRuleType(seed.RuleType)
	if err != nil {
		return nil, err
	}
	severity, err := escalation.ValidateSeverity(seed.Severity)
	if err != nil {
		return nil, err
	}
	reason, err := escalation.ValidateReason(seed.Reason)
	if err != nil {
		return nil, err
	}

	// YAML gives the condition as a generic map; the condition codec
	// speaks JSON. Round-trip through JSON to reuse its validation.
	conditionJSON, err := json.Marshal(seed.Condition)
	if err != nil {
		return nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	condition, err := escalation.DecodeCondition(ruleType, conditionJSON)
	if err != nil {
		return nil, err
	}

	rule := &escalation.EscalationRule{
		WorkspaceID:     seed.WorkspaceID,
		ProjectID:       seed.ProjectID,
		Name:            seed.Name,
		Description:     seed.Description,
		RuleType:        ruleType,
		Condition:       condition,
		Severity:        severity,
		Reason:          reason,
		Priority:        seed.Priority,
		TargetAgentType: seed.TargetAgentType,
		AutoAssign:      seed.AutoAssign,
		NotifyWebSocket: seed.NotifyWebSocket,
		NotifyEmail:     seed.NotifyEmail,
		NotifySlack:     seed.NotifySlack,
		Enabled:         seed.Enabled,
	}

	if len(seed.EmailRecipients) > 0 || seed.SlackWebhookURL != "" {
		rule.NotificationConfig = &escalation.NotificationConfig{
			EmailRecipients: seed.EmailRecipients,
			SlackWebhookURL: seed.SlackWebhookURL,
		}
	}

	return rule, nil
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package directory exposes the agent directory boundary: lookup of running
// agent instances and their immutable definitions, as needed by escalation
// routing.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// InstanceStatus is the runtime state of an agent instance.
type InstanceStatus string

const (
	StatusIdle   InstanceStatus = "idle"
	StatusActive InstanceStatus = "active"
	StatusBusy   InstanceStatus = "busy"
	StatusDown   InstanceStatus = "down"
)

// AgentInstance is one running agent process registered in a workspace.
type AgentInstance struct {
	ID           string                 `json:"id"`
	WorkspaceID  string                 `json:"workspace_id"`
	ProjectID    string                 `json:"project_id,omitempty"`
	DefinitionID string                 `json:"definition_id"`
	Status       InstanceStatus         `json:"status"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// AgentDefinition is the immutable description of an agent kind.
type AgentDefinition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AgentType    string   `json:"agent_type"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Directory answers instance and definition queries for routing.
type Directory interface {
	// ListInstances returns instances in the workspace (and project, when
	// given) whose status is one of the provided filters. Order is stable
	// across calls with identical data.
	ListInstances(ctx context.Context, workspaceID, projectID string, statuses []InstanceStatus) ([]*AgentInstance, error)

	// GetDefinition resolves an instance's definition.
	GetDefinition(ctx context.Context, definitionID string) (*AgentDefinition, error)
}

// SQLDirectory is the Postgres-backed Directory implementation.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a directory over the given database handle.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// ListInstances queries agent instances by workspace, optional project, and
// status filter, ordered by creation time for stable ranking.
func (d *SQLDirectory) ListInstances(ctx context.Context, workspaceID, projectID string, statuses []InstanceStatus) ([]*AgentInstance, error) {
	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}

	query := `
		SELECT id, workspace_id, COALESCE(project_id, ''), definition_id, status,
		       COALESCE(config, '{}'), COALESCE(metadata, '{}')
		FROM agent_instances
		WHERE workspace_id = $1 AND status = ANY($2)
	`
	args := []interface{}{workspaceID, pq.Array(statusStrs)}

	if projectID != "" {
		query += ` AND (project_id = $3 OR project_id IS NULL)`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*AgentInstance
	for rows.Next() {
		inst := &AgentInstance{}
		var configJSON, metadataJSON []byte

		if err := rows.Scan(&inst.ID, &inst.WorkspaceID, &inst.ProjectID, &inst.DefinitionID,
			&inst.Status, &configJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan agent instance: %w", err)
		}

		if err := json.Unmarshal(configJSON, &inst.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance config: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &inst.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance metadata: %w", err)
		}

		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent instances: %w", err)
	}

	return instances, nil
}

// GetDefinition loads one agent definition by id. Returns nil when absent.
func (d *SQLDirectory) GetDefinition(ctx context.Context, definitionID string) (*AgentDefinition, error) {
	query := `
		SELECT id, name, agent_type, enabled, COALESCE(capabilities, '{}')
		FROM agent_definitions
		WHERE id = $1
	`

	def := &AgentDefinition{}
	err := d.db.QueryRowContext(ctx, query, definitionID).Scan(
		&def.ID, &def.Name, &def.AgentType, &def.Enabled, pq.Array(&def.Capabilities))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent definition: %w", err)
	}

	return def, nil
}

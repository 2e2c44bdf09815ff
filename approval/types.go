// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"errors"
	"time"
)

// Status tracks an approval request through its lifecycle.
//
// Valid transitions:
//
//	pending -> approved | rejected | request_changes | timeout | cancelled
//
// All non-pending statuses are terminal. request_changes terminates this
// request but typically spawns a successor linked via ParentApprovalID.
type Status string

const (
	StatusPending        Status = "pending"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusRequestChanges Status = "request_changes"
	StatusTimeout        Status = "timeout"
	StatusCancelled      Status = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// SystemAutoApprover is the actor recorded when the auto-approve timer
// resolves a request.
const SystemAutoApprover = "system_auto_approval"

// Request is a human-in-the-loop gate blocking workflow progress.
type Request struct {
	ID                  string `json:"id"`
	StepExecutionID     string `json:"step_execution_id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	WorkspaceID         string `json:"workspace_id"`
	ProjectID           string `json:"project_id,omitempty"`

	Status       Status                 `json:"status"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	ApprovalData map[string]interface{} `json:"approval_data,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	AutoApproveAfterSeconds int      `json:"auto_approve_after_seconds,omitempty"`
	RequiredApprovers       []string `json:"required_approvers,omitempty"`

	// ParentApprovalID links revision chains created after
	// request_changes. RevisionCount strictly increases along the chain.
	ParentApprovalID string `json:"parent_approval_id,omitempty"`
	RevisionCount    int    `json:"revision_count"`

	ApprovedBy   string                 `json:"approved_by,omitempty"`
	Feedback     string                 `json:"feedback,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
	RespondedAt  *time.Time             `json:"responded_at,omitempty"`
}

// CreateParams carries the inputs for creating a request.
type CreateParams struct {
	StepExecutionID     string                 `json:"step_execution_id"`
	WorkflowExecutionID string                 `json:"workflow_execution_id,omitempty"`
	WorkspaceID         string                 `json:"workspace_id"`
	ProjectID           string                 `json:"project_id,omitempty"`
	Title               string                 `json:"title"`
	Description         string                 `json:"description,omitempty"`
	ApprovalData        map[string]interface{} `json:"approval_data,omitempty"`
	RequiredApprovers   []string               `json:"required_approvers,omitempty"`

	// AutoApproveAfterSeconds schedules system approval after the delay.
	// Zero disables it.
	AutoApproveAfterSeconds int `json:"auto_approve_after_seconds,omitempty"`

	// ExpiresAfterSeconds schedules a timeout transition after the
	// delay. Zero disables it.
	ExpiresAfterSeconds int `json:"expires_after_seconds,omitempty"`

	// ParentApprovalID marks this request as a revision of an earlier one.
	ParentApprovalID string `json:"parent_approval_id,omitempty"`
}

// ErrNotFound is returned when an approval id resolves to nothing.
var ErrNotFound = errors.New("approval request not found")

// ErrNotPending is returned when a response targets a request that has
// already reached a terminal status.
var ErrNotPending = errors.New("approval request is not pending")

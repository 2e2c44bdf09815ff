// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store is the persistence boundary for approval requests. Responses are
// conditional updates guarded on status = pending so concurrent responders
// and timers cannot double-resolve a request.
type Store interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, approvalID string) (*Request, error)

	// UpdateResponse transitions pending -> status with the responder's
	// details. Returns false when the request is missing or already
	// terminal.
	UpdateResponse(ctx context.Context, approvalID string, status Status, approvedBy, feedback string, responseData map[string]interface{}, respondedAt time.Time) (bool, error)

	// MarkTimeout transitions pending -> timeout. Returns false when the
	// request already resolved.
	MarkTimeout(ctx context.Context, approvalID string, respondedAt time.Time) (bool, error)

	ListPending(ctx context.Context, workspaceID, projectID, workflowExecutionID string) ([]*Request, error)
}

// Repository is the Postgres Store implementation.
type Repository struct {
	db *sql.DB
}

// NewRepository creates an approval repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const requestColumns = `id, step_execution_id, COALESCE(workflow_execution_id, ''), workspace_id,
       COALESCE(project_id, ''), status, title, COALESCE(description, ''),
       COALESCE(approval_data, '{}'), requested_at, expires_at,
       COALESCE(auto_approve_after_seconds, 0), required_approvers,
       COALESCE(parent_approval_id, ''), revision_count,
       COALESCE(approved_by, ''), COALESCE(feedback, ''),
       COALESCE(response_data, '{}'), responded_at`

// Create inserts a new request in pending status.
func (r *Repository) Create(ctx context.Context, req *Request) error {
	approvalJSON, err := json.Marshal(req.ApprovalData)
	if err != nil {
		return fmt.Errorf("failed to marshal approval data: %w", err)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	req.Status = StatusPending

	query := `
		INSERT INTO approval_requests (
			id, step_execution_id, workflow_execution_id, workspace_id, project_id,
			status, title, description, approval_data, requested_at, expires_at,
			auto_approve_after_seconds, required_approvers,
			parent_approval_id, revision_count
		) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11,
			$12, $13, NULLIF($14, ''), $15)
	`

	_, err = r.db.ExecContext(ctx, query,
		req.ID, req.StepExecutionID, req.WorkflowExecutionID, req.WorkspaceID, req.ProjectID,
		string(req.Status), req.Title, req.Description, approvalJSON, req.RequestedAt, req.ExpiresAt,
		req.AutoApproveAfterSeconds, pq.Array(req.RequiredApprovers),
		req.ParentApprovalID, req.RevisionCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}

	return nil
}

// GetByID loads one request. Returns nil when absent.
func (r *Repository) GetByID(ctx context.Context, approvalID string) (*Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE id = $1`, requestColumns)

	req, err := scanRequest(r.db.QueryRowContext(ctx, query, approvalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}

	return req, nil
}

// UpdateResponse records a responder's decision. The status guard makes
// the first response win; later ones change nothing and report false.
func (r *Repository) UpdateResponse(ctx context.Context, approvalID string, status Status, approvedBy, feedback string, responseData map[string]interface{}, respondedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not a response status", status)
	}

	responseJSON, err := json.Marshal(responseData)
	if err != nil {
		return false, fmt.Errorf("failed to marshal response data: %w", err)
	}

	query := `
		UPDATE approval_requests
		SET status = $1, approved_by = NULLIF($2, ''), feedback = NULLIF($3, ''),
		    response_data = $4, responded_at = $5
		WHERE id = $6 AND status = $7
	`

	result, err := r.db.ExecContext(ctx, query,
		string(status), approvedBy, feedback, responseJSON, respondedAt,
		approvalID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to update approval request: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkTimeout expires a still-pending request.
func (r *Repository) MarkTimeout(ctx context.Context, approvalID string, respondedAt time.Time) (bool, error) {
	query := `
		UPDATE approval_requests
		SET status = $1, responded_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusTimeout), respondedAt, approvalID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to expire approval request: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListPending returns pending requests for the workspace, most recent
// first. Project and workflow execution filters are applied when set.
func (r *Repository) ListPending(ctx context.Context, workspaceID, projectID, workflowExecutionID string) ([]*Request, error) {
	where := `workspace_id = $1 AND status = $2`
	args := []interface{}{workspaceID, string(StatusPending)}
	if projectID != "" {
		args = append(args, projectID)
		where += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if workflowExecutionID != "" {
		args = append(args, workflowExecutionID)
		where += fmt.Sprintf(` AND workflow_execution_id = $%d`, len(args))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM approval_requests
		WHERE %s
		ORDER BY requested_at DESC
	`, requestColumns, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var status string
	var approvalJSON, responseJSON []byte
	var expiresAt, respondedAt sql.NullTime
	var approvers pq.StringArray

	err := row.Scan(
		&req.ID, &req.StepExecutionID, &req.WorkflowExecutionID, &req.WorkspaceID,
		&req.ProjectID, &status, &req.Title, &req.Description,
		&approvalJSON, &req.RequestedAt, &expiresAt,
		&req.AutoApproveAfterSeconds, &approvers,
		&req.ParentApprovalID, &req.RevisionCount,
		&req.ApprovedBy, &req.Feedback,
		&responseJSON, &respondedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = Status(status)
	req.RequiredApprovers = []string(approvers)

	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if respondedAt.Valid {
		req.RespondedAt = &respondedAt.Time
	}

	_ = json.Unmarshal(approvalJSON, &req.ApprovalData)
	_ = json.Unmarshal(responseJSON, &req.ResponseData)

	return req, nil
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"axonflow/escalation/notify"
	"axonflow/escalation/shared/logger"
)

// Service owns the approval request lifecycle: creation with revision
// chaining, human responses, deferred auto-approve and expiration, and the
// blocking wait used by workflow steps. Unlike escalation finalization,
// responses to a non-pending request are hard errors.
type Service struct {
	store     Store
	waiter    Waiter
	scheduler *Scheduler
	realtime  notify.RealtimePublisher
	log       *logger.Logger
}

// NewService wires the approval components. realtime may be nil when no
// live channel is configured.
func NewService(store Store, waiter Waiter, scheduler *Scheduler, realtime notify.RealtimePublisher) *Service {
	return &Service{
		store:     store,
		waiter:    waiter,
		scheduler: scheduler,
		realtime:  realtime,
		log:       logger.New("approval-service"),
	}
}

// WorkspaceChannel is the realtime channel carrying a workspace's approval
// activity.
func WorkspaceChannel(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:approvals", workspaceID)
}

// CreateApprovalRequest persists a new pending request, registers its wait
// slot, announces it, and schedules any deferred transitions. A request
// created with a parent continues that parent's revision chain.
func (s *Service) CreateApprovalRequest(ctx context.Context, params CreateParams) (*Request, error) {
	req := &Request{
		StepExecutionID:         params.StepExecutionID,
		WorkflowExecutionID:     params.WorkflowExecutionID,
		WorkspaceID:             params.WorkspaceID,
		ProjectID:               params.ProjectID,
		Status:                  StatusPending,
		Title:                   params.Title,
		Description:             params.Description,
		ApprovalData:            params.ApprovalData,
		RequestedAt:             time.Now().UTC(),
		AutoApproveAfterSeconds: params.AutoApproveAfterSeconds,
		RequiredApprovers:       params.RequiredApprovers,
	}

	if params.ParentApprovalID != "" {
		parent, err := s.store.GetByID(ctx, params.ParentApprovalID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("parent approval %s: %w", params.ParentApprovalID, ErrNotFound)
		}
		req.ParentApprovalID = parent.ID
		req.RevisionCount = parent.RevisionCount + 1
	}

	if params.ExpiresAfterSeconds > 0 {
		expiresAt := req.RequestedAt.Add(time.Duration(params.ExpiresAfterSeconds) * time.Second)
		req.ExpiresAt = &expiresAt
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}

	s.waiter.Register(req.ID)

	s.log.Info(req.WorkspaceID, "", "approval request created", map[string]interface{}{
		"approval_id":    req.ID,
		"step_execution": req.StepExecutionID,
		"revision_count": req.RevisionCount,
	})

	s.publish(ctx, req, "approval_required")

	if params.AutoApproveAfterSeconds > 0 {
		delay := time.Duration(params.AutoApproveAfterSeconds) * time.Second
		approvalID := req.ID
		s.scheduler.Schedule(approvalID, delay, func() {
			s.autoApprove(approvalID)
		})
	}

	if params.ExpiresAfterSeconds > 0 {
		delay := time.Duration(params.ExpiresAfterSeconds) * time.Second
		approvalID := req.ID
		s.scheduler.Schedule(approvalID, delay, func() {
			s.expire(approvalID)
		})
	}

	return req, nil
}

// Approve records an approval decision and wakes any waiter.
func (s *Service) Approve(ctx context.Context, approvalID, approvedBy, feedback string, responseData map[string]interface{}) (*Request, error) {
	return s.respond(ctx, approvalID, StatusApproved, approvedBy, feedback, responseData)
}

// Reject records a rejection and wakes any waiter.
func (s *Service) Reject(ctx context.Context, approvalID, rejectedBy, feedback string, responseData map[string]interface{}) (*Request, error) {
	return s.respond(ctx, approvalID, StatusRejected, rejectedBy, feedback, responseData)
}

// RequestChanges terminates this request with request_changes. The caller
// typically follows up with a new request chained via ParentApprovalID.
func (s *Service) RequestChanges(ctx context.Context, approvalID, requestedBy, feedback string, responseData map[string]interface{}) (*Request, error) {
	return s.respond(ctx, approvalID, StatusRequestChanges, requestedBy, feedback, responseData)
}

// Cancel terminates a pending request without a responder decision.
func (s *Service) Cancel(ctx context.Context, approvalID, cancelledBy string) (*Request, error) {
	return s.respond(ctx, approvalID, StatusCancelled, cancelledBy, "", nil)
}

// respond is the shared response path. The conditional update enforces the
// one-terminal-transition invariant under concurrent responders.
func (s *Service) respond(ctx context.Context, approvalID string, status Status, actor, feedback string, responseData map[string]interface{}) (*Request, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval %s is %s: %w", approvalID, req.Status, ErrNotPending)
	}

	respondedAt := time.Now().UTC()
	changed, err := s.store.UpdateResponse(ctx, approvalID, status, actor, feedback, responseData, respondedAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost the race: someone else resolved it between our read and
		// the update.
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotPending)
	}

	req.Status = status
	req.ApprovedBy = actor
	req.Feedback = feedback
	req.ResponseData = responseData
	req.RespondedAt = &respondedAt

	s.scheduler.Cancel(approvalID)
	s.waiter.Wake(ctx, approvalID, status)

	s.log.Info(req.WorkspaceID, "", "approval request resolved", map[string]interface{}{
		"approval_id": approvalID,
		"status":      string(status),
		"actor":       actor,
	})

	s.publish(ctx, req, "approval_resolved")

	return req, nil
}

// WaitForApproval blocks the calling workflow step until the request
// reaches a terminal status or the timeout elapses. The returned status is
// always terminal; a timeout is a normal outcome, not an error. Only an id
// that exists nowhere produces ErrNotFound.
func (s *Service) WaitForApproval(ctx context.Context, approvalID string, timeout time.Duration) (Status, error) {
	defer s.waiter.Release(approvalID)

	status, err := s.waiter.Wait(ctx, approvalID, timeout)
	if err == nil {
		return status, nil
	}

	switch {
	case errors.Is(err, ErrNoWaiter):
		// No local slot, likely a restart. The persisted row is the
		// source of truth; watch it until it turns terminal.
		return s.pollPersistedStatus(ctx, approvalID, timeout)

	case errors.Is(err, ErrWaitTimeout):
		return s.timedOutStatus(ctx, approvalID), nil

	default:
		return "", err
	}
}

// statusPollInterval paces the persisted-status watch used when no
// in-process wait slot exists.
const statusPollInterval = 250 * time.Millisecond

// pollPersistedStatus re-reads the stored row until it reaches a terminal
// status or the timeout elapses. The row may turn terminal through a
// responder in another instance, the deferred timers, or our own expiry
// when the deadline passes first.
func (s *Service) pollPersistedStatus(ctx context.Context, approvalID string, timeout time.Duration) (Status, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		req, err := s.store.GetByID(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if req == nil {
			return "", fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		if req.Status.IsTerminal() {
			return req.Status, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return s.timedOutStatus(ctx, approvalID), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// timedOutStatus resolves a wait that ran out of time. The timeout
// transition is conditional, so a response that landed without waking us,
// such as a publish before our subscription or a responder racing the
// deadline, wins: the row's terminal status is returned instead of TIMEOUT.
func (s *Service) timedOutStatus(ctx context.Context, approvalID string) Status {
	s.expire(approvalID)

	req, err := s.store.GetByID(ctx, approvalID)
	if err == nil && req != nil && req.Status.IsTerminal() {
		return req.Status
	}
	return StatusTimeout
}

// GetApproval loads one request.
func (s *Service) GetApproval(ctx context.Context, approvalID string) (*Request, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	return req, nil
}

// GetPendingApprovals lists pending requests, most recent first.
func (s *Service) GetPendingApprovals(ctx context.Context, workspaceID, projectID, workflowExecutionID string) ([]*Request, error) {
	return s.store.ListPending(ctx, workspaceID, projectID, workflowExecutionID)
}

// Close cancels all outstanding timers. In-flight waits are unaffected.
func (s *Service) Close() {
	s.scheduler.Stop()
}

// autoApprove fires from the scheduled timer. The conditional update is
// the still-pending guard: a request resolved before the timer fired is
// left untouched.
func (s *Service) autoApprove(approvalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	respondedAt := time.Now().UTC()
	changed, err := s.store.UpdateResponse(ctx, approvalID, StatusApproved, SystemAutoApprover, "", nil, respondedAt)
	if err != nil {
		s.log.ErrorWithErr("", "", "auto-approve failed", err, map[string]interface{}{
			"approval_id": approvalID,
		})
		return
	}
	if !changed {
		return
	}

	s.waiter.Wake(ctx, approvalID, StatusApproved)

	s.log.Info("", "", "approval auto-approved", map[string]interface{}{
		"approval_id": approvalID,
		"approved_by": SystemAutoApprover,
	})
}

// expire marks a still-pending request as timed out and wakes any waiter.
func (s *Service) expire(approvalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changed, err := s.store.MarkTimeout(ctx, approvalID, time.Now().UTC())
	if err != nil {
		s.log.ErrorWithErr("", "", "approval expiration failed", err, map[string]interface{}{
			"approval_id": approvalID,
		})
		return
	}
	if !changed {
		return
	}

	s.waiter.Wake(ctx, approvalID, StatusTimeout)

	s.log.Info("", "", "approval request expired", map[string]interface{}{
		"approval_id": approvalID,
	})
}

// publish sends the request on the workspace approval channel. Best effort.
func (s *Service) publish(ctx context.Context, req *Request, eventType string) {
	if s.realtime == nil {
		return
	}

	payload := map[string]interface{}{
		"type":        eventType,
		"approval_id": req.ID,
		"status":      string(req.Status),
		"title":       req.Title,
		"workspace":   req.WorkspaceID,
	}
	if err := s.realtime.Publish(ctx, WorkspaceChannel(req.WorkspaceID), payload); err != nil {
		s.log.Warn(req.WorkspaceID, "", "approval notification failed", map[string]interface{}{
			"approval_id": req.ID,
			"error":       err.Error(),
		})
	}
}

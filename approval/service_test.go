// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store honoring the pending-status guards.
type fakeStore struct {
	mu   sync.Mutex
	reqs map[string]*Request
	seq  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{reqs: make(map[string]*Request)}
}

func (s *fakeStore) Create(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		s.seq++
		req.ID = fmt.Sprintf("apr-%d", s.seq)
	}
	s.reqs[req.ID] = req
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, approvalID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[approvalID]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (s *fakeStore) UpdateResponse(ctx context.Context, approvalID string, status Status, approvedBy, feedback string, responseData map[string]interface{}, respondedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[approvalID]
	if !ok || req.Status != StatusPending {
		return false, nil
	}
	req.Status = status
	req.ApprovedBy = approvedBy
	req.Feedback = feedback
	req.ResponseData = responseData
	req.RespondedAt = &respondedAt
	return true, nil
}

func (s *fakeStore) MarkTimeout(ctx context.Context, approvalID string, respondedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[approvalID]
	if !ok || req.Status != StatusPending {
		return false, nil
	}
	req.Status = StatusTimeout
	req.RespondedAt = &respondedAt
	return true, nil
}

func (s *fakeStore) ListPending(ctx context.Context, workspaceID, projectID, workflowExecutionID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, req := range s.reqs {
		if req.Status != StatusPending || req.WorkspaceID != workspaceID {
			continue
		}
		if projectID != "" && req.ProjectID != projectID {
			continue
		}
		if workflowExecutionID != "" && req.WorkflowExecutionID != workflowExecutionID {
			continue
		}
		copied := *req
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) get(id string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[id]
}

// capturingPublisher records realtime events per channel.
type capturingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturingPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := payload.(map[string]interface{})["type"].(string)
	p.events = append(p.events, channel+"/"+event)
	return nil
}

func (p *capturingPublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type approvalFixture struct {
	service   *Service
	store     *fakeStore
	publisher *capturingPublisher
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	store := newFakeStore()
	publisher := &capturingPublisher{}
	service := NewService(store, NewMemoryWaiter(), NewScheduler(), publisher)
	t.Cleanup(service.Close)
	return &approvalFixture{service: service, store: store, publisher: publisher}
}

func createParams() CreateParams {
	return CreateParams{
		StepExecutionID:     "step-1",
		WorkflowExecutionID: "wf-1",
		WorkspaceID:         "ws-1",
		Title:               "Deploy to production",
	}
}

func TestCreateApprovalRequest(t *testing.T) {
	fix := newApprovalFixture(t)

	params := createParams()
	params.ExpiresAfterSeconds = 3600

	req, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 0, req.RevisionCount)
	require.NotNil(t, req.ExpiresAt)
	assert.Equal(t, req.RequestedAt.Add(time.Hour), *req.ExpiresAt)
	assert.Equal(t, []string{"workspace:ws-1:approvals/approval_required"}, fix.publisher.all())
}

func TestCreateApprovalRequest_RevisionChain(t *testing.T) {
	fix := newApprovalFixture(t)

	parent, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	_, err = fix.service.RequestChanges(context.Background(), parent.ID, "alice", "tighten the rollout plan", nil)
	require.NoError(t, err)

	params := createParams()
	params.ParentApprovalID = parent.ID
	revision, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, parent.ID, revision.ParentApprovalID)
	assert.Equal(t, parent.RevisionCount+1, revision.RevisionCount)

	// A second round of changes keeps the count climbing.
	_, err = fix.service.RequestChanges(context.Background(), revision.ID, "alice", "still too broad", nil)
	require.NoError(t, err)

	params.ParentApprovalID = revision.ID
	second, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, second.RevisionCount)
}

func TestCreateApprovalRequest_MissingParent(t *testing.T) {
	fix := newApprovalFixture(t)

	params := createParams()
	params.ParentApprovalID = "ghost"

	_, err := fix.service.CreateApprovalRequest(context.Background(), params)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprove(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	approved, err := fix.service.Approve(context.Background(), req.ID, "alice", "looks good",
		map[string]interface{}{"ticket": "OPS-42"})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.ApprovedBy)
	assert.Equal(t, "looks good", approved.Feedback)
	require.NotNil(t, approved.RespondedAt)

	persisted := fix.store.get(req.ID)
	assert.Equal(t, StatusApproved, persisted.Status)
	assert.Equal(t, "OPS-42", persisted.ResponseData["ticket"])
}

func TestRespond_AlreadyResolvedIsHardError(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	_, err = fix.service.Approve(context.Background(), req.ID, "alice", "", nil)
	require.NoError(t, err)

	_, err = fix.service.Approve(context.Background(), req.ID, "bob", "", nil)
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = fix.service.Reject(context.Background(), req.ID, "bob", "no", nil)
	assert.ErrorIs(t, err, ErrNotPending)

	// The losing responses changed nothing.
	persisted := fix.store.get(req.ID)
	assert.Equal(t, StatusApproved, persisted.Status)
	assert.Equal(t, "alice", persisted.ApprovedBy)
}

func TestRespond_UnknownID(t *testing.T) {
	fix := newApprovalFixture(t)

	_, err := fix.service.Approve(context.Background(), "ghost", "alice", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	cancelled, err := fix.service.Cancel(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestRespond_CancelsPendingTimers(t *testing.T) {
	fix := newApprovalFixture(t)

	params := createParams()
	params.AutoApproveAfterSeconds = 3600
	params.ExpiresAfterSeconds = 7200

	req, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)

	fix.service.scheduler.mu.Lock()
	pending := len(fix.service.scheduler.timers[req.ID])
	fix.service.scheduler.mu.Unlock()
	assert.Equal(t, 2, pending)

	_, err = fix.service.Approve(context.Background(), req.ID, "alice", "", nil)
	require.NoError(t, err)

	fix.service.scheduler.mu.Lock()
	pending = len(fix.service.scheduler.timers[req.ID])
	fix.service.scheduler.mu.Unlock()
	assert.Equal(t, 0, pending, "a human response must drop the deferred timers")
}

func TestAutoApprove(t *testing.T) {
	fix := newApprovalFixture(t)

	params := createParams()
	params.AutoApproveAfterSeconds = 1

	req, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	persisted := fix.store.get(req.ID)
	assert.Equal(t, StatusApproved, persisted.Status)
	assert.Equal(t, SystemAutoApprover, persisted.ApprovedBy)
}

func TestExpiration(t *testing.T) {
	fix := newApprovalFixture(t)

	params := createParams()
	params.ExpiresAfterSeconds = 1

	req, err := fix.service.CreateApprovalRequest(context.Background(), params)
	require.NoError(t, err)

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)

	assert.Equal(t, StatusTimeout, fix.store.get(req.ID).Status)
}

func TestWaitForApproval_HumanResponse(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = fix.service.Reject(context.Background(), req.ID, "alice", "not yet", nil)
	}()

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)
}

func TestWaitForApproval_TimeoutExpiresRequest(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	// A wait timeout is a normal outcome and expires the request itself.
	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	assert.Equal(t, StatusTimeout, fix.store.get(req.ID).Status)
}

func TestWaitForApproval_TimeoutLosesToEarlierResponse(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	// Resolve the row without waking the slot, as a responder racing the
	// caller's deadline would.
	_, err = fix.store.UpdateResponse(context.Background(), req.ID, StatusApproved, "alice", "", nil, time.Now().UTC())
	require.NoError(t, err)

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status, "an approved request must not come back as timed out")
	assert.Equal(t, StatusApproved, fix.store.get(req.ID).Status)
}

func TestWaitForApproval_ResponseBeforeSubscribeWins(t *testing.T) {
	waiter, _ := newRedisWaiter(t)
	store := newFakeStore()
	service := NewService(store, waiter, NewScheduler(), nil)
	t.Cleanup(service.Close)

	req, err := service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	// The wake publishes before any subscriber exists and pub/sub
	// retains nothing, so the wait below never sees it.
	_, err = service.Approve(context.Background(), req.ID, "alice", "", nil)
	require.NoError(t, err)

	status, err := service.WaitForApproval(context.Background(), req.ID, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
	assert.Equal(t, StatusApproved, store.get(req.ID).Status)
}

func TestWaitForApproval_NoSlotWaitsForResponse(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)

	// Drop the slot as a restart would, then resolve the row directly.
	fix.service.waiter.Release(req.ID)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = fix.store.UpdateResponse(context.Background(), req.ID, StatusRejected, "alice", "no", nil, time.Now().UTC())
	}()

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)
}

func TestWaitForApproval_NoSlotTimesOutPendingRequest(t *testing.T) {
	fix := newApprovalFixture(t)

	req, err := fix.service.CreateApprovalRequest(context.Background(), createParams())
	require.NoError(t, err)
	fix.service.waiter.Release(req.ID)

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, status)
	assert.Equal(t, StatusTimeout, fix.store.get(req.ID).Status)
}

func TestWaitForApproval_FallsBackToPersistedStatus(t *testing.T) {
	fix := newApprovalFixture(t)

	// Simulate a restart: the row exists but no wait slot does.
	req := &Request{WorkspaceID: "ws-1", Status: StatusPending, Title: "restored"}
	require.NoError(t, fix.store.Create(context.Background(), req))
	_, err := fix.store.UpdateResponse(context.Background(), req.ID, StatusApproved, "alice", "", nil, time.Now().UTC())
	require.NoError(t, err)

	status, err := fix.service.WaitForApproval(context.Background(), req.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}

func TestWaitForApproval_UnknownID(t *testing.T) {
	fix := newApprovalFixture(t)

	_, err := fix.service.WaitForApproval(context.Background(), "ghost", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingApprovals_Filters(t *testing.T) {
	fix := newApprovalFixture(t)

	a := createParams()
	a.ProjectID = "proj-1"
	_, err := fix.service.CreateApprovalRequest(context.Background(), a)
	require.NoError(t, err)

	b := createParams()
	b.ProjectID = "proj-2"
	b.WorkflowExecutionID = "wf-2"
	_, err = fix.service.CreateApprovalRequest(context.Background(), b)
	require.NoError(t, err)

	all, err := fix.service.GetPendingApprovals(context.Background(), "ws-1", "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byProject, err := fix.service.GetPendingApprovals(context.Background(), "ws-1", "proj-2", "")
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, "wf-2", byProject[0].WorkflowExecutionID)

	none, err := fix.service.GetPendingApprovals(context.Background(), "ws-other", "", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

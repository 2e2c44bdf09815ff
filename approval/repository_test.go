// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (sqlmock.Sqlmock, *Repository, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return mock, NewRepository(db), func() { _ = db.Close() }
}

func requestRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "step_execution_id", "workflow_execution_id", "workspace_id",
		"project_id", "status", "title", "description",
		"approval_data", "requested_at", "expires_at",
		"auto_approve_after_seconds", "required_approvers",
		"parent_approval_id", "revision_count",
		"approved_by", "feedback",
		"response_data", "responded_at",
	})
}

func TestRepository_Create(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO approval_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := &Request{
		StepExecutionID:   "step-1",
		WorkspaceID:       "ws-1",
		Title:             "Deploy to production",
		RequiredApprovers: []string{"alice", "bob"},
	}

	require.NoError(t, repo.Create(context.Background(), req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status, "create always starts pending")
	assert.False(t, req.RequestedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByID(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now().UTC()
	rows := requestRows().AddRow(
		"apr-1", "step-1", "wf-1", "ws-1",
		"", "pending", "Deploy to production", "",
		[]byte(`{"environment":"prod"}`), now, nil,
		0, []byte(`{alice,bob}`),
		"", 0,
		"", "",
		[]byte(`{}`), nil,
	)

	mock.ExpectQuery(`SELECT .+ FROM approval_requests WHERE id`).
		WithArgs("apr-1").
		WillReturnRows(rows)

	req, err := repo.GetByID(context.Background(), "apr-1")
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, []string{"alice", "bob"}, req.RequiredApprovers)
	assert.Equal(t, "prod", req.ApprovalData["environment"])
	assert.Nil(t, req.ExpiresAt)
	assert.Nil(t, req.RespondedAt)
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM approval_requests WHERE id`).
		WillReturnRows(requestRows())

	req, err := repo.GetByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestRepository_UpdateResponse_FirstWins(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE approval_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.UpdateResponse(context.Background(), "apr-1",
		StatusApproved, "alice", "looks good", nil, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)

	// The status guard in the WHERE clause: a second responder matches no row.
	mock.ExpectExec(`UPDATE approval_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err = repo.UpdateResponse(context.Background(), "apr-1",
		StatusRejected, "bob", "no", nil, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRepository_UpdateResponse_RejectsPendingStatus(t *testing.T) {
	_, repo, cleanup := newMockRepo(t)
	defer cleanup()

	_, err := repo.UpdateResponse(context.Background(), "apr-1",
		StatusPending, "alice", "", nil, time.Now().UTC())
	require.Error(t, err)
}

func TestRepository_MarkTimeout(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE approval_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.MarkTimeout(context.Background(), "apr-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed, "an already-resolved request must not time out")
}

func TestRepository_ListPending_Filters(t *testing.T) {
	mock, repo, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM approval_requests`).
		WithArgs("ws-1", string(StatusPending), "proj-1", "wf-1").
		WillReturnRows(requestRows())

	list, err := repo.ListPending(context.Background(), "ws-1", "proj-1", "wf-1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package approval implements human-in-the-loop approval gates for workflow
steps.

A workflow step creates a Request and then blocks in
Service.WaitForApproval until a human approves, rejects, or requests
changes, or until a timer resolves the request first. Auto-approve and
expiration are scheduled per request and cancelled when a human responds
early; a still-pending conditional update guards against the race where a
timer fires anyway. request_changes starts a revision chain: the follow-up
request links back via ParentApprovalID with an incremented RevisionCount.

The wait/signal primitive is abstracted as Waiter. MemoryWaiter covers
single-instance deployments; RedisWaiter spans instances over pub/sub. In
both cases a waiter that misses the signal falls back to the persisted
status, which is the source of truth.
*/
package approval

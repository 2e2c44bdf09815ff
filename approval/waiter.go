// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoWaiter is returned by Wait when no signal is registered for the id,
// for instance after a process restart. Callers fall back to reading
// persisted status.
var ErrNoWaiter = errors.New("no waiter registered for approval")

// ErrWaitTimeout is returned by Wait when the timeout elapses before a
// signal arrives.
var ErrWaitTimeout = errors.New("approval wait timed out")

// Waiter is the wait/signal primitive pairing a blocked caller with the
// eventual human (or timer) response. The in-memory implementation serves
// single-instance deployments; the Redis one spans instances.
type Waiter interface {
	// Register creates the signal slot for a new pending approval.
	Register(approvalID string)

	// Wake delivers the terminal status to a blocked Wait, if any.
	Wake(ctx context.Context, approvalID string, status Status)

	// Wait blocks until Wake fires, the timeout elapses
	// (ErrWaitTimeout), or the context is cancelled. ErrNoWaiter means
	// no slot exists for the id.
	Wait(ctx context.Context, approvalID string, timeout time.Duration) (Status, error)

	// Release discards the signal slot. Safe to call repeatedly.
	Release(approvalID string)
}

// MemoryWaiter keeps one buffered signal channel per pending approval.
// This state is process-local and discarded once the approval resolves.
type MemoryWaiter struct {
	mu    sync.Mutex
	slots map[string]chan Status
}

// NewMemoryWaiter creates an empty in-memory waiter.
func NewMemoryWaiter() *MemoryWaiter {
	return &MemoryWaiter{slots: make(map[string]chan Status)}
}

// Register creates the slot. Registering an existing id is a no-op.
func (w *MemoryWaiter) Register(approvalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.slots[approvalID]; !exists {
		w.slots[approvalID] = make(chan Status, 1)
	}
}

// Wake delivers the status without blocking. A second wake for the same id
// is dropped; the first signal wins.
func (w *MemoryWaiter) Wake(ctx context.Context, approvalID string, status Status) {
	w.mu.Lock()
	slot, exists := w.slots[approvalID]
	w.mu.Unlock()
	if !exists {
		return
	}

	select {
	case slot <- status:
	default:
	}
}

// Wait blocks on the slot until a signal, the timeout, or cancellation.
func (w *MemoryWaiter) Wait(ctx context.Context, approvalID string, timeout time.Duration) (Status, error) {
	w.mu.Lock()
	slot, exists := w.slots[approvalID]
	w.mu.Unlock()
	if !exists {
		return "", ErrNoWaiter
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-slot:
		return status, nil
	case <-timer.C:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release discards the slot.
func (w *MemoryWaiter) Release(approvalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.slots, approvalID)
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"sync"
	"time"
)

// Scheduler runs the deferred transitions of a pending approval: the
// auto-approve timer and the expiration timer. Timers are process-local;
// a restart drops them and leaves the request to its persisted expiry,
// which the poll fallback in WaitForApproval still honors.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string][]*time.Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string][]*time.Timer)}
}

// Schedule runs fn after delay unless the approval's timers are cancelled
// first. Multiple timers may be scheduled for the same id.
func (s *Scheduler) Schedule(approvalID string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.AfterFunc(delay, fn)
	s.timers[approvalID] = append(s.timers[approvalID], timer)
}

// Cancel stops every outstanding timer for the approval. A timer whose
// callback already started is not interrupted; the callback's own
// still-pending check keeps it harmless.
func (s *Scheduler) Cancel(approvalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, timer := range s.timers[approvalID] {
		timer.Stop()
	}
	delete(s.timers, approvalID)
}

// Stop cancels every timer for every approval. Used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timers := range s.timers {
		for _, timer := range timers {
			timer.Stop()
		}
		delete(s.timers, id)
	}
}

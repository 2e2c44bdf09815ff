// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisWaiter implements Waiter over Redis pub/sub so that the responder
// and the waiting workflow may live in different process instances.
type RedisWaiter struct {
	client *redis.Client
}

// NewRedisWaiter creates a waiter over an existing Redis client.
func NewRedisWaiter(client *redis.Client) *RedisWaiter {
	return &RedisWaiter{client: client}
}

func approvalChannel(approvalID string) string {
	return fmt.Sprintf("approval:%s", approvalID)
}

// Register is a no-op: the subscription is established inside Wait, and a
// Wake with no subscriber simply publishes to nobody. The persisted-status
// fallback in the service covers that window.
func (w *RedisWaiter) Register(approvalID string) {}

// Wake publishes the terminal status on the approval's channel.
func (w *RedisWaiter) Wake(ctx context.Context, approvalID string, status Status) {
	// Best effort: a publish failure leaves waiters to their timeout
	// plus status-read fallback.
	_ = w.client.Publish(ctx, approvalChannel(approvalID), string(status)).Err()
}

// Wait subscribes to the approval's channel and blocks for one message,
// the timeout, or cancellation.
func (w *RedisWaiter) Wait(ctx context.Context, approvalID string, timeout time.Duration) (Status, error) {
	sub := w.client.Subscribe(ctx, approvalChannel(approvalID))
	defer func() { _ = sub.Close() }()

	// Force the subscription onto the wire before we start waiting so a
	// Wake racing with Wait is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return "", fmt.Errorf("approval subscription failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ch := sub.Channel()
	select {
	case msg, ok := <-ch:
		if !ok {
			return "", ErrNoWaiter
		}
		return Status(msg.Payload), nil
	case <-timer.C:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release is a no-op: the per-call subscription is closed by Wait itself.
func (w *RedisWaiter) Release(approvalID string) {}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package notify implements the outbound notification boundary: a Redis
// pub/sub realtime channel, a Slack incoming-webhook poster, and an SMTP
// email sender. All senders are best-effort; callers decide whether a
// delivery failure matters.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RealtimePublisher delivers payloads on a named channel for live
// subscribers such as workspace dashboards.
type RealtimePublisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// RedisPublisher publishes JSON payloads over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher over an existing Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// NewRedisPublisherAddr dials Redis at the given address.
func NewRedisPublisherAddr(addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Publish marshals the payload and publishes it on the channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime payload: %w", err)
	}

	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

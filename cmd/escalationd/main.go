// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow Escalation service.
//
// The Escalation service watches agent executions for trouble and routes
// the worst of it to humans and supervisor agents:
// - Evaluates configurable escalation rules against live execution context
// - Scores and selects supervisor agents for auto-assignment
// - Manages human-in-the-loop approval gates with auto-approve and expiry
// - Fans out realtime, email, and Slack notifications
// - Tracks timing metrics, statistics, and historical patterns
//
// Usage:
//
//	./escalationd
//
// Environment Variables:
//
//	HTTP_PORT - HTTP server port (default: 8085)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_ADDR - Redis address for realtime channels (default: localhost:6379)
//	JWT_SECRET - HMAC secret for API tokens
//	SMTP_HOST / SMTP_PORT / SMTP_FROM - email notification transport (optional)
//	SEED_RULES_PATH - YAML file of escalation rules applied at startup (optional)
//
// For more information, see https://docs.getaxonflow.com
package main

import (
	"axonflow/escalation/api"
)

func main() {
	api.Run()
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

func parseEntry(t *testing.T, line string) LogEntry {
	t.Helper()
	start := strings.Index(line, "{")
	require.GreaterOrEqual(t, start, 0, "no JSON in log line: %q", line)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line[start:])), &entry))
	return entry
}

func TestLogger_StructuredFields(t *testing.T) {
	l := New("escalation-service")

	out := captureOutput(t, func() {
		l.Info("ws-1", "req-9", "escalation created", map[string]interface{}{
			"event_id": "evt-1",
			"severity": "high",
		})
	})

	entry := parseEntry(t, out)
	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "escalation-service", entry.Component)
	assert.Equal(t, "ws-1", entry.WorkspaceID)
	assert.Equal(t, "req-9", entry.RequestID)
	assert.Equal(t, "escalation created", entry.Message)
	assert.Equal(t, "evt-1", entry.Fields["event_id"])
	assert.NotEmpty(t, entry.Timestamp)
}

func TestLogger_LevelThreshold(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	l := New("test")

	out := captureOutput(t, func() {
		l.Debug("ws-1", "", "debug dropped", nil)
		l.Info("ws-1", "", "info dropped", nil)
		l.Warn("ws-1", "", "warn kept", nil)
		l.Error("ws-1", "", "error kept", nil)
	})

	assert.NotContains(t, out, "debug dropped")
	assert.NotContains(t, out, "info dropped")
	assert.Contains(t, out, "warn kept")
	assert.Contains(t, out, "error kept")
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	t.Setenv("LOG_LEVEL", "LOUD")
	l := New("test")

	out := captureOutput(t, func() {
		l.Debug("ws-1", "", "debug dropped", nil)
		l.Info("ws-1", "", "info kept", nil)
	})

	assert.NotContains(t, out, "debug dropped")
	assert.Contains(t, out, "info kept")
}

func TestLogger_ErrorWithErr(t *testing.T) {
	l := New("test")

	out := captureOutput(t, func() {
		l.ErrorWithErr("ws-1", "", "assignment failed", fmt.Errorf("no supervisor available"), nil)
	})

	entry := parseEntry(t, out)
	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, "no supervisor available", entry.Fields["error"])
}

func TestLogger_InfoWithDuration(t *testing.T) {
	l := New("test")

	out := captureOutput(t, func() {
		l.InfoWithDuration("ws-1", "", "rules evaluated", 12.5, nil)
	})

	entry := parseEntry(t, out)
	assert.Equal(t, 12.5, entry.Fields["duration_ms"])
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging with workspace-scoped
// multi-tenant fields. Entries are written to stdout where the container
// runtime collects them.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger emits structured entries for one component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
	minLevel   LogLevel
}

// LogEntry is the wire form of a single structured entry.
type LogEntry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	Container   string                 `json:"container"`
	WorkspaceID string                 `json:"workspace_id"`
	RequestID   string                 `json:"request_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the given component. The minimum level comes
// from LOG_LEVEL; instance identity from INSTANCE_ID and the hostname.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	minLevel := INFO
	if env := LogLevel(os.Getenv("LOG_LEVEL")); env != "" {
		if _, ok := levelRank[env]; ok {
			minLevel = env
		}
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		minLevel:   minLevel,
	}
}

// Log writes one structured entry when the level clears the threshold.
func (l *Logger) Log(level LogLevel, workspaceID, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.Component,
		InstanceID:  l.InstanceID,
		Container:   l.Container,
		WorkspaceID: workspaceID,
		RequestID:   requestID,
		Message:     message,
		Fields:      fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Debug logs a debug message.
func (l *Logger) Debug(workspaceID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, workspaceID, requestID, message, fields)
}

// Info logs an informational message.
func (l *Logger) Info(workspaceID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, workspaceID, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(workspaceID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, workspaceID, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(workspaceID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, workspaceID, requestID, message, fields)
}

// ErrorWithErr logs an error message attaching the error string.
func (l *Logger) ErrorWithErr(workspaceID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(workspaceID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field.
func (l *Logger) InfoWithDuration(workspaceID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(workspaceID, requestID, message, fields)
}

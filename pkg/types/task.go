// Package types provides shared type definitions for the coder service.
package types

import (
	"time"
)

// TaskStatus represents the current state of a coding task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Accepted, not yet started
	TaskRunning   TaskStatus = "running"   // Lifecycle in progress
	TaskCompleted TaskStatus = "completed" // Agent finished successfully
	TaskFailed    TaskStatus = "failed"    // Any failure after acceptance
)

// Stage identifies a step in the task lifecycle.
type Stage string

const (
	StageResolveOwner         Stage = "resolve_owner"
	StageEnsureIdentity       Stage = "ensure_identity"
	StageProvisionCredentials Stage = "provision_credentials"
	StagePrepareCache         Stage = "prepare_cache"
	StageExecute              Stage = "execute"
	StageParse                Stage = "parse"
	StageTeardown             Stage = "teardown"
	StageReport               Stage = "report"
)

// Task represents one accepted coding request.
type Task struct {
	ID           string     `json:"taskId"`
	Plugin       string     `json:"plugin"`
	Message      string     `json:"message"`
	Status       TaskStatus `json:"status"`
	Stage        Stage      `json:"stage,omitempty"` // Last stage entered
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// EventType classifies a task event.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventStageWarning   EventType = "stage_warning"
	EventTaskAccepted   EventType = "task_accepted"
	EventTaskFinished   EventType = "task_finished"
)

// TaskEvent records one transition in a task's lifecycle.
type TaskEvent struct {
	TaskID    string     `json:"task_id"`
	Plugin    string     `json:"plugin"`
	Stage     Stage      `json:"stage,omitempty"`
	Type      EventType  `json:"type"`
	Status    TaskStatus `json:"status,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WebSocketMessage wraps payloads sent over the event stream.
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

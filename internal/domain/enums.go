// Package domain defines the core domain models for the sandbox orchestrator.
package domain

// TaskRunStatus represents the status of a task run.
type TaskRunStatus string

const (
	TaskRunStatusCreated   TaskRunStatus = "CREATED"
	TaskRunStatusRunning   TaskRunStatus = "RUNNING"
	TaskRunStatusDone      TaskRunStatus = "DONE"
	TaskRunStatusFailed    TaskRunStatus = "FAILED"
	TaskRunStatusCancelled TaskRunStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s TaskRunStatus) Terminal() bool {
	return s == TaskRunStatusDone || s == TaskRunStatusFailed || s == TaskRunStatusCancelled
}

// SandboxStatus represents the provider-visible state of a sandbox instance.
type SandboxStatus string

const (
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusReady    SandboxStatus = "ready"
	SandboxStatusPaused   SandboxStatus = "paused"
	SandboxStatusStopped  SandboxStatus = "stopped"
)

// ConversationStatus represents the status of a conversation. The status is
// monotonic: once a conversation leaves "active" it never returns.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusCompleted ConversationStatus = "completed"
	ConversationStatusCancelled ConversationStatus = "cancelled"
	ConversationStatusError     ConversationStatus = "error"
)

// EventKind represents the kind of a bridge protocol event.
type EventKind string

const (
	EventKindPrompt EventKind = "prompt"
	EventKindUpdate EventKind = "update"
	EventKindStop   EventKind = "stop"
	EventKindError  EventKind = "error"
)

// Stop reasons carried by a stop event.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusSucceeded ToolCallStatus = "succeeded"
	ToolCallStatusFailed    ToolCallStatus = "failed"
)

// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Task run operations
	CreateTaskRun(ctx context.Context, run *domain.TaskRun) error
	GetTaskRun(ctx context.Context, runID string) (*domain.TaskRun, error)
	GetTaskRunChildren(ctx context.Context, runID string) ([]domain.TaskRun, error)
	UpdateTaskRunStatus(ctx context.Context, runID string, status domain.TaskRunStatus, endedAt *time.Time) error
	UpdateTaskRunSandbox(ctx context.Context, runID, sandboxID string) error
	// UpdateTaskRunContainer records the container backing a run once the
	// agent process is placed.
	UpdateTaskRunContainer(ctx context.Context, runID, containerRef string) error
	GetActiveRunByDedupKey(ctx context.Context, dedupKey string) (*domain.TaskRun, error)

	// Sandbox operations
	CreateSandbox(ctx context.Context, handle *domain.SandboxHandle) error
	GetSandbox(ctx context.Context, sandboxID string) (*domain.SandboxHandle, error)
	GetSandboxByTaskRun(ctx context.Context, taskRunID string) (*domain.SandboxHandle, error)
	UpdateSandboxStatus(ctx context.Context, sandboxID string, status domain.SandboxStatus) error

	// Conversation operations
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error)
	UpdateConversationSeq(ctx context.Context, conversationID string, acpSeq int64) error
	// CompleteConversation transitions an active conversation to a terminal
	// status. It returns false without error when the conversation is no
	// longer active, making duplicate completions a no-op.
	CompleteConversation(ctx context.Context, conversationID string, status domain.ConversationStatus, stopReason string) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *domain.ConversationMessage) error
	GetLastMessage(ctx context.Context, conversationID string) (*domain.ConversationMessage, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error)
	UpdateMessage(ctx context.Context, msg *domain.ConversationMessage) error

	// Tool call operations
	CreateToolCall(ctx context.Context, tc *domain.ToolCall) error
	GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error)
	// UpdateToolCallResult applies status/result changes but never touches
	// the stored acp_seq.
	UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result []byte) error

	Close() error
}

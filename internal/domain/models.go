package domain

import (
	"encoding/json"
	"time"
)

// TaskRun is a node in a task-run tree. Children are ordered by creation
// time. The tree is walked (never mutated) by the container reaper.
type TaskRun struct {
	RunID        string        `json:"run_id"`
	ParentRunID  string        `json:"parent_run_id,omitempty"`
	UserID       string        `json:"user_id"`
	TeamID       string        `json:"team_id"`
	Status       TaskRunStatus `json:"status"`
	DedupKey     string        `json:"dedup_key,omitempty"`
	ContainerRef string        `json:"container_ref,omitempty"`
	SandboxID    string        `json:"sandbox_id,omitempty"`
	IsCrowned    bool          `json:"is_crowned"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// SandboxHandle references a provisioned sandbox instance and the ownership
// metadata used for authorization checks.
type SandboxHandle struct {
	SandboxID  string        `json:"sandbox_id"`
	Provider   string        `json:"provider"`
	InstanceID string        `json:"instance_id"`
	Status     SandboxStatus `json:"status"`
	UserID     string        `json:"user_id,omitempty"`
	TeamID     string        `json:"team_id,omitempty"`
	TaskRunID  string        `json:"task_run_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Conversation is the durable record of one agent session. AcpSeq is the
// high-water mark of all event sequences merged so far.
type Conversation struct {
	ConversationID string             `json:"conversation_id"`
	SessionID      string             `json:"session_id"`
	ProviderID     string             `json:"provider_id"`
	Status         ConversationStatus `json:"status"`
	StopReason     string             `json:"stop_reason,omitempty"`
	AcpSeq         int64              `json:"acp_seq"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// ContentBlock is one chunk of streamed message content. Seq is the sequence
// number of the event that opened the block; later events merge into the
// block only when their sequence equals Seq.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Seq  int64  `json:"seq"`
}

// ConversationMessage holds the ordered content blocks of one message.
// AcpSeq is the maximum sequence across its blocks.
type ConversationMessage struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Blocks         []ContentBlock `json:"blocks"`
	IsFinal        bool           `json:"is_final"`
	AcpSeq         int64          `json:"acp_seq"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToolCall is keyed by the externally supplied id. AcpSeq is fixed at first
// observation and never changed by later updates.
type ToolCall struct {
	ToolCallID     string          `json:"tool_call_id"`
	ConversationID string          `json:"conversation_id"`
	Status         ToolCallStatus  `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	AcpSeq         int64           `json:"acp_seq"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BridgeEvent is one sequenced protocol event from the agent bridge.
type BridgeEvent struct {
	Kind      EventKind       `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  *int64          `json:"sequence,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
}

// ThreadUpdate carries conversation-level changes from the bridge.
type ThreadUpdate struct {
	Status       string `json:"status,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Title        string `json:"title,omitempty"`
}

// BridgePayload is the envelope the agent bridge posts to the internal API.
type BridgePayload struct {
	Provider     string        `json:"provider"`
	ThreadID     string        `json:"threadId,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Messages     []BridgeEvent `json:"messages,omitempty"`
	ThreadUpdate *ThreadUpdate `json:"threadUpdate,omitempty"`
}

// CallerIdentity is the already-resolved identity a request acts as.
// Token issuance and resolution happen upstream.
type CallerIdentity struct {
	UserID    string `json:"user_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	TaskRunID string `json:"task_run_id,omitempty"`
}

// WakeOutcome is the result of a resume request.
type WakeOutcome string

const (
	WakeOutcomeAlreadyReady WakeOutcome = "already_ready"
	WakeOutcomeResumed      WakeOutcome = "resumed"
)

// WakeResult is returned by the force-wake boundary.
type WakeResult struct {
	Outcome    WakeOutcome `json:"outcome"`
	InstanceID string      `json:"instance_id"`
}

// StopNodeResult reports the reap outcome for one task-run node.
type StopNodeResult struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SweepStats aggregates the outcome of one maintenance sweep.
type SweepStats struct {
	Scanned int `json:"scanned"`
	Paused  int `json:"paused"`
	Failed  int `json:"failed"`
}

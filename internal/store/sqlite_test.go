package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStoreTaskRunTree(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	root := &domain.TaskRun{
		RunID:     "run_root",
		UserID:    "u1",
		TeamID:    "t1",
		Status:    domain.TaskRunStatusRunning,
		CreatedAt: time.Now(),
	}
	if err := store.CreateTaskRun(ctx, root); err != nil {
		t.Fatalf("CreateTaskRun failed: %v", err)
	}

	childA := &domain.TaskRun{
		RunID:        "run_a",
		ParentRunID:  "run_root",
		UserID:       "u1",
		TeamID:       "t1",
		Status:       domain.TaskRunStatusRunning,
		ContainerRef: "docker-a",
		CreatedAt:    time.Now(),
	}
	childB := &domain.TaskRun{
		RunID:       "run_b",
		ParentRunID: "run_root",
		UserID:      "u1",
		TeamID:      "t1",
		Status:      domain.TaskRunStatusRunning,
		CreatedAt:   time.Now().Add(time.Millisecond),
	}
	if err := store.CreateTaskRun(ctx, childA); err != nil {
		t.Fatalf("CreateTaskRun failed: %v", err)
	}
	if err := store.CreateTaskRun(ctx, childB); err != nil {
		t.Fatalf("CreateTaskRun failed: %v", err)
	}

	children, err := store.GetTaskRunChildren(ctx, "run_root")
	if err != nil {
		t.Fatalf("GetTaskRunChildren failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].RunID != "run_a" || children[1].RunID != "run_b" {
		t.Fatalf("children out of order: %s, %s", children[0].RunID, children[1].RunID)
	}
	if children[0].ContainerRef != "docker-a" {
		t.Fatalf("unexpected container ref %q", children[0].ContainerRef)
	}

	now := time.Now()
	if err := store.UpdateTaskRunStatus(ctx, "run_a", domain.TaskRunStatusDone, &now); err != nil {
		t.Fatalf("UpdateTaskRunStatus failed: %v", err)
	}
	got, err := store.GetTaskRun(ctx, "run_a")
	if err != nil {
		t.Fatalf("GetTaskRun failed: %v", err)
	}
	if got.Status != domain.TaskRunStatusDone || got.EndedAt == nil {
		t.Fatalf("unexpected run after update: %+v", got)
	}
}

func TestSQLiteStoreDedupKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	active := &domain.TaskRun{
		RunID:     "run_1",
		UserID:    "u1",
		TeamID:    "t1",
		Status:    domain.TaskRunStatusRunning,
		DedupKey:  "sha:abc123",
		CreatedAt: time.Now(),
	}
	if err := store.CreateTaskRun(ctx, active); err != nil {
		t.Fatalf("CreateTaskRun failed: %v", err)
	}

	got, err := store.GetActiveRunByDedupKey(ctx, "sha:abc123")
	if err != nil {
		t.Fatalf("GetActiveRunByDedupKey failed: %v", err)
	}
	if got == nil || got.RunID != "run_1" {
		t.Fatalf("expected run_1, got %+v", got)
	}

	// The schema refuses a second active run for the same key, so two
	// concurrent inserts cannot both win.
	dup := &domain.TaskRun{
		RunID:     "run_2",
		UserID:    "u1",
		TeamID:    "t1",
		Status:    domain.TaskRunStatusCreated,
		DedupKey:  "sha:abc123",
		CreatedAt: time.Now(),
	}
	if err := store.CreateTaskRun(ctx, dup); !errors.Is(err, domain.ErrDuplicateExecution) {
		t.Fatalf("expected ErrDuplicateExecution, got %v", err)
	}

	// A terminal run releases the key.
	now := time.Now()
	if err := store.UpdateTaskRunStatus(ctx, "run_1", domain.TaskRunStatusDone, &now); err != nil {
		t.Fatalf("UpdateTaskRunStatus failed: %v", err)
	}
	got, err = store.GetActiveRunByDedupKey(ctx, "sha:abc123")
	if err != nil {
		t.Fatalf("GetActiveRunByDedupKey failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no active run, got %+v", got)
	}
	dup.RunID = "run_3"
	if err := store.CreateTaskRun(ctx, dup); err != nil {
		t.Fatalf("CreateTaskRun after release failed: %v", err)
	}
}

func TestSQLiteStoreTaskRunLinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := &domain.TaskRun{
		RunID:     "run_1",
		UserID:    "u1",
		TeamID:    "t1",
		Status:    domain.TaskRunStatusRunning,
		CreatedAt: time.Now(),
	}
	if err := store.CreateTaskRun(ctx, run); err != nil {
		t.Fatalf("CreateTaskRun failed: %v", err)
	}

	if err := store.UpdateTaskRunSandbox(ctx, "run_1", "sbx_1"); err != nil {
		t.Fatalf("UpdateTaskRunSandbox failed: %v", err)
	}
	if err := store.UpdateTaskRunContainer(ctx, "run_1", "docker-agent-1"); err != nil {
		t.Fatalf("UpdateTaskRunContainer failed: %v", err)
	}

	got, err := store.GetTaskRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetTaskRun failed: %v", err)
	}
	if got.SandboxID != "sbx_1" {
		t.Fatalf("sandbox link not persisted: %q", got.SandboxID)
	}
	if got.ContainerRef != "docker-agent-1" {
		t.Fatalf("container link not persisted: %q", got.ContainerRef)
	}
}

func TestSQLiteStoreConversationCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now()
	conv := &domain.Conversation{
		ConversationID: "conv_1",
		SessionID:      "s1",
		ProviderID:     "claude",
		Status:         domain.ConversationStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := store.UpdateConversationSeq(ctx, "conv_1", 5); err != nil {
		t.Fatalf("UpdateConversationSeq failed: %v", err)
	}
	// A lower seq must not lower the high-water mark.
	if err := store.UpdateConversationSeq(ctx, "conv_1", 3); err != nil {
		t.Fatalf("UpdateConversationSeq failed: %v", err)
	}
	got, err := store.GetConversation(ctx, "conv_1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.AcpSeq != 5 {
		t.Fatalf("expected acp_seq 5, got %d", got.AcpSeq)
	}

	transitioned, err := store.CompleteConversation(ctx, "conv_1", domain.ConversationStatusCompleted, "end_turn")
	if err != nil {
		t.Fatalf("CompleteConversation failed: %v", err)
	}
	if !transitioned {
		t.Fatal("expected first completion to transition")
	}

	// Duplicate completion is a no-op, even with a different status.
	transitioned, err = store.CompleteConversation(ctx, "conv_1", domain.ConversationStatusCancelled, "cancelled")
	if err != nil {
		t.Fatalf("CompleteConversation failed: %v", err)
	}
	if transitioned {
		t.Fatal("expected duplicate completion to be a no-op")
	}
	got, err = store.GetConversation(ctx, "conv_1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Status != domain.ConversationStatusCompleted || got.StopReason != "end_turn" {
		t.Fatalf("unexpected conversation after duplicate completion: %+v", got)
	}
}

func TestSQLiteStoreToolCallSeqImmutable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now()
	conv := &domain.Conversation{
		ConversationID: "conv_1",
		SessionID:      "s1",
		ProviderID:     "claude",
		Status:         domain.ConversationStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	tc := &domain.ToolCall{
		ToolCallID:     "tool-xyz",
		ConversationID: "conv_1",
		Status:         domain.ToolCallStatusPending,
		AcpSeq:         7,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateToolCall(ctx, tc); err != nil {
		t.Fatalf("CreateToolCall failed: %v", err)
	}

	if err := store.UpdateToolCallResult(ctx, "tool-xyz", domain.ToolCallStatusSucceeded, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("UpdateToolCallResult failed: %v", err)
	}
	got, err := store.GetToolCall(ctx, "tool-xyz")
	if err != nil {
		t.Fatalf("GetToolCall failed: %v", err)
	}
	if got.AcpSeq != 7 {
		t.Fatalf("acp_seq changed on update: got %d, want 7", got.AcpSeq)
	}
	if got.Status != domain.ToolCallStatusSucceeded {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestSQLiteStoreMessagesOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now()
	conv := &domain.Conversation{
		ConversationID: "conv_1",
		SessionID:      "s1",
		ProviderID:     "claude",
		Status:         domain.ConversationStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	first := &domain.ConversationMessage{
		MessageID:      "msg_1",
		ConversationID: "conv_1",
		Role:           "user",
		Blocks:         []domain.ContentBlock{{Type: "text", Text: "hi", Seq: 1}},
		IsFinal:        true,
		AcpSeq:         1,
		CreatedAt:      now,
	}
	second := &domain.ConversationMessage{
		MessageID:      "msg_2",
		ConversationID: "conv_1",
		Role:           "assistant",
		Blocks:         []domain.ContentBlock{{Type: "text", Text: "hello", Seq: 2}},
		AcpSeq:         2,
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := store.CreateMessage(ctx, first); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := store.CreateMessage(ctx, second); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	last, err := store.GetLastMessage(ctx, "conv_1")
	if err != nil {
		t.Fatalf("GetLastMessage failed: %v", err)
	}
	if last.MessageID != "msg_2" {
		t.Fatalf("expected msg_2, got %s", last.MessageID)
	}

	msgs, err := store.GetMessages(ctx, "conv_1", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != "msg_1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if len(msgs[0].Blocks) != 1 || msgs[0].Blocks[0].Text != "hi" {
		t.Fatalf("blocks did not round-trip: %+v", msgs[0].Blocks)
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			run_id TEXT PRIMARY KEY,
			parent_run_id TEXT,
			user_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			status TEXT NOT NULL,
			dedup_key TEXT,
			container_ref TEXT,
			sandbox_id TEXT,
			is_crowned INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (parent_run_id) REFERENCES task_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_parent ON task_runs(parent_run_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_dedup ON task_runs(dedup_key, status)`,
		// At most one active execution per dedup key, enforced by the
		// schema so concurrent inserts cannot race past the admission check.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_runs_active_dedup ON task_runs(dedup_key)
			WHERE dedup_key IS NOT NULL AND status IN ('CREATED', 'RUNNING')`,
		`CREATE TABLE IF NOT EXISTS sandboxes (
			sandbox_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			user_id TEXT,
			team_id TEXT,
			task_run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sandboxes_task_run ON sandboxes(task_run_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stop_reason TEXT,
			acp_seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			blocks TEXT NOT NULL,
			is_final INTEGER NOT NULL DEFAULT 0,
			acp_seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			acp_seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTaskRun creates a new task run. A unique-index violation on the
// active dedup key maps to domain.ErrDuplicateExecution.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, run *domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (run_id, parent_run_id, user_id, team_id, status, dedup_key, container_ref, sandbox_id, is_crowned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, nullable(run.ParentRunID), run.UserID, run.TeamID, run.Status,
		nullable(run.DedupKey), nullable(run.ContainerRef), nullable(run.SandboxID),
		run.IsCrowned, run.CreatedAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "dedup_key") {
		return fmt.Errorf("dedup key %q held by an active run: %w", run.DedupKey, domain.ErrDuplicateExecution)
	}
	return err
}

// GetTaskRun retrieves a task run by ID.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, parent_run_id, user_id, team_id, status, dedup_key, container_ref, sandbox_id, is_crowned, created_at, ended_at
		 FROM task_runs WHERE run_id = ?`, runID)
	return scanTaskRun(row)
}

// GetTaskRunChildren retrieves the direct children of a task run, ordered by
// creation time.
func (s *SQLiteStore) GetTaskRunChildren(ctx context.Context, runID string) ([]domain.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, parent_run_id, user_id, team_id, status, dedup_key, container_ref, sandbox_id, is_crowned, created_at, ended_at
		 FROM task_runs WHERE parent_run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateTaskRunStatus updates a task run's status and optional end time.
func (s *SQLiteStore) UpdateTaskRunStatus(ctx context.Context, runID string, status domain.TaskRunStatus, endedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, ended_at = ? WHERE run_id = ?`,
		status, endedAt, runID)
	return err
}

// UpdateTaskRunSandbox records the sandbox provisioned for a run.
func (s *SQLiteStore) UpdateTaskRunSandbox(ctx context.Context, runID, sandboxID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET sandbox_id = ? WHERE run_id = ?`, sandboxID, runID)
	return err
}

// UpdateTaskRunContainer records the container backing a run.
func (s *SQLiteStore) UpdateTaskRunContainer(ctx context.Context, runID, containerRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET container_ref = ? WHERE run_id = ?`, containerRef, runID)
	return err
}

// GetActiveRunByDedupKey retrieves the non-terminal run for a dedup key, if any.
func (s *SQLiteStore) GetActiveRunByDedupKey(ctx context.Context, dedupKey string) (*domain.TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, parent_run_id, user_id, team_id, status, dedup_key, container_ref, sandbox_id, is_crowned, created_at, ended_at
		 FROM task_runs WHERE dedup_key = ? AND status IN (?, ?) LIMIT 1`,
		dedupKey, domain.TaskRunStatusCreated, domain.TaskRunStatusRunning)
	return scanTaskRun(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (*domain.TaskRun, error) {
	var run domain.TaskRun
	var parent, dedup, container, sandbox sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&run.RunID, &parent, &run.UserID, &run.TeamID, &run.Status,
		&dedup, &container, &sandbox, &run.IsCrowned, &run.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.ParentRunID = parent.String
	run.DedupKey = dedup.String
	run.ContainerRef = container.String
	run.SandboxID = sandbox.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// CreateSandbox creates a new sandbox handle.
func (s *SQLiteStore) CreateSandbox(ctx context.Context, handle *domain.SandboxHandle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (sandbox_id, provider, instance_id, status, user_id, team_id, task_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		handle.SandboxID, handle.Provider, handle.InstanceID, handle.Status,
		nullable(handle.UserID), nullable(handle.TeamID), nullable(handle.TaskRunID), handle.CreatedAt)
	return err
}

// GetSandbox retrieves a sandbox handle by ID.
func (s *SQLiteStore) GetSandbox(ctx context.Context, sandboxID string) (*domain.SandboxHandle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sandbox_id, provider, instance_id, status, user_id, team_id, task_run_id, created_at
		 FROM sandboxes WHERE sandbox_id = ?`, sandboxID)
	return scanSandbox(row)
}

// GetSandboxByTaskRun retrieves the sandbox backing a task run.
func (s *SQLiteStore) GetSandboxByTaskRun(ctx context.Context, taskRunID string) (*domain.SandboxHandle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sandbox_id, provider, instance_id, status, user_id, team_id, task_run_id, created_at
		 FROM sandboxes WHERE task_run_id = ?`, taskRunID)
	return scanSandbox(row)
}

// UpdateSandboxStatus updates a sandbox handle's status.
func (s *SQLiteStore) UpdateSandboxStatus(ctx context.Context, sandboxID string, status domain.SandboxStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET status = ? WHERE sandbox_id = ?`, status, sandboxID)
	return err
}

func scanSandbox(row rowScanner) (*domain.SandboxHandle, error) {
	var h domain.SandboxHandle
	var userID, teamID, taskRunID sql.NullString
	err := row.Scan(&h.SandboxID, &h.Provider, &h.InstanceID, &h.Status, &userID, &teamID, &taskRunID, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.UserID = userID.String
	h.TeamID = teamID.String
	h.TaskRunID = taskRunID.String
	return &h, nil
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, session_id, provider_id, status, stop_reason, acp_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ConversationID, conv.SessionID, conv.ProviderID, conv.Status,
		nullable(conv.StopReason), conv.AcpSeq, conv.CreatedAt, conv.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, session_id, provider_id, status, stop_reason, acp_seq, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, conversationID)
	return scanConversation(row)
}

// GetConversationBySession retrieves a conversation by session ID.
func (s *SQLiteStore) GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, session_id, provider_id, status, stop_reason, acp_seq, created_at, updated_at
		 FROM conversations WHERE session_id = ?`, sessionID)
	return scanConversation(row)
}

// UpdateConversationSeq raises the conversation's high-water mark. The MAX in
// the statement keeps acp_seq non-decreasing even under out-of-order writes.
func (s *SQLiteStore) UpdateConversationSeq(ctx context.Context, conversationID string, acpSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET acp_seq = MAX(acp_seq, ?), updated_at = ? WHERE conversation_id = ?`,
		acpSeq, time.Now(), conversationID)
	return err
}

// CompleteConversation transitions an active conversation to a terminal state.
func (s *SQLiteStore) CompleteConversation(ctx context.Context, conversationID string, status domain.ConversationStatus, stopReason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, stop_reason = ?, updated_at = ?
		 WHERE conversation_id = ? AND status = ?`,
		status, nullable(stopReason), time.Now(), conversationID, domain.ConversationStatusActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var stopReason sql.NullString
	err := row.Scan(&conv.ConversationID, &conv.SessionID, &conv.ProviderID, &conv.Status,
		&stopReason, &conv.AcpSeq, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.StopReason = stopReason.String
	return &conv, nil
}

// CreateMessage creates a new conversation message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.ConversationMessage) error {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, blocks, is_final, acp_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ConversationID, msg.Role, string(blocks), msg.IsFinal, msg.AcpSeq, msg.CreatedAt)
	return err
}

// GetLastMessage retrieves the most recently created message of a conversation.
func (s *SQLiteStore) GetLastMessage(ctx context.Context, conversationID string) (*domain.ConversationMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, conversation_id, role, blocks, is_final, acp_seq, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, message_id DESC LIMIT 1`,
		conversationID)
	return scanMessage(row)
}

// GetMessages retrieves messages for a conversation in creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, blocks, is_final, acp_seq, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, message_id ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ConversationMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// UpdateMessage rewrites a message's blocks, final flag and acp_seq.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *domain.ConversationMessage) error {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET blocks = ?, is_final = ?, acp_seq = ? WHERE message_id = ?`,
		string(blocks), msg.IsFinal, msg.AcpSeq, msg.MessageID)
	return err
}

func scanMessage(row rowScanner) (*domain.ConversationMessage, error) {
	var msg domain.ConversationMessage
	var blocks string
	err := row.Scan(&msg.MessageID, &msg.ConversationID, &msg.Role, &blocks, &msg.IsFinal, &msg.AcpSeq, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blocks: %w", err)
	}
	return &msg, nil
}

// CreateToolCall creates a new tool call.
func (s *SQLiteStore) CreateToolCall(ctx context.Context, tc *domain.ToolCall) error {
	var result interface{}
	if len(tc.Result) > 0 {
		result = string(tc.Result)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (tool_call_id, conversation_id, status, result, acp_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.ToolCallID, tc.ConversationID, tc.Status, result, tc.AcpSeq, tc.CreatedAt, tc.UpdatedAt)
	return err
}

// GetToolCall retrieves a tool call by its external ID.
func (s *SQLiteStore) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	var result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tool_call_id, conversation_id, status, result, acp_seq, created_at, updated_at
		 FROM tool_calls WHERE tool_call_id = ?`, toolCallID).
		Scan(&tc.ToolCallID, &tc.ConversationID, &tc.Status, &result, &tc.AcpSeq, &tc.CreatedAt, &tc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	return &tc, nil
}

// UpdateToolCallResult applies a status/result update. acp_seq is deliberately
// absent from the statement: it is fixed at first observation.
func (s *SQLiteStore) UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result []byte) error {
	var res interface{}
	if len(result) > 0 {
		res = string(result)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, result = ?, updated_at = ? WHERE tool_call_id = ?`,
		status, res, time.Now(), toolCallID)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

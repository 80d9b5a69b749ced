// Package ingest merges sequenced agent-bridge events into ordered,
// resumable conversation state.
//
// Ingestion is best-effort: malformed events are logged and dropped so the
// event producer is never blocked or crashed. Ordering guarantees hold only
// within one conversation, via the event sequence and the conversation's
// high-water mark.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/store"
)

// Ingestor writes bridge events into the durable store.
type Ingestor struct {
	store store.Store
}

// New creates an ingestor.
func New(st store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// UpdatePayload is the payload of an "update" event: either streamed text or
// a tool-call change.
type UpdatePayload struct {
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCallUpdate `json:"toolCall,omitempty"`
}

// ToolCallUpdate describes a tool call keyed by its externally supplied id.
type ToolCallUpdate struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// StopPayload is the payload of a "stop" event.
type StopPayload struct {
	StopReason string `json:"stopReason,omitempty"`
}

// ErrorPayload is the payload of an "error" event.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// Ingest merges one bridge payload into conversation state. The conversation
// is created on its first event. Only infrastructure failures surface as
// errors; malformed input is dropped.
func (i *Ingestor) Ingest(ctx context.Context, payload *domain.BridgePayload) error {
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = payload.ThreadID
	}
	if sessionID == "" {
		log.Printf("WARN: dropping bridge payload without session or thread id (provider %s)", payload.Provider)
		return nil
	}

	conv, err := i.store.GetConversationBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation for session %s: %w", sessionID, err)
	}
	if conv == nil {
		now := time.Now()
		conv = &domain.Conversation{
			ConversationID: "conv_" + uuid.New().String()[:8],
			SessionID:      sessionID,
			ProviderID:     payload.Provider,
			Status:         domain.ConversationStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := i.store.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	for idx := range payload.Messages {
		if err := i.applyEvent(ctx, conv, &payload.Messages[idx]); err != nil {
			return err
		}
	}

	if payload.ThreadUpdate != nil {
		if err := i.applyThreadUpdate(ctx, conv, payload.ThreadUpdate); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) applyEvent(ctx context.Context, conv *domain.Conversation, ev *domain.BridgeEvent) error {
	switch ev.Kind {
	case domain.EventKindPrompt:
		return i.applyPrompt(ctx, conv, ev)
	case domain.EventKindUpdate:
		return i.applyUpdate(ctx, conv, ev)
	case domain.EventKindStop:
		var p StopPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				log.Printf("WARN: dropping malformed stop event for conversation %s: %v", conv.ConversationID, err)
				return nil
			}
		}
		if p.StopReason == "" {
			p.StopReason = domain.StopReasonEndTurn
		}
		return i.completeMessage(ctx, conv, p.StopReason, "")
	case domain.EventKindError:
		var p ErrorPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				log.Printf("WARN: dropping malformed error event for conversation %s: %v", conv.ConversationID, err)
				return nil
			}
		}
		return i.completeMessage(ctx, conv, "", p.Message)
	default:
		log.Printf("WARN: dropping event with unknown kind %q for conversation %s", ev.Kind, conv.ConversationID)
		return nil
	}
}

// applyPrompt records a complete (non-streamed) message.
func (i *Ingestor) applyPrompt(ctx context.Context, conv *domain.Conversation, ev *domain.BridgeEvent) error {
	var p UpdatePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		log.Printf("WARN: dropping malformed prompt event for conversation %s: %v", conv.ConversationID, err)
		return nil
	}

	seq := eventSeq(ev, conv.AcpSeq)
	msg := &domain.ConversationMessage{
		MessageID:      "msg_" + uuid.New().String()[:8],
		ConversationID: conv.ConversationID,
		Role:           ev.Role,
		Blocks:         []domain.ContentBlock{{Type: "text", Text: p.Text, Seq: seq}},
		IsFinal:        true,
		AcpSeq:         seq,
		CreatedAt:      eventTime(ev),
	}
	if err := i.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to store prompt message: %w", err)
	}
	return i.raiseSeq(ctx, conv, seq)
}

// applyUpdate merges streamed text per the sequence rule, or applies a
// tool-call change.
func (i *Ingestor) applyUpdate(ctx context.Context, conv *domain.Conversation, ev *domain.BridgeEvent) error {
	var p UpdatePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		log.Printf("WARN: dropping malformed update event for conversation %s: %v", conv.ConversationID, err)
		return nil
	}

	if p.ToolCall != nil {
		return i.applyToolCall(ctx, conv, ev, p.ToolCall)
	}

	last, err := i.store.GetLastMessage(ctx, conv.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to load last message: %w", err)
	}

	// A fresh message is opened when there is nothing to continue: no
	// message yet, the last one is sealed, or the role changed mid-stream.
	if last == nil || last.IsFinal || last.Role != ev.Role {
		seq := eventSeq(ev, conv.AcpSeq)
		msg := &domain.ConversationMessage{
			MessageID:      "msg_" + uuid.New().String()[:8],
			ConversationID: conv.ConversationID,
			Role:           ev.Role,
			Blocks:         []domain.ContentBlock{{Type: "text", Text: p.Text, Seq: seq}},
			AcpSeq:         seq,
			CreatedAt:      eventTime(ev),
		}
		if err := i.store.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		return i.raiseSeq(ctx, conv, seq)
	}

	lastBlock := &last.Blocks[len(last.Blocks)-1]
	seq := eventSeq(ev, lastBlock.Seq)
	if seq == lastBlock.Seq {
		// Continuation of the same stream chunk: concatenate in place.
		lastBlock.Text += p.Text
	} else {
		// New chunk: open a block stamped with the new sequence.
		last.Blocks = append(last.Blocks, domain.ContentBlock{Type: "text", Text: p.Text, Seq: seq})
		if seq > last.AcpSeq {
			last.AcpSeq = seq
		}
	}
	if err := i.store.UpdateMessage(ctx, last); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return i.raiseSeq(ctx, conv, seq)
}

// applyToolCall stores a tool call on first observation and applies field
// changes afterwards. The acp_seq recorded at first observation is never
// overwritten by a later event's sequence.
func (i *Ingestor) applyToolCall(ctx context.Context, conv *domain.Conversation, ev *domain.BridgeEvent, tc *ToolCallUpdate) error {
	if tc.ID == "" {
		log.Printf("WARN: dropping tool-call update without id for conversation %s", conv.ConversationID)
		return nil
	}

	existing, err := i.store.GetToolCall(ctx, tc.ID)
	if err != nil {
		return fmt.Errorf("failed to load tool call %s: %w", tc.ID, err)
	}

	if existing == nil {
		seq := eventSeq(ev, conv.AcpSeq)
		now := eventTime(ev)
		call := &domain.ToolCall{
			ToolCallID:     tc.ID,
			ConversationID: conv.ConversationID,
			Status:         toolCallStatus(tc.Status),
			Result:         tc.Result,
			AcpSeq:         seq,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := i.store.CreateToolCall(ctx, call); err != nil {
			return fmt.Errorf("failed to store tool call %s: %w", tc.ID, err)
		}
		return i.raiseSeq(ctx, conv, seq)
	}

	status := existing.Status
	if tc.Status != "" {
		status = toolCallStatus(tc.Status)
	}
	result := existing.Result
	if len(tc.Result) > 0 {
		result = tc.Result
	}
	if err := i.store.UpdateToolCallResult(ctx, tc.ID, status, result); err != nil {
		return fmt.Errorf("failed to update tool call %s: %w", tc.ID, err)
	}
	return i.raiseSeq(ctx, conv, eventSeq(ev, conv.AcpSeq))
}

// completeMessage seals the last message and transitions the conversation to
// a terminal status. The isFinal flag is set unconditionally, whatever the
// stop reason. The status transition only fires while the conversation is
// still active, so a duplicate completion event is a no-op.
func (i *Ingestor) completeMessage(ctx context.Context, conv *domain.Conversation, stopReason, errorMessage string) error {
	last, err := i.store.GetLastMessage(ctx, conv.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to load last message: %w", err)
	}
	if last != nil && !last.IsFinal {
		last.IsFinal = true
		if err := i.store.UpdateMessage(ctx, last); err != nil {
			return fmt.Errorf("failed to finalize message: %w", err)
		}
	}

	status := domain.ConversationStatusCompleted
	reason := stopReason
	switch {
	case errorMessage != "":
		status = domain.ConversationStatusError
		reason = errorMessage
	case stopReason == domain.StopReasonCancelled:
		status = domain.ConversationStatusCancelled
	}

	transitioned, err := i.store.CompleteConversation(ctx, conv.ConversationID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to complete conversation %s: %w", conv.ConversationID, err)
	}
	if !transitioned {
		log.Printf("INFO: conversation %s already terminal, completion ignored", conv.ConversationID)
	} else {
		conv.Status = status
	}
	return nil
}

func (i *Ingestor) applyThreadUpdate(ctx context.Context, conv *domain.Conversation, upd *domain.ThreadUpdate) error {
	switch upd.Status {
	case "completed":
		reason := upd.StopReason
		if reason == "" {
			reason = domain.StopReasonEndTurn
		}
		return i.completeMessage(ctx, conv, reason, "")
	case "cancelled":
		return i.completeMessage(ctx, conv, domain.StopReasonCancelled, "")
	case "error":
		msg := upd.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		return i.completeMessage(ctx, conv, "", msg)
	case "":
		// Title-only updates carry nothing durable here.
		return nil
	default:
		log.Printf("WARN: dropping thread update with unknown status %q for conversation %s", upd.Status, conv.ConversationID)
		return nil
	}
}

// raiseSeq lifts the conversation high-water mark to max(current, seq).
func (i *Ingestor) raiseSeq(ctx context.Context, conv *domain.Conversation, seq int64) error {
	if seq > conv.AcpSeq {
		conv.AcpSeq = seq
	}
	if err := i.store.UpdateConversationSeq(ctx, conv.ConversationID, seq); err != nil {
		return fmt.Errorf("failed to update conversation seq: %w", err)
	}
	return nil
}

// eventSeq returns the event's sequence, falling back to the given value for
// unsequenced events so they read as continuations.
func eventSeq(ev *domain.BridgeEvent, fallback int64) int64 {
	if ev.Sequence != nil {
		return *ev.Sequence
	}
	return fallback
}

func eventTime(ev *domain.BridgeEvent) time.Time {
	if ev.CreatedAt != nil {
		return *ev.CreatedAt
	}
	return time.Now()
}

func toolCallStatus(s string) domain.ToolCallStatus {
	switch s {
	case string(domain.ToolCallStatusRunning):
		return domain.ToolCallStatusRunning
	case string(domain.ToolCallStatusSucceeded):
		return domain.ToolCallStatusSucceeded
	case string(domain.ToolCallStatusFailed):
		return domain.ToolCallStatusFailed
	default:
		return domain.ToolCallStatusPending
	}
}

package service

import (
	"context"
	"fmt"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// IngestBridgePayload records one bridge payload.
func (s *Service) IngestBridgePayload(ctx context.Context, payload *domain.BridgePayload) error {
	return s.ingestor.Ingest(ctx, payload)
}

// GetConversationBySession retrieves the conversation for a session.
func (s *Service) GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversationBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return conv, nil
}

// GetConversationMessages retrieves the messages of a conversation in order.
func (s *Service) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	if limit <= 0 {
		limit = 100
	}
	return s.store.GetMessages(ctx, conversationID, limit)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

func validateUpsert(in domain.ConversationUpsert) error {
	if in.ConversationID == "" || in.TurnID == "" || in.UserID == "" {
		return errors.New("repository: UpsertConversation: conversation, turn and user ids are required")
	}
	return nil
}

// MemoryStore is a process-local store for development and tests. It honours
// the same compare-and-set contract as the durable backends.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	turns         map[string]domain.Turn
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		turns:         make(map[string]domain.Turn),
		now:           utcNow,
	}
}

func memTurnKey(conversationID, turnID string) string {
	return conversationID + "/" + turnID
}

func cloneTurn(t domain.Turn) domain.Turn {
	if t.Answer != nil {
		a := *t.Answer
		t.Answer = &a
	}
	return t
}

func (s *MemoryStore) UpsertConversation(_ context.Context, in domain.ConversationUpsert) (domain.Conversation, error) {
	if err := validateUpsert(in); err != nil {
		return domain.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv, ok := s.conversations[in.ConversationID]
	if !ok {
		conv = domain.Conversation{
			ID:        in.ConversationID,
			UserID:    in.UserID,
			Title:     in.Title,
			CreatedAt: now,
		}
	} else if conv.UserID != in.UserID {
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation %s: %w", in.ConversationID, domain.ErrOwnerMismatch)
	}
	conv.LastTurnID = in.TurnID
	conv.UpdatedAt = now
	s.conversations[in.ConversationID] = conv
	return conv, nil
}

func (s *MemoryStore) CreateTurn(_ context.Context, turn domain.Turn) error {
	if turn.ID == "" || turn.ConversationID == "" {
		return errors.New("repository: CreateTurn: turn and conversation ids are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memTurnKey(turn.ConversationID, turn.ID)
	if _, exists := s.turns[key]; exists {
		return fmt.Errorf("repository: CreateTurn %s: %w", turn.ID, domain.ErrConflict)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	s.turns[key] = cloneTurn(turn)
	return nil
}

func (s *MemoryStore) GetTurn(_ context.Context, turnID, conversationID string) (domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[memTurnKey(conversationID, turnID)]
	if !ok {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn %s: %w", turnID, domain.ErrNotFound)
	}
	return cloneTurn(turn), nil
}

func (s *MemoryStore) SaveTurn(_ context.Context, turn domain.Turn) error {
	if !turn.Status.Valid() {
		return fmt.Errorf("repository: SaveTurn: invalid status %q", turn.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memTurnKey(turn.ConversationID, turn.ID)
	stored, ok := s.turns[key]
	if !ok || stored.Status != domain.TurnStatusInProgress {
		return fmt.Errorf("repository: SaveTurn %s: %w", turn.ID, domain.ErrTurnNotPending)
	}
	stored.Status = turn.Status
	stored.Answer = turn.Answer
	s.turns[key] = cloneTurn(stored)
	return nil
}

func (s *MemoryStore) ListTurnsByConversation(_ context.Context, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	s.mu.RLock()
	turns := make([]domain.Turn, 0)
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			turns = append(turns, cloneTurn(t))
		}
	}
	s.mu.RUnlock()

	sortTurns(turns, order)
	return turns, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (domain.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	return conv, ok, nil
}

func (s *MemoryStore) ListConversationsByUser(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	convs := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			convs = append(convs, c)
		}
	}
	s.mu.RUnlock()

	sortConversations(convs)
	return convs, nil
}

package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/provider"
	"chat-relay/internal/repository"
)

type createCall struct {
	userID         string
	content        string
	conversationID string
}

type fakeProvider struct {
	mu sync.Mutex

	created     provider.CreatedTurn
	createErr   error
	onCreate    func()
	status      domain.TurnStatus
	statusErr   error
	messages    []domain.Message
	messagesErr error

	// When statusGate is set, RetrieveTurnStatus signals statusEntered and
	// blocks until the gate is closed.
	statusGate    chan struct{}
	statusEntered chan struct{}

	creates      []createCall
	statusCalls  int
	messageCalls int
}

func (f *fakeProvider) CreateTurn(_ context.Context, userID, content, conversationID string) (provider.CreatedTurn, error) {
	f.mu.Lock()
	f.creates = append(f.creates, createCall{userID: userID, content: content, conversationID: conversationID})
	created, err, hook := f.created, f.createErr, f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return created, err
}

func (f *fakeProvider) RetrieveTurnStatus(_ context.Context, _, _ string) (domain.TurnStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	gate, entered := f.statusGate, f.statusEntered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeProvider) ListTurnMessages(_ context.Context, _, _ string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls++
	return f.messages, f.messagesErr
}

func (f *fakeProvider) calls() (creates, statuses, messages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), f.statusCalls, f.messageCalls
}

// spyStore wraps the in-memory store with failure injection and call counts.
type spyStore struct {
	*repository.MemoryStore

	upsertErr      error
	createTurnErr  error
	getTurnErr     error
	saveErr        error
	listErr        error
	getConvErr     error
	respectContext bool
	// blockReads makes every read wait for ctx to end.
	blockReads bool

	getConversationCalls atomic.Int32
	getTurnCalls         atomic.Int32
	saveCalls            atomic.Int32
}

func newSpyStore() *spyStore {
	return &spyStore{MemoryStore: repository.NewMemoryStore()}
}

func (s *spyStore) UpsertConversation(ctx context.Context, in domain.ConversationUpsert) (domain.Conversation, error) {
	if s.upsertErr != nil {
		return domain.Conversation{}, s.upsertErr
	}
	if s.respectContext && ctx.Err() != nil {
		return domain.Conversation{}, ctx.Err()
	}
	return s.MemoryStore.UpsertConversation(ctx, in)
}

func (s *spyStore) CreateTurn(ctx context.Context, turn domain.Turn) error {
	if s.createTurnErr != nil {
		return s.createTurnErr
	}
	if s.respectContext && ctx.Err() != nil {
		return ctx.Err()
	}
	return s.MemoryStore.CreateTurn(ctx, turn)
}

func (s *spyStore) GetTurn(ctx context.Context, turnID, conversationID string) (domain.Turn, error) {
	s.getTurnCalls.Add(1)
	if s.blockReads {
		<-ctx.Done()
		return domain.Turn{}, ctx.Err()
	}
	if s.getTurnErr != nil {
		return domain.Turn{}, s.getTurnErr
	}
	return s.MemoryStore.GetTurn(ctx, turnID, conversationID)
}

func (s *spyStore) SaveTurn(ctx context.Context, turn domain.Turn) error {
	s.saveCalls.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveTurn(ctx, turn)
}

func (s *spyStore) ListTurnsByConversation(ctx context.Context, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	if s.blockReads {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListTurnsByConversation(ctx, conversationID, order)
}

func (s *spyStore) ListConversationsByUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	if s.blockReads {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.MemoryStore.ListConversationsByUser(ctx, userID)
}

func (s *spyStore) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	s.getConversationCalls.Add(1)
	if s.blockReads {
		<-ctx.Done()
		return domain.Conversation{}, false, ctx.Err()
	}
	if s.getConvErr != nil {
		return domain.Conversation{}, false, s.getConvErr
	}
	return s.MemoryStore.GetConversation(ctx, conversationID)
}

func newTestService(t *testing.T, p Provider, s ConversationStore) *TurnService {
	t.Helper()
	return newTestServiceWithTimeout(t, p, s, time.Second)
}

func newTestServiceWithTimeout(t *testing.T, p Provider, s ConversationStore, storeTimeout time.Duration) *TurnService {
	t.Helper()
	history, err := NewHistoryReader(s, 16, storeTimeout)
	require.NoError(t, err)
	svc, err := NewTurnService(p, s, history, zerolog.Nop(), storeTimeout)
	require.NoError(t, err)
	return svc
}

// seedTurn stores an in-progress turn owned by userID without going
// through the provider.
func seedTurn(t *testing.T, s ConversationStore, userID, turnID, conversationID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertConversation(ctx, domain.ConversationUpsert{UserID: userID, TurnID: turnID, ConversationID: conversationID, Title: "seed"})
	require.NoError(t, err)
	require.NoError(t, s.CreateTurn(ctx, domain.Turn{
		ID:             turnID,
		ConversationID: conversationID,
		UserID:         userID,
		Question:       domain.Content{Text: "q", Type: "text"},
		Status:         domain.TurnStatusInProgress,
	}))
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func answerMessages(text string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleQuestion, Content: domain.Content{Text: "echo", Type: "text"}},
		{Role: domain.RoleAnswer, Content: domain.Content{Text: text, Type: "text"}},
		{Role: domain.RoleSystem, Content: domain.Content{Text: "follow up?", Type: "text"}},
	}
}

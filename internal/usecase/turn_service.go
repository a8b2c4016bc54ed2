package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/provider"
)

const (
	defaultStoreTimeout = 5 * time.Second
	maxContentRunes     = 4000
	maxTitleRunes       = 64
	questionContentType = "text"
)

type Provider interface {
	CreateTurn(ctx context.Context, userID, content, conversationID string) (provider.CreatedTurn, error)
	RetrieveTurnStatus(ctx context.Context, turnID, conversationID string) (domain.TurnStatus, error)
	ListTurnMessages(ctx context.Context, turnID, conversationID string) ([]domain.Message, error)
}

type ConversationStore interface {
	UpsertConversation(ctx context.Context, in domain.ConversationUpsert) (domain.Conversation, error)
	CreateTurn(ctx context.Context, turn domain.Turn) error
	GetTurn(ctx context.Context, turnID, conversationID string) (domain.Turn, error)
	SaveTurn(ctx context.Context, turn domain.Turn) error
	ListTurnsByConversation(ctx context.Context, conversationID string, order domain.SortOrder) ([]domain.Turn, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error)
	ListConversationsByUser(ctx context.Context, userID string) ([]domain.Conversation, error)
}

// TurnService drives a turn from creation at the provider to a terminal
// state. It keeps no state of its own beyond in-flight refresh coalescing.
type TurnService struct {
	provider     Provider
	store        ConversationStore
	history      *HistoryReader
	log          zerolog.Logger
	storeTimeout time.Duration

	refreshes singleflight.Group
}

type StartTurnInput struct {
	UserID         string
	Content        string
	ConversationID string
}

type StartTurnOutput struct {
	TurnID         string `json:"turnId"`
	ConversationID string `json:"conversationId"`
}

func NewTurnService(p Provider, s ConversationStore, history *HistoryReader, log zerolog.Logger, storeTimeout time.Duration) (*TurnService, error) {
	if p == nil {
		return nil, errors.New("usecase: provider must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history reader must not be nil")
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &TurnService{
		provider:     p,
		store:        s,
		history:      history,
		log:          log.With().Str("component", "turn_service").Logger(),
		storeTimeout: storeTimeout,
	}, nil
}

func (s *TurnService) StartTurn(ctx context.Context, in StartTurnInput) (StartTurnOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	content := strings.TrimSpace(in.Content)
	convID := strings.TrimSpace(in.ConversationID)
	if userID == "" {
		return StartTurnOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if content == "" {
		return StartTurnOutput{}, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return StartTurnOutput{}, newError(ErrorInvalidInput, "content_too_long", nil)
	}

	log := s.logger(ctx)

	if convID != "" {
		owner, found, err := s.history.ownerOf(ctx, convID)
		if err != nil {
			return StartTurnOutput{}, newError(ErrorInternal, "store_read_error", err)
		}
		if found && owner != userID {
			return StartTurnOutput{}, newError(ErrorForbidden, "conversation_owner_mismatch", nil)
		}
	}

	created, err := s.provider.CreateTurn(ctx, userID, content, convID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("provider rejected turn creation")
		return StartTurnOutput{}, newError(ErrorChatCreationFailed, "provider_create_failed", err)
	}
	if convID != "" && created.ConversationID != convID {
		log.Warn().
			Str("requested_conversation_id", convID).
			Str("conversation_id", created.ConversationID).
			Msg("provider placed turn in a different conversation")
	}

	// The upstream turn exists from here on; a caller that goes away must
	// not leave it without local rows.
	storeCtx, cancel := s.detached(ctx)
	defer cancel()

	conv, err := s.store.UpsertConversation(storeCtx, domain.ConversationUpsert{
		UserID:         userID,
		TurnID:         created.TurnID,
		ConversationID: created.ConversationID,
		Title:          titleFrom(content),
	})
	if err != nil {
		if errors.Is(err, domain.ErrOwnerMismatch) {
			log.Warn().Str("conversation_id", created.ConversationID).Msg("provider placed turn in a conversation owned by another user")
			return StartTurnOutput{}, newError(ErrorForbidden, "conversation_owner_mismatch", err)
		}
		return StartTurnOutput{}, newError(ErrorInternal, "store_write_error", err)
	}
	s.history.remember(conv.ID, conv.UserID)
	if conv.UserID != userID {
		return StartTurnOutput{}, newError(ErrorForbidden, "conversation_owner_mismatch", nil)
	}

	turn := domain.Turn{
		ID:             created.TurnID,
		ConversationID: created.ConversationID,
		UserID:         userID,
		Question:       domain.Content{Text: content, Type: questionContentType},
		Status:         domain.TurnStatusInProgress,
	}
	if err := s.store.CreateTurn(storeCtx, turn); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return StartTurnOutput{}, newError(ErrorConflict, "turn_exists", err)
		}
		return StartTurnOutput{}, newError(ErrorInternal, "store_write_error", err)
	}

	log.Info().
		Str("turn_id", turn.ID).
		Str("conversation_id", turn.ConversationID).
		Msg("turn started")
	return StartTurnOutput{TurnID: turn.ID, ConversationID: turn.ConversationID}, nil
}

// RefreshStatus returns the turn, polling the provider only while the
// stored turn is still in progress.
func (s *TurnService) RefreshStatus(ctx context.Context, ref domain.TurnRef) (domain.Turn, error) {
	turn, err := s.loadOwnedTurn(ctx, ref)
	if err != nil {
		return domain.Turn{}, err
	}
	if turn.Status.IsTerminal() {
		return turn, nil
	}

	key := turn.ConversationID + "/" + turn.ID
	v, err, _ := s.refreshes.Do(key, func() (any, error) {
		// Shared by every waiter; the provider client bounds each call.
		return s.advance(context.WithoutCancel(ctx), turn)
	})
	if err != nil {
		return domain.Turn{}, err
	}
	return v.(domain.Turn), nil
}

func (s *TurnService) advance(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	log := s.logger(ctx)
	status, err := s.provider.RetrieveTurnStatus(ctx, turn.ID, turn.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("turn_id", turn.ID).Msg("provider status poll failed")
		return domain.Turn{}, newError(ErrorUpstream, "provider_status_failed", err)
	}
	if !turn.Status.CanTransitionTo(status) {
		return turn, nil
	}

	next := turn
	switch status {
	case domain.TurnStatusCompleted:
		msgs, err := s.provider.ListTurnMessages(ctx, turn.ID, turn.ConversationID)
		if err != nil {
			log.Warn().Err(err).Str("turn_id", turn.ID).Msg("provider message list failed")
			return domain.Turn{}, newError(ErrorUpstream, "provider_messages_failed", err)
		}
		if err := next.Complete(domain.AnswerOf(msgs)); err != nil {
			return domain.Turn{}, newError(ErrorInternal, "invalid_transition", err)
		}
		if next.Answer == nil {
			log.Warn().Str("turn_id", turn.ID).Msg("turn completed without an answer message")
		}
	default:
		if err := next.Fail(); err != nil {
			return domain.Turn{}, newError(ErrorInternal, "invalid_transition", err)
		}
	}

	storeCtx, cancel := s.detached(ctx)
	defer cancel()

	if err := s.store.SaveTurn(storeCtx, next); err != nil {
		if !errors.Is(err, domain.ErrTurnNotPending) {
			return domain.Turn{}, newError(ErrorInternal, "store_write_error", err)
		}
		log.Debug().Str("turn_id", turn.ID).Msg("turn already moved by a concurrent refresh")
		stored, err := s.store.GetTurn(storeCtx, turn.ID, turn.ConversationID)
		if err != nil {
			return domain.Turn{}, newError(ErrorInternal, "store_read_error", err)
		}
		return stored, nil
	}

	log.Info().
		Str("turn_id", next.ID).
		Str("conversation_id", next.ConversationID).
		Str("from", turn.Status.String()).
		Str("to", next.Status.String()).
		Msg("turn status changed")
	return next, nil
}

// GetTurnContent returns the stored answer. It never polls the provider.
func (s *TurnService) GetTurnContent(ctx context.Context, ref domain.TurnRef) (domain.Content, error) {
	turn, err := s.loadOwnedTurn(ctx, ref)
	if err != nil {
		return domain.Content{}, err
	}
	switch {
	case turn.Status == domain.TurnStatusFailed:
		return domain.Content{}, newError(ErrorNotReady, "turn_failed", nil)
	case turn.Status != domain.TurnStatusCompleted:
		return domain.Content{}, newError(ErrorNotReady, "turn_in_progress", nil)
	case turn.Answer == nil:
		return domain.Content{}, newError(ErrorNotReady, "answer_missing", nil)
	}
	return *turn.Answer, nil
}

func (s *TurnService) GetHistory(ctx context.Context, userID, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	return s.history.History(ctx, userID, conversationID, order)
}

func (s *TurnService) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.history.ListConversations(ctx, userID)
}

func (s *TurnService) loadOwnedTurn(ctx context.Context, ref domain.TurnRef) (domain.Turn, error) {
	if strings.TrimSpace(ref.UserID) == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if strings.TrimSpace(ref.TurnID) == "" || strings.TrimSpace(ref.ConversationID) == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "missing_turn_ref", nil)
	}
	readCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()
	turn, err := s.store.GetTurn(readCtx, ref.TurnID, ref.ConversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Turn{}, newError(ErrorNotFound, "turn_not_found", err)
		}
		return domain.Turn{}, newError(ErrorInternal, "store_read_error", err)
	}
	if turn.UserID != ref.UserID {
		return domain.Turn{}, newError(ErrorForbidden, "turn_owner_mismatch", nil)
	}
	return turn, nil
}

func (s *TurnService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return withStoreTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

// logger prefers the request logger carried by ctx so entries keep the
// caller's correlation id.
func (s *TurnService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &s.log
	}
	sub := l.With().Str("component", "turn_service").Logger()
	return &sub
}

// withStoreTimeout bounds a single store round trip.
func withStoreTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// titleFrom collapses whitespace and keeps the first maxTitleRunes runes.
func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	return string([]rune(title)[:maxTitleRunes])
}

package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"chat-relay/internal/domain"
)

const defaultOwnerCacheSize = 1024

// HistoryReader serves the read path: a user's conversations and the
// ordered turns of one conversation, with the ownership check applied.
//
// Conversation owners never change and the core never deletes a
// conversation, so owner lookups are cached without expiry.
type HistoryReader struct {
	store        ConversationStore
	owners       *lru.Cache
	storeTimeout time.Duration
}

func NewHistoryReader(store ConversationStore, ownerCacheSize int, storeTimeout time.Duration) (*HistoryReader, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if ownerCacheSize <= 0 {
		ownerCacheSize = defaultOwnerCacheSize
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	owners, err := lru.New(ownerCacheSize)
	if err != nil {
		return nil, err
	}
	return &HistoryReader{store: store, owners: owners, storeTimeout: storeTimeout}, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (r *HistoryReader) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}
	readCtx, cancel := withStoreTimeout(ctx, r.storeTimeout)
	defer cancel()
	convs, err := r.store.ListConversationsByUser(readCtx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	for _, c := range convs {
		r.remember(c.ID, c.UserID)
	}
	return convs, nil
}

// History returns the turns of conversationID in the requested order once
// the caller is confirmed as its owner.
func (r *HistoryReader) History(ctx context.Context, userID, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if order != domain.SortAscending && order != domain.SortDescending {
		return nil, newError(ErrorInvalidInput, "invalid_order", nil)
	}

	owner, found, err := r.ownerOf(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	if !found {
		return nil, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if owner != userID {
		return nil, newError(ErrorForbidden, "conversation_owner_mismatch", nil)
	}

	readCtx, cancel := withStoreTimeout(ctx, r.storeTimeout)
	defer cancel()
	turns, err := r.store.ListTurnsByConversation(readCtx, conversationID, order)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	return turns, nil
}

func (r *HistoryReader) ownerOf(ctx context.Context, conversationID string) (string, bool, error) {
	if v, ok := r.owners.Get(conversationID); ok {
		return v.(string), true, nil
	}
	readCtx, cancel := withStoreTimeout(ctx, r.storeTimeout)
	defer cancel()
	conv, found, err := r.store.GetConversation(readCtx, conversationID)
	if err != nil || !found {
		return "", false, err
	}
	r.remember(conv.ID, conv.UserID)
	return conv.UserID, true, nil
}

func (r *HistoryReader) remember(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	r.owners.Add(conversationID, userID)
}

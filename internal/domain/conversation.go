package domain

import (
	"errors"
	"time"
)

// Store sentinels. Repository implementations wrap these so callers can
// branch with errors.Is regardless of the backend.
var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("record already exists")
	ErrTurnNotPending = errors.New("turn is no longer in progress")
	ErrOwnerMismatch  = errors.New("conversation belongs to another user")
)

// TurnStatus is the lifecycle state of a single chat turn.
type TurnStatus string

const (
	TurnStatusInProgress TurnStatus = "in_progress"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusFailed     TurnStatus = "failed"
)

// IsTerminal reports whether no further transitions are accepted.
func (s TurnStatus) IsTerminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusFailed
}

// Valid reports whether s is one of the known states.
func (s TurnStatus) Valid() bool {
	return s == TurnStatusInProgress || s.IsTerminal()
}

// CanTransitionTo reports whether moving from s to target is allowed.
// Only in_progress may move, and only forward.
func (s TurnStatus) CanTransitionTo(target TurnStatus) bool {
	return s == TurnStatusInProgress && target.IsTerminal()
}

func (s TurnStatus) String() string {
	return string(s)
}

// SortOrder selects the creation-time order of a turn listing.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// ParseSortOrder maps a caller-supplied string onto a SortOrder.
// Empty input means ascending.
func ParseSortOrder(raw string) (SortOrder, bool) {
	switch SortOrder(raw) {
	case "", SortAscending:
		return SortAscending, true
	case SortDescending:
		return SortDescending, true
	default:
		return "", false
	}
}

// Content is a piece of text together with its provider content type.
type Content struct {
	Text string `json:"content"`
	Type string `json:"contentType"`
}

// Conversation groups the turns of one user under a provider-issued id.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	LastTurnID string    `json:"lastTurnId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Turn is one question/answer exchange.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Question       Content    `json:"question"`
	Answer         *Content   `json:"answer,omitempty"`
	Status         TurnStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Complete moves the turn to completed. answer may be nil when the provider
// reported completion before publishing the answer message.
func (t *Turn) Complete(answer *Content) error {
	if !t.Status.CanTransitionTo(TurnStatusCompleted) {
		return errors.New("domain: turn " + t.ID + " cannot complete from " + t.Status.String())
	}
	t.Status = TurnStatusCompleted
	t.Answer = answer
	return nil
}

// Fail moves the turn to failed and drops any answer.
func (t *Turn) Fail() error {
	if !t.Status.CanTransitionTo(TurnStatusFailed) {
		return errors.New("domain: turn " + t.ID + " cannot fail from " + t.Status.String())
	}
	t.Status = TurnStatusFailed
	t.Answer = nil
	return nil
}

// ConversationUpsert points a conversation at its newest turn, creating the
// conversation for UserID with Title when it does not exist yet.
type ConversationUpsert struct {
	UserID         string
	TurnID         string
	ConversationID string
	Title          string
}

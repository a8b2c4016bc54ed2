package domain

// MessageRole is resolved once at the provider boundary so callers never
// inspect raw provider message types.
type MessageRole string

const (
	RoleQuestion MessageRole = "question"
	RoleAnswer   MessageRole = "answer"
	RoleSystem   MessageRole = "system"
)

// Message is a provider message produced for a turn.
type Message struct {
	Role    MessageRole
	Content Content
}

// AnswerOf returns the first answer message in msgs, or nil.
func AnswerOf(msgs []Message) *Content {
	for _, m := range msgs {
		if m.Role == RoleAnswer {
			c := m.Content
			return &c
		}
	}
	return nil
}

// TurnRef identifies a turn on behalf of an authenticated user.
type TurnRef struct {
	UserID         string
	TurnID         string
	ConversationID string
}

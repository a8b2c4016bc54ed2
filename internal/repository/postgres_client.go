package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chat-relay/internal/domain"
)

// conversationRow is the conversations table.
type conversationRow struct {
	ID         string    `gorm:"primaryKey;type:varchar(128)"`
	UserID     string    `gorm:"type:varchar(128);not null;index:idx_conversations_user_updated,priority:1"`
	Title      string    `gorm:"type:varchar(256);not null;default:''"`
	LastTurnID string    `gorm:"type:varchar(128)"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index:idx_conversations_user_updated,priority:2"`
}

func (conversationRow) TableName() string {
	return "conversations"
}

// turnRow is the turns table.
type turnRow struct {
	ID                  string    `gorm:"primaryKey;type:varchar(128)"`
	ConversationID      string    `gorm:"type:varchar(128);not null;index:idx_turns_conversation_created,priority:1"`
	UserID              string    `gorm:"type:varchar(128);not null"`
	QuestionContent     string    `gorm:"type:text;not null"`
	QuestionContentType string    `gorm:"type:varchar(32);not null;default:'text'"`
	AnswerContent       *string   `gorm:"type:text"`
	AnswerContentType   *string   `gorm:"type:varchar(32)"`
	Status              string    `gorm:"type:varchar(20);not null"`
	CreatedAt           time.Time `gorm:"not null;index:idx_turns_conversation_created,priority:2"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (turnRow) TableName() string {
	return "turns"
}

func newConversationRow(c domain.Conversation) conversationRow {
	return conversationRow{
		ID:         c.ID,
		UserID:     c.UserID,
		Title:      c.Title,
		LastTurnID: c.LastTurnID,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func (r conversationRow) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:         r.ID,
		UserID:     r.UserID,
		Title:      r.Title,
		LastTurnID: r.LastTurnID,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func newTurnRow(t domain.Turn, now time.Time) turnRow {
	row := turnRow{
		ID:                  t.ID,
		ConversationID:      t.ConversationID,
		UserID:              t.UserID,
		QuestionContent:     t.Question.Text,
		QuestionContentType: t.Question.Type,
		Status:              string(t.Status),
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           now,
	}
	if t.Answer != nil {
		row.AnswerContent = &t.Answer.Text
		row.AnswerContentType = &t.Answer.Type
	}
	return row
}

func (r turnRow) toDomain() domain.Turn {
	t := domain.Turn{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Question:       domain.Content{Text: r.QuestionContent, Type: r.QuestionContentType},
		Status:         domain.TurnStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.AnswerContent != nil {
		a := domain.Content{Text: *r.AnswerContent}
		if r.AnswerContentType != nil {
			a.Type = *r.AnswerContentType
		}
		t.Answer = &a
	}
	return t
}

// answerColumns returns the answer column values for an update; nil clears them.
func answerColumns(a *domain.Content) (content, contentType any) {
	if a == nil {
		return nil, nil
	}
	return a.Text, a.Type
}

// PostgresStore keeps conversations and turns in PostgreSQL through gorm.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn with driver errors translated to gorm sentinels.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStore{db: db, now: utcNow}, nil
}

// Migrate creates or updates the two tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&conversationRow{}, &turnRow{}); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertConversation(ctx context.Context, in domain.ConversationUpsert) (domain.Conversation, error) {
	if err := validateUpsert(in); err != nil {
		return domain.Conversation{}, err
	}
	now := s.now()
	row := newConversationRow(domain.Conversation{
		ID:         in.ConversationID,
		UserID:     in.UserID,
		Title:      in.Title,
		LastTurnID: in.TurnID,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_turn_id": in.TurnID,
			"updated_at":   now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: row.TableName(), Name: "user_id"}, Value: in.UserID},
		}},
	}).Create(&row).Error
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation: %w", err)
	}

	var stored conversationRow
	if err := db.Where("id = ?", in.ConversationID).First(&stored).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation reload: %w", err)
	}
	// The conflict update is skipped for another owner's row.
	if stored.UserID != in.UserID {
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation %s: %w", in.ConversationID, domain.ErrOwnerMismatch)
	}
	return stored.toDomain(), nil
}

func (s *PostgresStore) CreateTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ID == "" || turn.ConversationID == "" {
		return errors.New("repository: CreateTurn: turn and conversation ids are required")
	}
	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	row := newTurnRow(turn, now)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("repository: CreateTurn %s: %w", turn.ID, domain.ErrConflict)
		}
		return fmt.Errorf("repository: CreateTurn: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTurn(ctx context.Context, turnID, conversationID string) (domain.Turn, error) {
	var row turnRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", turnID, conversationID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Turn{}, fmt.Errorf("repository: GetTurn %s: %w", turnID, domain.ErrNotFound)
		}
		return domain.Turn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	return row.toDomain(), nil
}

// SaveTurn is an UPDATE ... WHERE status = 'in_progress'; zero rows affected
// means another writer already moved the turn.
func (s *PostgresStore) SaveTurn(ctx context.Context, turn domain.Turn) error {
	if !turn.Status.Valid() {
		return fmt.Errorf("repository: SaveTurn: invalid status %q", turn.Status)
	}
	content, contentType := answerColumns(turn.Answer)
	result := s.db.WithContext(ctx).
		Model(&turnRow{}).
		Where("id = ? AND conversation_id = ? AND status = ?", turn.ID, turn.ConversationID, string(domain.TurnStatusInProgress)).
		Updates(map[string]any{
			"status":              string(turn.Status),
			"answer_content":      content,
			"answer_content_type": contentType,
			"updated_at":          s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("repository: SaveTurn: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("repository: SaveTurn %s: %w", turn.ID, domain.ErrTurnNotPending)
	}
	return nil
}

func (s *PostgresStore) ListTurnsByConversation(ctx context.Context, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	direction := "ASC"
	if order == domain.SortDescending {
		direction = "DESC"
	}
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at " + direction + ", id " + direction).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurnsByConversation: %w", err)
	}
	turns := make([]domain.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, r.toDomain())
	}
	return turns, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return row.toDomain(), true, nil
}

func (s *PostgresStore) ListConversationsByUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversationsByUser: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, r.toDomain())
	}
	return convs, nil
}

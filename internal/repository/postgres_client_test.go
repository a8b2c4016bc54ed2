package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chat-relay/internal/domain"
)

// sqlRecorder is a gorm logger that keeps every statement it is handed.
type sqlRecorder struct {
	mu    sync.Mutex
	stmts []string
}

func (r *sqlRecorder) LogMode(logger.LogLevel) logger.Interface { return r }
func (r *sqlRecorder) Info(context.Context, string, ...interface{}) {}
func (r *sqlRecorder) Warn(context.Context, string, ...interface{}) {}
func (r *sqlRecorder) Error(context.Context, string, ...interface{}) {}

func (r *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts = append(r.stmts, sql)
}

func (r *sqlRecorder) statements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stmts...)
}

// newDryRunStore builds SQL without a server; every statement lands in the
// returned recorder and reports zero rows affected.
func newDryRunStore(t *testing.T) (*PostgresStore, *sqlRecorder) {
	t.Helper()
	rec := &sqlRecorder{}
	db, err := gorm.Open(postgres.Open("host=localhost user=relay dbname=relay sslmode=disable"), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 rec,
	})
	require.NoError(t, err)
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, rec
}

func TestTurnRow_RoundTripKeepsNullAnswer(t *testing.T) {
	turn := domain.Turn{
		ID: "t1", ConversationID: "c1", UserID: "u1",
		Question:  domain.Content{Text: "你好", Type: "text"},
		Status:    domain.TurnStatusInProgress,
		CreatedAt: fixedNow,
	}
	row := newTurnRow(turn, fixedNow.Add(time.Second))
	require.Nil(t, row.AnswerContent)
	require.Nil(t, row.AnswerContentType)
	require.Equal(t, "in_progress", row.Status)
	require.Equal(t, turn, row.toDomain())
}

func TestTurnRow_CompletedAnswer(t *testing.T) {
	turn := domain.Turn{
		ID: "t1", ConversationID: "c1",
		Status:    domain.TurnStatusCompleted,
		Answer:    &domain.Content{Text: "你好！", Type: "text"},
		CreatedAt: fixedNow,
	}
	got := newTurnRow(turn, fixedNow).toDomain()
	require.Equal(t, turn.Answer, got.Answer)
}

func TestConversationRow_RoundTrip(t *testing.T) {
	conv := domain.Conversation{ID: "c1", UserID: "u1", Title: "hi", LastTurnID: "t1", CreatedAt: fixedNow, UpdatedAt: fixedNow}
	require.Equal(t, conv, newConversationRow(conv).toDomain())
	require.Equal(t, "conversations", conversationRow{}.TableName())
	require.Equal(t, "turns", turnRow{}.TableName())
}

func TestAnswerColumns(t *testing.T) {
	c, ct := answerColumns(nil)
	require.Nil(t, c)
	require.Nil(t, ct)

	c, ct = answerColumns(&domain.Content{Text: "a", Type: "text"})
	require.Equal(t, "a", c)
	require.Equal(t, "text", ct)
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestPostgresSaveTurn_UpdateIsConditionalOnInProgress(t *testing.T) {
	s, rec := newDryRunStore(t)

	err := s.SaveTurn(context.Background(), domain.Turn{
		ID: "t1", ConversationID: "c1",
		Status: domain.TurnStatusCompleted,
		Answer: &domain.Content{Text: "done", Type: "text"},
	})
	// Nothing is written in dry-run mode, so the guard reports a lost race.
	require.ErrorIs(t, err, domain.ErrTurnNotPending)

	stmts := rec.statements()
	require.Len(t, stmts, 1)
	require.Contains(t, stmts[0], `UPDATE "turns" SET`)
	require.Contains(t, stmts[0], `"status"='completed'`)
	require.Contains(t, stmts[0], `WHERE id = 't1' AND conversation_id = 'c1' AND status = 'in_progress'`)
}

func TestPostgresUpsertConversation_ConflictUpdateIsScopedToOwner(t *testing.T) {
	s, rec := newDryRunStore(t)

	_, err := s.UpsertConversation(context.Background(), domain.ConversationUpsert{
		UserID: "u1", TurnID: "t2", ConversationID: "c1", Title: "hello",
	})
	// The reload sees no row in dry-run mode, which reads as another owner.
	require.ErrorIs(t, err, domain.ErrOwnerMismatch)

	stmts := rec.statements()
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[0], `INSERT INTO "conversations"`)
	require.Contains(t, stmts[0], `ON CONFLICT ("id") DO UPDATE SET`)
	require.Contains(t, stmts[0], `"last_turn_id"='t2'`)
	require.Contains(t, stmts[0], `WHERE "conversations"."user_id" = 'u1'`)
	require.Contains(t, stmts[1], `SELECT * FROM "conversations" WHERE id = 'c1'`)
}

func TestPostgresUpsertConversation_MissingIDs(t *testing.T) {
	s, rec := newDryRunStore(t)

	_, err := s.UpsertConversation(context.Background(), domain.ConversationUpsert{UserID: "u1", TurnID: "t1"})
	require.Error(t, err)
	require.Empty(t, rec.statements())
}

package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	skMeta        = "META#"
	skPrefixTurn  = "TURN#"
	gsiUserPrefix = "USER#"

	// Fixed width so lexical order of the index sort key matches time order.
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps conversations and turns in a single table. A conversation
// is a META# item under CONV#<id>; each turn is a TURN#<turnId> item under the
// same partition. The user index (GSI1PK=USER#<userId>, GSI1SK=updatedAt)
// serves per-user listings.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	userIndex string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB backed store.
func NewDynamoStore(api dynamodbAPI, tableName, userIndex string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(userIndex) == "" {
		return nil, errors.New("repository: user index must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, userIndex: userIndex, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

// convPK returns the partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func turnSK(turnID string) string {
	return skPrefixTurn + turnID
}

func userPK(userID string) string {
	return gsiUserPrefix + userID
}

func formatTS(ts time.Time) string {
	return ts.UTC().Format(tsLayout)
}

// UpsertConversation creates the conversation on first sight, otherwise
// points last_turn_id at turnID. Owner, title and creation time are only
// written when absent, so a retry with the same pair is a no-op apart from
// updatedAt. A conversation owned by another user is left untouched and
// yields domain.ErrOwnerMismatch.
func (s *DynamoStore) UpsertConversation(ctx context.Context, in domain.ConversationUpsert) (domain.Conversation, error) {
	if err := validateUpsert(in); err != nil {
		return domain.Conversation{}, err
	}
	now := formatTS(s.now())

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       metaKey(in.ConversationID),
		UpdateExpression: aws.String("SET conversationId = :cid, lastTurnId = :turn, updatedAt = :now, GSI1SK = :now, " +
			"userId = if_not_exists(userId, :user), GSI1PK = if_not_exists(GSI1PK, :userPK), " +
			"title = if_not_exists(title, :title), createdAt = if_not_exists(createdAt, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":    &types.AttributeValueMemberS{Value: in.ConversationID},
			":turn":   &types.AttributeValueMemberS{Value: in.TurnID},
			":now":    &types.AttributeValueMemberS{Value: now},
			":user":   &types.AttributeValueMemberS{Value: in.UserID},
			":userPK": &types.AttributeValueMemberS{Value: userPK(in.UserID)},
			":title":  &types.AttributeValueMemberS{Value: in.Title},
		},
		ConditionExpression: aws.String("attribute_not_exists(userId) OR userId = :user"),
		ReturnValues:        types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation %s: %w", in.ConversationID, domain.ErrOwnerMismatch)
		}
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation: %w", err)
	}
	conv, err := itemToConversation(out.Attributes)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: UpsertConversation decode: %w", err)
	}
	return conv, nil
}

// CreateTurn inserts a new turn; an existing id yields domain.ErrConflict.
func (s *DynamoStore) CreateTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ID == "" || turn.ConversationID == "" {
		return errors.New("repository: CreateTurn: turn and conversation ids are required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                turnItem(turn, s.now()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CreateTurn %s: %w", turn.ID, domain.ErrConflict)
		}
		return fmt.Errorf("repository: CreateTurn: %w", err)
	}
	return nil
}

// GetTurn reads a turn with a strongly consistent read.
func (s *DynamoStore) GetTurn(ctx context.Context, turnID, conversationID string) (domain.Turn, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            turnKey(conversationID, turnID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn %s: %w", turnID, domain.ErrNotFound)
	}
	turn, err := itemToTurn(out.Item)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn decode: %w", err)
	}
	return turn, nil
}

// SaveTurn writes status and answer, conditioned on the stored status still
// being in_progress. Losing that race yields domain.ErrTurnNotPending.
func (s *DynamoStore) SaveTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ID == "" || turn.ConversationID == "" {
		return errors.New("repository: SaveTurn: turn and conversation ids are required")
	}
	if !turn.Status.Valid() {
		return fmt.Errorf("repository: SaveTurn: invalid status %q", turn.Status)
	}

	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(turn.Status)},
		":pending": &types.AttributeValueMemberS{Value: string(domain.TurnStatusInProgress)},
		":now":     &types.AttributeValueMemberS{Value: formatTS(s.now())},
	}
	update := "SET #status = :status, updatedAt = :now"
	if turn.Answer != nil {
		update += ", answer = :answer, answerType = :answerType"
		values[":answer"] = &types.AttributeValueMemberS{Value: turn.Answer.Text}
		values[":answerType"] = &types.AttributeValueMemberS{Value: turn.Answer.Type}
	} else {
		update += " REMOVE answer, answerType"
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       turnKey(turn.ConversationID, turn.ID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status = :pending"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: SaveTurn %s: %w", turn.ID, domain.ErrTurnNotPending)
		}
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// ListTurnsByConversation returns every turn of a conversation ordered by
// creation time. Each call is a fresh query.
func (s *DynamoStore) ListTurnsByConversation(ctx context.Context, conversationID string, order domain.SortOrder) ([]domain.Turn, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurnsByConversation: %w", err)
	}

	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurnsByConversation decode: %w", err)
		}
		turns = append(turns, turn)
	}
	sortTurns(turns, order)
	return turns, nil
}

// GetConversation returns the conversation and whether it exists.
func (s *DynamoStore) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, true, nil
}

// ListConversationsByUser returns the user's conversations, most recently
// updated first.
func (s *DynamoStore) ListConversationsByUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: userPK(userID)},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversationsByUser: %w", err)
	}

	convs := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversationsByUser decode: %w", err)
		}
		convs = append(convs, conv)
	}
	sortConversations(convs)
	return convs, nil
}

func (s *DynamoStore) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pager := dynamodb.NewQueryPaginator(s.api, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func turnKey(conversationID, turnID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: turnSK(turnID)},
	}
}

func turnItem(turn domain.Turn, now time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(turn.ID)},
		"turnId":         &types.AttributeValueMemberS{Value: turn.ID},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"userId":         &types.AttributeValueMemberS{Value: turn.UserID},
		"question":       &types.AttributeValueMemberS{Value: turn.Question.Text},
		"questionType":   &types.AttributeValueMemberS{Value: turn.Question.Type},
		"status":         &types.AttributeValueMemberS{Value: string(turn.Status)},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTS(turn.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTS(now)},
	}
	if turn.Answer != nil {
		item["answer"] = &types.AttributeValueMemberS{Value: turn.Answer.Text}
		item["answerType"] = &types.AttributeValueMemberS{Value: turn.Answer.Type}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	var (
		turn domain.Turn
		err  error
	)
	if turn.ID, err = strAttr(item, "turnId"); err != nil {
		return domain.Turn{}, err
	}
	if turn.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return domain.Turn{}, err
	}
	if turn.Question.Text, err = strAttr(item, "question"); err != nil {
		return domain.Turn{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Turn{}, err
	}
	turn.Status = domain.TurnStatus(status)
	if !turn.Status.Valid() {
		return domain.Turn{}, fmt.Errorf("repository: unknown turn status %q", status)
	}
	if turn.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Turn{}, err
	}
	turn.UserID, _ = strAttr(item, "userId")             // allow empty
	turn.Question.Type, _ = strAttr(item, "questionType") // allow empty
	if answer, err := strAttr(item, "answer"); err == nil {
		answerType, _ := strAttr(item, "answerType")
		turn.Answer = &domain.Content{Text: answer, Type: answerType}
	}
	return turn, nil
}

// itemToConversation converts a META# attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	var (
		conv domain.Conversation
		err  error
	)
	if conv.ID, err = strAttr(item, "conversationId"); err != nil {
		return domain.Conversation{}, err
	}
	if conv.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.Conversation{}, err
	}
	if conv.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Conversation{}, err
	}
	if conv.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.Conversation{}, err
	}
	conv.Title, _ = strAttr(item, "title")           // allow empty
	conv.LastTurnID, _ = strAttr(item, "lastTurnId") // allow empty
	return conv, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}

func sortTurns(turns []domain.Turn, order domain.SortOrder) {
	slices.SortStableFunc(turns, func(a, b domain.Turn) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if order == domain.SortDescending {
			return -c
		}
		return c
	})
}

func sortConversations(convs []domain.Conversation) {
	slices.SortStableFunc(convs, func(a, b domain.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
